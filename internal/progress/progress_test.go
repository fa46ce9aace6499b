package progress

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/pkg/events"
)

func envelope(t *testing.T, typ, iterationID string, payload any) events.Envelope {
	t.Helper()
	e, err := events.New(typ, "test", iterationID, payload)
	require.NoError(t, err)
	return e
}

func TestMemoryBroker(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	ch, cancel, err := b.Subscribe(ctx, "it-1")
	require.NoError(t, err)
	other, cancelOther, err := b.Subscribe(ctx, "it-2")
	require.NoError(t, err)
	defer cancelOther()
	assert.Equal(t, 1, b.Subscribers("it-1"))

	require.NoError(t, b.Append(ctx, envelope(t, domain.EventStatus, "it-1", map[string]string{"status": "JUDGING"})))
	got := <-ch
	assert.Equal(t, domain.EventStatus, got.Type)
	assert.Empty(t, other, "events are scoped per iteration")

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("it-1"))
	assert.NoError(t, b.Append(ctx, envelope(t, domain.EventStatus, "it-1", nil)), "no subscribers is fine")
}

func TestMemoryBrokerDropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	_, cancel, err := b.Subscribe(ctx, "it-1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		require.NoError(t, b.Append(ctx, envelope(t, domain.EventRunProgress, "it-1", i)))
	}
	assert.Equal(t, int64(3), b.Dropped())
}

func TestMemoryBrokerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker()
	ch, _, err := b.Subscribe(ctx, "it-1")
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool { return b.Subscribers("it-1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestWriteEvent(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteEvent(&sb, envelope(t, domain.EventRunCompleted, "it-1", map[string]int{"cases": 2})))
	assert.Equal(t, "event: modelRun:completed\ndata: {\"cases\":2}\n\n", sb.String())

	sb.Reset()
	require.NoError(t, WriteEvent(&sb, events.Envelope{Type: domain.EventStatus}))
	assert.Equal(t, "event: status\ndata: null\n\n", sb.String())
}

func TestStream(t *testing.T) {
	b := NewMemoryBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Stream(w, r, b, "it-1", time.Hour, logger)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Subscribers("it-1") == 1 }, time.Second, 5*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.Append(ctx, envelope(t, domain.EventStatus, "it-1", map[string]string{"status": "AGGREGATING"})))
	require.NoError(t, b.Append(ctx, envelope(t, domain.EventIterationDone, "it-1", map[string]string{"reason": "converged"})))

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{
		"event: status",
		`data: {"status":"AGGREGATING"}`,
		"",
		"event: iteration:done",
		`data: {"reason":"converged"}`,
		"",
	}, lines, "the stream closes after the terminal event")

	assert.Eventually(t, func() bool { return b.Subscribers("it-1") == 0 }, time.Second, 5*time.Millisecond)
}
