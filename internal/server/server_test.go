package server

import (
	"context"
	"encoding/json"
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
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/progress"
	"github.com/ahrav/go-promptlab/internal/review"
	"github.com/ahrav/go-promptlab/internal/store/storetest"
	"github.com/ahrav/go-promptlab/pkg/events"
)

const politeDiff = `@@ -1 +1 @@
-Answer the customer question: {{question}}
+Answer the customer question politely: {{question}}
`

type fixture struct {
	srv        *httptest.Server
	broker     *progress.MemoryBroker
	iteration  string
	suggestion string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storetest.Open(t)
	fx := storetest.Seed(t, s, nil)
	sg := &domain.Suggestion{
		ExperimentID:    fx.Experiment.ID,
		IterationID:     fx.Iteration.ID,
		PromptVersionID: fx.Prompt.ID,
		Diff:            politeDiff,
		Status:          domain.SuggestionPending,
	}
	require.NoError(t, s.CreateSuggestion(context.Background(), sg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := progress.NewMemoryBroker()
	api := New(Config{KeepAlive: time.Hour}, s, review.New(s, nil, logger), broker, metrics.New().Handler(), logger)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, broker: broker, iteration: fx.Iteration.ID, suggestion: sg.ID}
}

func postReview(t *testing.T, f fixture, id, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/suggestions/"+id+"/review", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestReviewEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := postReview(t, f, f.suggestion, `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "approve or reject")

	resp, _ = postReview(t, f, f.suggestion, `{"verdict":"approve"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postReview(t, f, "missing", `{"decision":"approve"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = postReview(t, f, f.suggestion, `{"decision":"approve"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "approved", body["status"])
	assert.NotEmpty(t, body["iteration_id"])
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp, _ = postReview(t, f, f.suggestion, `{"decision":"reject"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	next, err := http.Get(f.srv.URL + "/iterations/" + body["iteration_id"].(string))
	require.NoError(t, err)
	defer next.Body.Close()
	var it domain.Iteration
	require.NoError(t, json.NewDecoder(next.Body).Decode(&it))
	assert.Equal(t, 2, it.Sequence)
}

func TestGetIteration(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/iterations/" + f.iteration)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	missing, err := http.Get(f.srv.URL + "/iterations/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)

	missing, err := http.Get(f.srv.URL + "/iterations/nope/events")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	resp, err := http.Get(f.srv.URL + "/iterations/" + f.iteration + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return f.broker.Subscribers(f.iteration) == 1 }, time.Second, 5*time.Millisecond)
	env, err := events.New(domain.EventIterationFailed, "test", f.iteration, map[string]string{"error": "all model runs failed"})
	require.NoError(t, err)
	require.NoError(t, f.broker.Append(context.Background(), env))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "event: iteration:failed\ndata: {\"error\":\"all model runs failed\"}\n\n", string(raw))
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")

	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoverer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoverer(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
