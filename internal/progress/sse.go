package progress

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ahrav/go-promptlab/pkg/events"
)

// DefaultKeepAlive is the interval between SSE comment pings.
const DefaultKeepAlive = 15 * time.Second

// Stream writes iterationID's events to w as server-sent events until a
// terminal event is written, the client goes away, or the subscription ends.
func Stream(w http.ResponseWriter, r *http.Request, b Broker, iterationID string, keepAlive time.Duration, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	ch, cancel, err := b.Subscribe(r.Context(), iterationID)
	if err != nil {
		logger.ErrorContext(r.Context(), "subscribe failed", "iteration_id", iterationID, "error", err)
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := WriteEvent(w, e); err != nil {
				logger.DebugContext(r.Context(), "client write failed", "iteration_id", iterationID, "error", err)
				return
			}
			flusher.Flush()
			if Terminal(e) {
				return
			}
		}
	}
}

// WriteEvent writes one event frame. The payload is sent verbatim.
func WriteEvent(w io.Writer, e events.Envelope) error {
	data := e.Payload
	if len(data) == 0 {
		data = []byte("null")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
