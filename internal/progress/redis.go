package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-promptlab/pkg/events"
)

const channelPrefix = "promptlab:events:"

// Channel returns the pub/sub channel of an iteration.
func Channel(iterationID string) string { return channelPrefix + iterationID }

// RedisBroker relays events through Redis pub/sub so API servers see what
// workers in other processes emit.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker creates a broker over client.
func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger.With("component", "progress")}
}

// Append implements events.EventSink.
func (b *RedisBroker) Append(ctx context.Context, e events.Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	if err := b.client.Publish(ctx, Channel(e.IterationID), raw).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(ctx context.Context, iterationID string) (<-chan events.Envelope, func(), error) {
	ps := b.client.Subscribe(ctx, Channel(iterationID))
	// Wait for the subscription confirmation so events published after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", iterationID, err)
	}

	out := make(chan events.Envelope, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var e events.Envelope
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					b.logger.Warn("dropping undecodable event", "iteration_id", iterationID, "error", err)
					continue
				}
				select {
				case out <- e:
				default:
					b.logger.Warn("subscriber behind, dropping event", "iteration_id", iterationID, "type", e.Type)
				}
			}
		}
	}()
	return out, cancel, nil
}
