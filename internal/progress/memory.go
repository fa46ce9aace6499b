package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrav/go-promptlab/pkg/events"
)

// MemoryBroker delivers events within one process.
type MemoryBroker struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	dropped atomic.Int64
}

type subscriber struct {
	ch   chan events.Envelope
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*subscriber]struct{})}
}

// Append implements events.EventSink.
func (b *MemoryBroker) Append(_ context.Context, e events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[e.IterationID] {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, iterationID string) (<-chan events.Envelope, func(), error) {
	s := &subscriber{ch: make(chan events.Envelope, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[iterationID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[iterationID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs[iterationID], s)
			if len(b.subs[iterationID]) == 0 {
				delete(b.subs, iterationID)
			}
			s.close()
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return s.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for iterationID.
func (b *MemoryBroker) Subscribers(iterationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[iterationID])
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *MemoryBroker) Dropped() int64 { return b.dropped.Load() }
