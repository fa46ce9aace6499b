// Package progress fans iteration events out to live observers.
//
// Producers append envelopes through the events.EventSink interface; the
// HTTP layer subscribes per iteration and streams them as server-sent
// events. Delivery is best effort: a subscriber that falls behind loses
// events rather than stalling producers.
package progress

import (
	"context"

	"github.com/ahrav/go-promptlab/internal/domain"
	"github.com/ahrav/go-promptlab/pkg/events"
)

// subscriberBuffer is the per-subscriber queue length.
const subscriberBuffer = 64

// Broker publishes events and lets observers subscribe per iteration.
type Broker interface {
	events.EventSink

	// Subscribe returns a channel of events for iterationID. The channel is
	// closed after cancel is called or ctx ends.
	Subscribe(ctx context.Context, iterationID string) (ch <-chan events.Envelope, cancel func(), err error)
}

// Terminal reports whether e ends an iteration's stream.
func Terminal(e events.Envelope) bool {
	return e.Type == domain.EventIterationDone || e.Type == domain.EventIterationFailed
}
