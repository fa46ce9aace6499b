// Package lease grants time-bounded exclusive ownership of a key. The
// iteration workflow holds a lease per iteration and every stage verifies
// the holder's token before writing, so a superseded orchestrator cannot
// corrupt an iteration it no longer owns.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-promptlab/internal/metrics"
)

var (
	// ErrHeld is returned when another token holds the lease.
	ErrHeld = errors.New("lease held by another owner")

	// ErrNotHeld is returned when the token does not hold the lease, either
	// because it expired or because another owner took it over.
	ErrNotHeld = errors.New("lease not held")
)

// DefaultTTL is the lease lifetime when callers pass zero.
const DefaultTTL = 2 * time.Minute

// Manager grants and checks leases. Tokens are opaque; the iteration
// workflow uses its run id as a fencing token.
type Manager interface {
	// Acquire takes the lease for token. Re-acquiring with the current token
	// extends it. It returns ErrHeld if another token holds it.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) error
	// Renew extends the lease or returns ErrNotHeld.
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
	// Check returns ErrNotHeld unless token currently holds the lease.
	Check(ctx context.Context, key, token string) error
	// Release drops the lease if token holds it. Releasing a lease that is
	// not held is not an error.
	Release(ctx context.Context, key, token string) error
}

// IterationKey is the lease key of an iteration.
func IterationKey(iterationID string) string { return "iteration:" + iterationID }

// DatagenKey serializes dataset generation per project.
func DatagenKey(projectID string) string { return "datagen:" + projectID }

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Instrument counts conflicts reported by m.
func Instrument(m Manager, c *metrics.Collector) Manager {
	if c == nil {
		return m
	}
	return &instrumented{next: m, metrics: c}
}

type instrumented struct {
	next    Manager
	metrics *metrics.Collector
}

func (i *instrumented) observe(err error) error {
	if errors.Is(err, ErrHeld) || errors.Is(err, ErrNotHeld) {
		i.metrics.LeaseConflict()
	}
	return err
}

func (i *instrumented) Acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	return i.observe(i.next.Acquire(ctx, key, token, ttl))
}

func (i *instrumented) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	return i.observe(i.next.Renew(ctx, key, token, ttl))
}

func (i *instrumented) Check(ctx context.Context, key, token string) error {
	return i.observe(i.next.Check(ctx, key, token))
}

func (i *instrumented) Release(ctx context.Context, key, token string) error {
	return i.next.Release(ctx, key, token)
}
