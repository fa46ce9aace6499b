package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	windowMs          = 1000
	minGlobalWait     = 10 * time.Millisecond
	degradedRetryWait = 30 * time.Second
)

// fixedWindow counts calls per key in one-second windows.
//
// KEYS[1] = window key
// ARGV[1] = window length in milliseconds
// ARGV[2] = calls allowed per window
//
// Returns {1, remaining} when admitted and {0, ttl_ms} when the window is full.
var fixedWindow = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		if redis.call('PTTL', key) == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end
	return {0, redis.call('PTTL', key)}
`)

// waitGlobal blocks until the shared window admits the call. Any Redis
// failure flips the limiter into degraded mode for degradedRetryWait, during
// which only local limits apply.
func (l *Limiter) waitGlobal(ctx context.Context, key string) error {
	if l.global == nil || !l.cfg.Global.Enabled || l.cfg.Global.RequestsPerSecond == 0 {
		return nil
	}
	if l.degraded.Load() {
		return nil
	}

	for {
		res, err := fixedWindow.Run(ctx, l.global, []string{"promptlab:rl:" + key},
			windowMs, l.cfg.Global.RequestsPerSecond).Int64Slice()
		if err != nil || len(res) != 2 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.enterDegraded(err)
			return nil
		}
		if res[0] == 1 {
			return nil
		}

		wait := time.Duration(res[1]) * time.Millisecond
		if wait < minGlobalWait {
			wait = minGlobalWait
		}
		l.waits.Add(1)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (l *Limiter) enterDegraded(err error) {
	if !l.degraded.CompareAndSwap(false, true) {
		return
	}
	l.logger.Warn("global rate limiter unavailable, using local limits only",
		"error", err, "retry_in", degradedRetryWait)
	time.AfterFunc(degradedRetryWait, func() { l.degraded.Store(false) })
}
