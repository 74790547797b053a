// Package ratelimit paces the frames a browser connection may push into
// the bridge.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces bytes and frames with one token bucket each. A frame is
// admitted only when both buckets have room. A nil Limiter never limits.
type Limiter struct {
	bytes  *rate.Limiter
	frames *rate.Limiter
}

// New returns a limiter allowing maxBPS bytes and maxFPS frames per second
// with a byte burst of burst. Zero rates are unlimited; it returns nil when
// both are.
func New(maxBPS, maxFPS, burst int) *Limiter {
	if maxBPS <= 0 && maxFPS <= 0 {
		return nil
	}
	l := &Limiter{}
	if maxBPS > 0 {
		if burst <= 0 {
			burst = maxBPS
		}
		l.bytes = rate.NewLimiter(rate.Limit(maxBPS), burst)
	}
	if maxFPS > 0 {
		l.frames = rate.NewLimiter(rate.Limit(maxFPS), maxFPS)
	}
	return l
}

// Allow takes a frame of n bytes if both buckets have room.
func (l *Limiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	rs, delay := l.reserve(now, n)
	if delay > 0 {
		for _, r := range rs {
			r.CancelAt(now)
		}
		return false
	}
	return true
}

// Wait blocks until a frame of n bytes fits or ctx ends.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	rs, delay := l.reserve(time.Now(), n)
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		for _, r := range rs {
			r.Cancel()
		}
		return ctx.Err()
	}
}

// reserve books the frame in both buckets and returns the longer delay.
// A frame larger than the byte burst only waits for a full bucket.
func (l *Limiter) reserve(now time.Time, n int) ([]*rate.Reservation, time.Duration) {
	var (
		rs    []*rate.Reservation
		delay time.Duration
	)
	if l.bytes != nil {
		r := l.bytes.ReserveN(now, min(n, l.bytes.Burst()))
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	if l.frames != nil {
		r := l.frames.ReserveN(now, 1)
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	return rs, delay
}
