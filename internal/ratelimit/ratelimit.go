// Package ratelimit provides a per-slot token bucket that denies
// inbound worker message floods.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket sized and refilled at maxMessagesPerSecond.
// Capacity equals the refill rate, matching spec: a slot may burst up
// to one second's worth of messages before TryAcquire starts failing.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing maxMessagesPerSecond sustained, with a
// burst capacity of the same size.
func New(maxMessagesPerSecond int) *Limiter {
	if maxMessagesPerSecond <= 0 {
		maxMessagesPerSecond = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(maxMessagesPerSecond), maxMessagesPerSecond),
	}
}

// TryAcquire deducts one token if available. A false result means the
// caller has flooded the channel and the slot must be terminated —
// throttling a worker that has already committed its JS heap buys
// nothing; termination is the cheaper response.
func (l *Limiter) TryAcquire() bool {
	return l.limiter.AllowN(time.Now(), 1)
}
