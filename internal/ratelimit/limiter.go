// Package ratelimit wraps golang.org/x/time/rate with named limiters so
// concurrent ingestion workers share one budget per external source.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a name for logging/debugging.
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// New creates a new rate limiter with the given requests per second.
// The burst size equals the rate, allowing short bursts up to the rate limit.
func New(name string, requestsPerSecond int) *Limiter {
	return NewWithBurst(name, requestsPerSecond, requestsPerSecond)
}

// NewWithBurst creates a new rate limiter with custom burst size.
func NewWithBurst(name string, requestsPerSecond, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		name:    name,
	}
}

// sourceRates holds the per-source request budgets. Scraped HTML sites
// get a tighter budget than the JSON APIs.
var sourceRates = map[string]int{
	"gutenberg":   2,
	"googlebooks": 5,
	"openlibrary": 5,
	"goodreads":   1,
	"wikipedia":   5,
}

// ForSource creates a limiter with the default budget for a known
// source name, or a conservative 1 req/s for unknown names.
func ForSource(name string) *Limiter {
	rps, ok := sourceRates[name]
	if !ok {
		rps = 1
	}
	return New(name, rps)
}

// Wait blocks until the rate limiter allows a request to proceed.
// Returns an error if the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", l.name, err)
	}
	return nil
}

// Allow reports whether a request can proceed without blocking.
// Use this for non-blocking checks; prefer Wait for most cases.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Name returns the name of this rate limiter.
func (l *Limiter) Name() string {
	return l.name
}
