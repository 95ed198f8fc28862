// Package ratelimiter bounds the concurrency and request spacing of
// outbound scrape requests (spec §4.2, Rate Limiter / C2).
package ratelimiter

import (
	"fmt"
	"sync"
	"time"
)

// acquireTimeout is the hard cap on how long a worker will wait for a
// semaphore slot before the limiter treats it as a deadlock (spec §4.2).
const acquireTimeout = 300 * time.Second

// Stats is the observational snapshot returned by Limiter.Stats.
type Stats struct {
	TotalRequests int64
	TotalWaitTime time.Duration
	AverageWait   time.Duration
}

// Limiter is a thread-safe rate limiter combining a counting semaphore
// (bounds concurrency to MaxWorkers) with a minimum-interval gate (bounds
// requests-per-second across all workers).
type Limiter struct {
	sem chan struct{}

	mu            sync.Mutex
	minInterval   time.Duration
	lastSlot      time.Time
	totalRequests int64
	totalWaitTime time.Duration
}

// New creates a Limiter with the given concurrency bound and requests-per-
// second ceiling. A requestsPerSecond of 0 disables spacing entirely (spec
// §8 boundary behavior); only maxWorkers then bounds concurrency.
func New(maxWorkers int, requestsPerSecond float64) *Limiter {
	var minInterval time.Duration
	if requestsPerSecond > 0 {
		minInterval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return &Limiter{
		sem:         make(chan struct{}, maxWorkers),
		minInterval: minInterval,
	}
}

// Lease represents a held rate-limit slot. Release must be called exactly
// once, on every exit path (normal, error, or cancellation) per spec §5.
type Lease struct {
	l *Limiter
}

// Release returns the semaphore slot. Safe to defer immediately after
// Acquire succeeds.
func (lease Lease) Release() {
	<-lease.l.sem
}

// Acquire blocks until a semaphore slot is free and any minimum-interval
// spacing has elapsed, then returns a Lease the caller must Release.
//
// The interval gate reserves the next slot time *before* sleeping (spec
// §4.2): under the mutex it reads last_slot, computes the wait, and sets
// last_slot = now + wait optimistically, so a second concurrent acquirer
// computes its own wait from the already-reserved slot rather than from
// the first acquirer's pre-sleep timestamp. This is what makes N
// concurrent workers converge on an actual requests-per-second ceiling
// instead of bursting as soon as the first sleeper wakes.
func (l *Limiter) Acquire() (Lease, error) {
	select {
	case l.sem <- struct{}{}:
	case <-time.After(acquireTimeout):
		return Lease{}, fmt.Errorf("ratelimiter: semaphore acquire timed out after %s", acquireTimeout)
	}

	if l.minInterval > 0 {
		var wait time.Duration
		l.mu.Lock()
		now := time.Now()
		if elapsed := now.Sub(l.lastSlot); elapsed < l.minInterval {
			wait = l.minInterval - elapsed
		}
		l.lastSlot = now.Add(wait)
		l.totalRequests++
		l.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
			l.mu.Lock()
			l.totalWaitTime += wait
			l.mu.Unlock()
		}
	} else {
		l.mu.Lock()
		l.totalRequests++
		l.mu.Unlock()
	}

	return Lease{l: l}, nil
}

// Stats returns cumulative request count and total wait time, observational
// only (spec §4.2).
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var avg time.Duration
	if l.totalRequests > 0 {
		avg = l.totalWaitTime / time.Duration(l.totalRequests)
	}
	return Stats{
		TotalRequests: l.totalRequests,
		TotalWaitTime: l.totalWaitTime,
		AverageWait:   avg,
	}
}
