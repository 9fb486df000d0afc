// Package ingestion maintains one live Trade-event subscription per
// configured network and feeds normalized trades to the aggregator.
package ingestion

import (
	"sync"
	"time"
)

// Endpoint is the per-network connection state: ordered URL lists, the
// current rotation index per transport, a consecutive-error counter and
// the health flag. Guarded by its own mutex so one network's reconnect
// storm never blocks another's.
type Endpoint struct {
	mu        sync.Mutex
	wsURLs    []string
	httpURLs  []string
	wsIndex   int
	httpIndex int
	errors    int
	healthy   bool
}

func NewEndpoint(wsURLs, httpURLs []string) *Endpoint {
	return &Endpoint{wsURLs: wsURLs, httpURLs: httpURLs}
}

// CurrentWS returns the active WebSocket URL. The index persists across
// reconnects so rotation resumes from the last known-good URL.
func (e *Endpoint) CurrentWS() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.wsURLs) == 0 {
		return "", false
	}
	return e.wsURLs[e.wsIndex], true
}

// AdvanceWS rotates to the next WebSocket URL.
func (e *Endpoint) AdvanceWS() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.wsURLs) > 0 {
		e.wsIndex = (e.wsIndex + 1) % len(e.wsURLs)
	}
}

func (e *Endpoint) WSCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.wsURLs)
}

// WSIndex returns the current WebSocket rotation index.
func (e *Endpoint) WSIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wsIndex
}

// CurrentHTTP returns the active HTTP fallback URL.
func (e *Endpoint) CurrentHTTP() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.httpURLs) == 0 {
		return "", false
	}
	return e.httpURLs[e.httpIndex], true
}

// AdvanceHTTP rotates to the next HTTP URL.
func (e *Endpoint) AdvanceHTTP() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.httpURLs) > 0 {
		e.httpIndex = (e.httpIndex + 1) % len(e.httpURLs)
	}
}

func (e *Endpoint) HTTPCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.httpURLs)
}

// RecordError bumps the consecutive-error counter and returns it.
func (e *Endpoint) RecordError() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors++
	return e.errors
}

// ResetErrors clears the counter after a successful connect.
func (e *Endpoint) ResetErrors() {
	e.mu.Lock()
	e.errors = 0
	e.mu.Unlock()
}

func (e *Endpoint) ErrorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errors
}

func (e *Endpoint) SetHealthy(h bool) {
	e.mu.Lock()
	e.healthy = h
	e.mu.Unlock()
}

func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// Backoff returns min(base + errors*step, max) for the current counter.
func (e *Endpoint) Backoff(base, step, max time.Duration) time.Duration {
	e.mu.Lock()
	n := e.errors
	e.mu.Unlock()
	d := base + time.Duration(n)*step
	if d > max {
		return max
	}
	return d
}
