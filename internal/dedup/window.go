// Package dedup suppresses duplicate notifications for the same logical
// unit of work arriving through different channels within a short window.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a repeated identifier is treated as an
	// echo of the same event.
	DefaultWindow = 800 * time.Millisecond

	// gcThreshold and gcMaxAge bound the table: once more than
	// gcThreshold identifiers are tracked, entries older than gcMaxAge
	// are purged on the next Accept call. No background timer.
	gcThreshold = 200
	gcMaxAge    = 60 * time.Second
)

// Claim reports the outcome of ClaimFirstAvailable. When no candidate
// passes the window check, Identifier still carries the first candidate
// for downstream best-effort matching.
type Claim struct {
	Accepted   bool
	Identifier string
}

// Window is a short-lived memory of recently accepted identifiers.
// It is safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

func New() *Window {
	return NewWithClock(DefaultWindow, time.Now)
}

// NewWithClock injects the window length and clock (tests).
func NewWithClock(window time.Duration, now func() time.Time) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Window{
		window:   window,
		lastSeen: map[string]time.Time{},
		now:      now,
	}
}

// Accept returns true, and records the acceptance, when id has not been
// accepted within the window. Empty ids are always rejected.
func (w *Window) Accept(id string) bool {
	if id == "" {
		return false
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.gcLocked(now)

	if prev, ok := w.lastSeen[id]; ok && now.Sub(prev) < w.window {
		return false
	}
	w.lastSeen[id] = now
	return true
}

// ClaimFirstAvailable tries each candidate in order and accepts the
// first that passes the window check. If none pass, the first candidate
// is reported with Accepted=false.
func (w *Window) ClaimFirstAvailable(ids []string) Claim {
	for _, id := range ids {
		if w.Accept(id) {
			return Claim{Accepted: true, Identifier: id}
		}
	}
	if len(ids) > 0 {
		return Claim{Accepted: false, Identifier: ids[0]}
	}
	return Claim{}
}

// Len reports the number of tracked identifiers (tests, /api/status).
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastSeen)
}

func (w *Window) gcLocked(now time.Time) {
	if len(w.lastSeen) <= gcThreshold {
		return
	}
	for id, at := range w.lastSeen {
		if now.Sub(at) > gcMaxAge {
			delete(w.lastSeen, id)
		}
	}
}
