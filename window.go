// Package burstwatch detects destructive bulk filesystem activity (ransomware-like
// bursts of deletes and renames) from the rate of create/modify/delete/move events
// under a watched tree. Two independent signals are evaluated on the same trailing
// window feature vector: a static threshold rule and an optional trained classifier.
package burstwatch

import (
	"time"
)

// EventKind is one of the four filesystem event kinds the detector counts.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Moved

	numKinds = 4
)

// Kinds lists every recognized kind in feature order.
var Kinds = [numKinds]EventKind{Created, Modified, Deleted, Moved}

var kindNames = [numKinds]string{"created", "modified", "deleted", "moved"}

// String returns the lowercase kind name used in logs, CSV files and config.
func (k EventKind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the four recognized kinds.
func (k EventKind) Valid() bool {
	return k >= 0 && k < numKinds
}

// ParseEventKind maps a kind name to its EventKind. The second result is false
// for names outside the closed set.
func ParseEventKind(name string) (EventKind, bool) {
	for i, n := range kindNames {
		if n == name {
			return EventKind(i), true
		}
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Trailing window counter
// --------------------------------------------------------------------------

// WindowCounter keeps, per event kind, the timestamps that still fall inside a
// trailing window. Timestamps must be added in non-decreasing order; eviction
// only ever trims the oldest entries.
//
// WindowCounter is not safe for concurrent use. Engine serializes access to it.
type WindowCounter struct {
	window time.Duration
	events [numKinds][]time.Time
}

// NewWindowCounter returns a counter with the given trailing window length.
func NewWindowCounter(window time.Duration) *WindowCounter {
	return &WindowCounter{window: window}
}

// Window returns the trailing window length.
func (c *WindowCounter) Window() time.Duration {
	return c.window
}

// Add records an event of kind at ts and evicts entries older than ts-window.
// Unrecognized kinds are ignored.
func (c *WindowCounter) Add(kind EventKind, ts time.Time) {
	if !kind.Valid() {
		return
	}
	c.events[kind] = append(c.events[kind], ts)
	c.evict(kind, ts.Add(-c.window))
}

// Counts evicts stale entries relative to now and returns the per-kind counts,
// indexed by EventKind.
func (c *WindowCounter) Counts(now time.Time) [numKinds]int {
	cutoff := now.Add(-c.window)
	var out [numKinds]int
	for _, k := range Kinds {
		c.evict(k, cutoff)
		out[k] = len(c.events[k])
	}
	return out
}

// evict drops entries strictly before cutoff. An entry equal to cutoff stays.
func (c *WindowCounter) evict(kind EventKind, cutoff time.Time) {
	q := c.events[kind]
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(q) {
		// reuse the backing array once the queue drains
		c.events[kind] = q[:0]
		return
	}
	c.events[kind] = q[i:]
}
