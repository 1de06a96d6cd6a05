// Package actionlog keeps the per-agent audit trail: an append-only,
// ring-buffered record of every operation the daemon performed or denied.
package actionlog

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ring per agent.
const DefaultCapacity = 1000

// Result classifies the outcome of a logged operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
	ResultDenied  Result = "denied"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Operation string    `json:"operation"`
	Path      string    `json:"path,omitempty"`
	Command   string    `json:"command,omitempty"`
	Result    Result    `json:"result"`
	Details   string    `json:"details,omitempty"`
}

// Log is a thread-safe ring buffer of audit entries. When full, the
// oldest entry is dropped. Total counts appends across the lifetime of
// the log, not just the retained window.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	total    int
}

// New creates a Log with the given capacity; capacity <= 0 uses the default.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Append records an entry, stamping the time if unset.
func (l *Log) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.capacity {
		// Drop oldest (shift left)
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, e)
	l.total++
}

// Recent returns up to limit entries, most recent first. limit <= 0
// returns everything retained.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.entries[n-1-i]
	}
	return out
}

// Total returns the lifetime append count.
func (l *Log) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
