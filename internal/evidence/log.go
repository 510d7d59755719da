package evidence

import (
	"sync"

	"github.com/not-amarnath/final-year-project/internal/types"
)

const (
	// DefaultCapacity is how many entries the log keeps.
	DefaultCapacity = 10
	// DefaultThreshold is the distance below which a tick's best result is logged.
	DefaultThreshold = 0.55
)

// Log is a bounded FIFO of evidence entries. The oldest entry is evicted once
// capacity is exceeded. It never blocks callers beyond a short critical section.
type Log struct {
	mu      sync.RWMutex
	entries []types.EvidenceEntry
	head    int // index of the oldest entry
	size    int
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]types.EvidenceEntry, capacity)}
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return len(l.entries)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Record appends e, evicting the oldest entry when full.
func (l *Log) Record(e types.EvidenceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if l.size < n {
		l.entries[(l.head+l.size)%n] = e
		l.size++
		return
	}
	l.entries[l.head] = e
	l.head = (l.head + 1) % n
}

// Recent returns the retained entries, most recent first.
func (l *Log) Recent() []types.EvidenceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	out := make([]types.EvidenceEntry, 0, l.size)
	for i := l.size - 1; i >= 0; i-- {
		out = append(out, l.entries[(l.head+i)%n])
	}
	return out
}

// Find returns the retained entry with the given id. Evicted entries are gone.
func (l *Log) Find(id string) (types.EvidenceEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if e.ID == id {
			return e, true
		}
	}
	return types.EvidenceEntry{}, false
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.head, l.size = 0, 0
}

// Gate admits a tick's best result into the log when its distance is strictly
// below Threshold. It is independent of the match threshold used for the overlay.
type Gate struct {
	Threshold float64
}

// NewGate creates a gate. A non-positive threshold falls back to DefaultThreshold.
func NewGate(threshold float64) Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Gate{Threshold: threshold}
}

// Admits reports whether r qualifies as evidence.
func (g Gate) Admits(r types.MatchResult) bool {
	return r.Distance < g.Threshold
}
