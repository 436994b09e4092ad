// Package logsink implements the append-only structured log deque with a
// paged read interface. It is deliberately separate from rlog: rlog is the
// developer-facing structured logger used throughout this module's own
// packages, while logsink is a first-class domain entity of the broker
// itself — the `log`/`log_range`/`log_size` surface callers query.
package logsink

import (
	"sync"
	"time"
)

// LogType classifies a LogEntry.
type LogType int

const (
	Success LogType = 0
	Error   LogType = 1
	Warning LogType = 2
)

// LogEntry is one record in the sink.
type LogEntry struct {
	LogID        uint64    `json:"log_id"`
	LogType      LogType   `json:"log_type"`
	LogOrigin    string    `json:"log_origin"`
	LogCanister  string    `json:"log_canister"`
	LogMessage   string    `json:"log_message"`
	LogData      string    `json:"log_data"`
	LogTimestamp time.Time `json:"log_timestamp"`
}

// Clock abstracts the time source for deterministic tests.
type Clock func() time.Time

// Sink is an append-only in-memory deque of LogEntry. No rotation policy
// is applied by default; callers that want a bound should cap externally.
type Sink struct {
	mu      sync.RWMutex
	entries []LogEntry
	nextID  uint64
	clock   Clock
}

// New creates an empty Sink. A nil clock defaults to time.Now.
func New(clock Clock) *Sink {
	if clock == nil {
		clock = time.Now
	}
	return &Sink{clock: clock}
}

// Log constructs an entry stamped with the current time and appends it,
// returning the assigned LogID.
func (s *Sink) Log(logType LogType, origin, canister, message, data string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, LogEntry{
		LogID:        id,
		LogType:      logType,
		LogOrigin:    origin,
		LogCanister:  canister,
		LogMessage:   message,
		LogData:      data,
		LogTimestamp: s.clock(),
	})
	return id
}

// LogInject appends a pre-built entry verbatim, overriding its LogID with
// the next assigned one. Used to re-ingest entries recovered from another
// source.
func (s *Sink) LogInject(e LogEntry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.LogID = s.nextID
	s.nextID++
	s.entries = append(s.entries, e)
	return e.LogID
}

// LogRange returns up to length entries starting at index, clamped to the
// current size. An index past the tail returns an empty slice, never an
// error.
func (s *Sink) LogRange(index, length int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || length <= 0 || index >= len(s.entries) {
		return nil
	}
	end := index + length
	if end > len(s.entries) {
		end = len(s.entries)
	}
	out := make([]LogEntry, end-index)
	copy(out, s.entries[index:end])
	return out
}

// LogSize returns the current entry count.
func (s *Sink) LogSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LogEmpty drains all entries.
func (s *Sink) LogEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
