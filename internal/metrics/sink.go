// Package metrics keeps a bounded in-memory log of per-request outcomes.
package metrics

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeCacheHit        Outcome = "cache_hit"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeUpstreamError   Outcome = "upstream_error"
	OutcomeConfigMissing   Outcome = "config_missing"
	OutcomeError           Outcome = "error"
)

// DefaultMaxRecords bounds the sink.
const DefaultMaxRecords = 1000

// Record is one request's metrics.
type Record struct {
	RequestID  string         `json:"requestId"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"durationMs"`
	Outcome    Outcome        `json:"outcome"`
	Phase      int            `json:"phase"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Summary aggregates the retained records.
type Summary struct {
	Total         int             `json:"total"`
	ByOutcome     map[Outcome]int `json:"byOutcome"`
	AvgDurationMs float64         `json:"avgDurationMs"`
}

// Sink retains the most recent records, evicting the oldest when full.
type Sink struct {
	clock      Clock
	logger     *slog.Logger
	maxRecords int

	mu      sync.Mutex
	records *list.List
}

// NewSink creates a Sink keeping maxRecords records. A nil logger uses slog.Default().
func NewSink(maxRecords int, logger *slog.Logger) *Sink {
	return NewSinkWithClock(maxRecords, logger, realClock{})
}

// NewSinkWithClock creates a Sink with a custom clock (for testing).
func NewSinkWithClock(maxRecords int, logger *slog.Logger, clock Clock) *Sink {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		clock:      clock,
		logger:     logger,
		maxRecords: maxRecords,
		records:    list.New(),
	}
}

// Record stores one request's outcome and logs it. Duration is measured
// from start.
func (s *Sink) Record(requestID string, start time.Time, outcome Outcome, phase int, extra map[string]any) Record {
	now := s.clock.Now()
	rec := Record{
		RequestID:  requestID,
		Timestamp:  now,
		DurationMs: now.Sub(start).Milliseconds(),
		Outcome:    outcome,
		Phase:      phase,
		Extra:      extra,
	}

	s.mu.Lock()
	s.records.PushBack(rec)
	for s.records.Len() > s.maxRecords {
		s.records.Remove(s.records.Front())
	}
	s.mu.Unlock()

	attrs := []any{
		"request_id", rec.RequestID,
		"outcome", string(rec.Outcome),
		"phase", rec.Phase,
		"duration_ms", rec.DurationMs,
	}
	for k, v := range extra {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("request metrics", attrs...)
	return rec
}

// Len returns the number of retained records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (s *Sink) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.records.Len() {
		n = s.records.Len()
	}
	out := make([]Record, 0, n)
	for e := s.records.Back(); e != nil && len(out) < n; e = e.Prev() {
		out = append(out, e.Value.(Record))
	}
	return out
}

// Summary aggregates the retained records.
func (s *Sink) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{ByOutcome: make(map[Outcome]int)}
	var total int64
	for e := s.records.Front(); e != nil; e = e.Next() {
		r := e.Value.(Record)
		sum.Total++
		sum.ByOutcome[r.Outcome]++
		total += r.DurationMs
	}
	if sum.Total > 0 {
		sum.AvgDurationMs = float64(total) / float64(sum.Total)
	}
	return sum
}
