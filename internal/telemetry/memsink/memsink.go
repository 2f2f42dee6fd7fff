// Package memsink is an in-memory telemetry.Sink using atomic counters,
// grounded on internal/api/metrics.go's Metrics type in the teacher repo.
// It is a reasonable default for a single server process that has not wired
// a real metrics backend.
package memsink

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink accumulates named counters and running duration sums in memory.
type Sink struct {
	mu         sync.Mutex
	counters   map[string]*atomic.Int64
	durations  map[string]*durationStat
}

type durationStat struct {
	count atomic.Int64
	total atomic.Int64 // nanoseconds
}

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{
		counters:  make(map[string]*atomic.Int64),
		durations: make(map[string]*durationStat),
	}
}

// Count increments the named counter by delta. Labels are ignored for
// cardinality's sake — memsink is a coarse process-local view, not a
// queryable metrics backend; use promsink when labels matter.
func (s *Sink) Count(name string, delta int64, _ ...string) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = &atomic.Int64{}
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.Add(delta)
}

// Observe records a duration sample against the named series.
func (s *Sink) Observe(name string, d time.Duration, _ ...string) {
	s.mu.Lock()
	st, ok := s.durations[name]
	if !ok {
		st = &durationStat{}
		s.durations[name] = st
	}
	s.mu.Unlock()
	st.count.Add(1)
	st.total.Add(int64(d))
}

// Snapshot is a point-in-time read of every counter and mean duration.
type Snapshot struct {
	Counters map[string]int64
	MeanNS   map[string]float64
}

// Snapshot copies the current state out for reporting (e.g. a /metrics
// handler or a CLI status view).
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		Counters: make(map[string]int64, len(s.counters)),
		MeanNS:   make(map[string]float64, len(s.durations)),
	}
	for name, c := range s.counters {
		out.Counters[name] = c.Load()
	}
	for name, st := range s.durations {
		n := st.count.Load()
		if n == 0 {
			continue
		}
		out.MeanNS[name] = float64(st.total.Load()) / float64(n)
	}
	return out
}
