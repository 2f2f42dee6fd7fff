// Package telemetry defines the Sink interface engines emit counters and
// durations through. Per spec §9 ("Global telemetry... model as a
// configurable sink handed to engines at construction; no process-wide
// mutable state"), nothing in this package or its callers reaches for a
// package-level variable: a Sink is constructed once by the host binary and
// passed down through the serverengine.New constructor.
package telemetry

import "time"

// Sink receives point events from the sync engines. Implementations must be
// safe for concurrent use.
type Sink interface {
	Count(name string, delta int64, labels ...string)
	Observe(name string, d time.Duration, labels ...string)
}

// Noop discards every event. It is the zero-configuration default so that
// engines never need a nil check before emitting.
type Noop struct{}

func (Noop) Count(string, int64, ...string)      {}
func (Noop) Observe(string, time.Duration, ...string) {}

var _ Sink = Noop{}
