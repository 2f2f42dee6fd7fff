// Package promsink adapts telemetry.Sink onto github.com/prometheus/client_golang,
// grounded on the metrics stacks used by DBAShand-cdc-sink-redshift and
// primal-pds in the retrieval pack. Counters and histograms are created
// lazily per metric name on a private registry: nothing here touches the
// default global prometheus registry, keeping with the "no process-wide
// mutable state" design note the Sink interface itself exists to satisfy.
package promsink

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is a telemetry.Sink backed by a dedicated prometheus.Registry.
type Sink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New creates a Sink registered against its own prometheus.Registry, which
// the caller can expose however it likes (an HTTP handler via
// promhttp.HandlerFor, a push-gateway client, etc).
func New() *Sink {
	return &Sink{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for wiring into an HTTP handler.
func (s *Sink) Registry() *prometheus.Registry {
	return s.reg
}

func (s *Sink) counterFor(name string, nlabels int) *prometheus.CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	labelNames := make([]string, nlabels)
	for i := range labelNames {
		labelNames[i] = labelName(i)
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncular_" + name + "_total",
		Help: "Syncular counter " + name,
	}, labelNames)
	s.reg.MustRegister(c)
	s.counters[name] = c
	return c
}

func (s *Sink) histogramFor(name string, nlabels int) *prometheus.HistogramVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	labelNames := make([]string, nlabels)
	for i := range labelNames {
		labelNames[i] = labelName(i)
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncular_" + name + "_seconds",
		Help:    "Syncular duration " + name,
		Buckets: prometheus.DefBuckets,
	}, labelNames)
	s.reg.MustRegister(h)
	s.histograms[name] = h
	return h
}

func labelName(i int) string {
	names := [...]string{"a", "b", "c", "d"}
	if i < len(names) {
		return names[i]
	}
	return "extra"
}

// Count implements telemetry.Sink.
func (s *Sink) Count(name string, delta int64, labels ...string) {
	s.counterFor(name, len(labels)).WithLabelValues(labels...).Add(float64(delta))
}

// Observe implements telemetry.Sink.
func (s *Sink) Observe(name string, d time.Duration, labels ...string) {
	s.histogramFor(name, len(labels)).WithLabelValues(labels...).Observe(d.Seconds())
}
