// Package metrics instruments the pipeline with counters, gauges and timers
// kept in a go-metrics registry.
package metrics

import (
	"fmt"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Sink records metrics under an optional namespace. The zero value is not
// usable; a nil *Sink discards everything.
type Sink struct {
	namespace string
	registry  gometrics.Registry
}

func New(namespace string) *Sink {
	return &Sink{namespace: namespace, registry: gometrics.NewRegistry()}
}

func (s *Sink) name(metric string) string {
	if s.namespace == "" {
		return metric
	}
	return fmt.Sprintf("%s.%s", s.namespace, metric)
}

// Increment a counter with the given name.
func (s *Sink) Increment(name string) {
	if s == nil {
		return
	}
	gometrics.GetOrRegisterCounter(s.name(name), s.registry).Inc(1)
}

// Measure that the given metric has the given value.
func (s *Sink) Measure(name string, value int64) {
	if s == nil {
		return
	}
	gometrics.GetOrRegisterGauge(s.name(name), s.registry).Update(value)
}

// Time adds a timing measurement for the given metric.
func (s *Sink) Time(name string, value time.Duration) {
	if s == nil {
		return
	}
	gometrics.GetOrRegisterTimer(s.name(name), s.registry).Update(value)
}

func (s *Sink) Registry() gometrics.Registry {
	return s.registry
}

// Count reads a counter back, mostly for tests. Unknown counters read as 0.
func (s *Sink) Count(name string) int64 {
	if s == nil {
		return 0
	}
	if c, ok := s.registry.Get(s.name(name)).(gometrics.Counter); ok {
		return c.Count()
	}
	return 0
}
