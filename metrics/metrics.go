/*
 * Copyright (c) 2017-2020 The amber developers
 */

// Package metrics centralizes the runtime counters exposed by the node.  It
// is a thin veneer over go-metrics so callers never deal with registries
// directly and disabled metrics cost nothing.
package metrics

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// Enabled controls whether newly created metrics record anything.  It must
// be set before any metric is created.
var Enabled = true

// NewCounter registers and returns a new counter under the given name.
func NewCounter(name string) metrics.Counter {
	if !Enabled {
		return metrics.NilCounter{}
	}
	return metrics.GetOrRegisterCounter(name, metrics.DefaultRegistry)
}

// NewGauge registers and returns a new gauge under the given name.
func NewGauge(name string) metrics.Gauge {
	if !Enabled {
		return metrics.NilGauge{}
	}
	return metrics.GetOrRegisterGauge(name, metrics.DefaultRegistry)
}

// NewMeter registers and returns a new meter under the given name.
func NewMeter(name string) metrics.Meter {
	if !Enabled {
		return metrics.NilMeter{}
	}
	return metrics.GetOrRegisterMeter(name, metrics.DefaultRegistry)
}

// NewTimer registers and returns a new timer under the given name.
func NewTimer(name string) metrics.Timer {
	if !Enabled {
		return metrics.NilTimer{}
	}
	return metrics.GetOrRegisterTimer(name, metrics.DefaultRegistry)
}

// Each iterates over every registered metric.
func Each(f func(name string, metric interface{})) {
	metrics.DefaultRegistry.Each(f)
}

// LogOnce writes a one-shot snapshot of every registered metric through the
// given printf-style function.
func LogOnce(printf func(format string, v ...interface{})) {
	metrics.DefaultRegistry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			printf("counter %s: count %d", name, m.Count())
		case metrics.Gauge:
			printf("gauge %s: value %d", name, m.Value())
		case metrics.Meter:
			snapshot := m.Snapshot()
			printf("meter %s: count %d rate1m %.2f", name,
				snapshot.Count(), snapshot.Rate1())
		case metrics.Timer:
			snapshot := m.Snapshot()
			printf("timer %s: count %d mean %v", name,
				snapshot.Count(),
				time.Duration(snapshot.Mean()))
		}
	})
}
