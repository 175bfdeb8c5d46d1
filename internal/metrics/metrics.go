// Package metrics defines the prometheus collectors the runtime reports to.
//
// Collectors are always updated; they are only exported once Register is
// called with a registerer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wasmrt"

var (
	GCRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "runs_total",
		Help:      "Number of garbage collections.",
	})
	GCCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "collected_objects_total",
		Help:      "Number of runtime objects collected, by kind.",
	}, []string{"kind"})
	GCDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "duration_seconds",
		Help:      "Time the world was stopped for a garbage collection.",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
	})
	LiveObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "live_objects",
		Help:      "Number of runtime objects registered after the last collection.",
	})

	CommittedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "region",
		Name:      "committed_bytes",
		Help:      "Bytes committed to guarded regions, by region kind.",
	}, []string{"kind"})

	Exceptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fault",
		Name:      "exceptions_total",
		Help:      "Exceptions delivered to a catch frame, by built-in exception type, or \"user\".",
	}, []string{"type"})

	AtomicWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "atomics",
		Name:      "waits_total",
		Help:      "Completed atomic waits, by result.",
	}, []string{"result"})
	AtomicWakes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "atomics",
		Name:      "woken_total",
		Help:      "Waiters woken by atomic notify.",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "objectcache",
		Name:      "lookups_total",
		Help:      "Object code cache lookups, by result.",
	}, []string{"result"})
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "objectcache",
		Name:      "evictions_total",
		Help:      "Object code cache entries evicted to stay under the size limit.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		GCRuns, GCCollected, GCDuration, LiveObjects,
		CommittedBytes,
		Exceptions,
		AtomicWaits, AtomicWakes,
		CacheLookups, CacheEvictions,
	}
}

// Register registers every collector with r. Collectors r already holds are
// skipped, so registering twice is not an error.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
