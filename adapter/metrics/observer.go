// Package metrics exports bus lifecycle events as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xtestbus"
)

const namespace = "xtestbus"

// Observer is an xtestbus.Observer that records lifecycle events.
// It is safe for concurrent use by the observer pool workers.
type Observer struct {
	published     *prometheus.CounterVec   // by data_type
	consumed      *prometheus.CounterVec   // by consumer and status (ok/fault)
	consumeTime   *prometheus.HistogramVec // by consumer
	drains        *prometheus.CounterVec   // by result (ok/livelock/fault)
	drainTime     prometheus.Histogram
	drainAttempts prometheus.Histogram
	disabled      prometheus.Counter
}

var _ xtestbus.Observer = (*Observer)(nil)

// NewObserver creates the bus metrics and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of data items published",
		}, []string{"data_type"}),

		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "consumed_total",
			Help:      "Total number of consume calls by outcome",
		}, []string{"consumer", "status"}),

		consumeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "consume_duration_seconds",
			Help:      "Consume call duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"consumer"}),

		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "drains_total",
			Help:      "Total number of completed drains by result",
		}, []string{"result"}),

		drainTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "drain_duration_seconds",
			Help:      "Drain duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		drainAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "drain_attempts",
			Help:      "Number of attempts a drain needed",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),

		disabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "disabled_total",
			Help:      "Total number of bus shutdowns",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.published, o.consumed, o.consumeTime, o.drains, o.drainTime, o.drainAttempts, o.disabled,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnEvent(e xtestbus.Event) {
	switch e.Type {
	case xtestbus.Published:
		o.published.WithLabelValues(e.DataType).Inc()
	case xtestbus.ConsumeDone:
		o.consumed.WithLabelValues(e.ConsumerUID, "ok").Inc()
		o.consumeTime.WithLabelValues(e.ConsumerUID).Observe(e.Duration.Seconds())
	case xtestbus.FaultCaptured:
		o.consumed.WithLabelValues(e.ConsumerUID, "fault").Inc()
		o.consumeTime.WithLabelValues(e.ConsumerUID).Observe(e.Duration.Seconds())
	case xtestbus.DrainDone:
		o.drains.WithLabelValues(drainResult(e.Err)).Inc()
		o.drainTime.Observe(e.Duration.Seconds())
		if e.Attempts > 0 {
			o.drainAttempts.Observe(float64(e.Attempts))
		}
	case xtestbus.Disabled:
		o.disabled.Inc()
	}
}

func drainResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, xtestbus.ErrDrainLivelock):
		return "livelock"
	default:
		return "fault"
	}
}
