package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// runtimeMetrics groups the Prometheus collectors shared by every executor of
// a graph. Collectors live even when no registerer is supplied.
type runtimeMetrics struct {
	callbacks    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	published    *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	pendingCalls prometheus.Gauge
	lateness     prometheus.Histogram
}

func newRuntimeMetrics(registerer prometheus.Registerer) (*runtimeMetrics, error) {
	m := &runtimeMetrics{
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spinflow",
			Name:      "callbacks_total",
			Help:      "Total number of callbacks run, by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spinflow",
			Name:      "callback_failures_total",
			Help:      "Total number of callbacks that returned an error or panicked, by kind",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spinflow",
			Name:      "callback_duration_seconds",
			Help:      "Wall time spent inside callbacks",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spinflow",
			Name:      "messages_published_total",
			Help:      "Total number of messages published, by topic",
		}, []string{"topic"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spinflow",
			Name:      "executor_queue_depth",
			Help:      "Number of handed-off callbacks waiting on an executor",
		}, []string{"executor"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spinflow",
			Name:      "pending_calls",
			Help:      "Number of client calls waiting for a response",
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spinflow",
			Name:      "timer_lateness_seconds",
			Help:      "Delay between a timer deadline and the moment it fired",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	if registerer == nil {
		return m, nil
	}

	var err error
	if m.callbacks, err = registerCollector(registerer, m.callbacks); err != nil {
		return nil, err
	}
	if m.failures, err = registerCollector(registerer, m.failures); err != nil {
		return nil, err
	}
	if m.duration, err = registerCollector(registerer, m.duration); err != nil {
		return nil, err
	}
	if m.published, err = registerCollector(registerer, m.published); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(registerer, m.queueDepth); err != nil {
		return nil, err
	}
	if m.pendingCalls, err = registerCollector(registerer, m.pendingCalls); err != nil {
		return nil, err
	}
	if m.lateness, err = registerCollector(registerer, m.lateness); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, reusing the existing collector when a graph
// was already created against the same registerer.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *runtimeMetrics) observeCallback(kind string, d time.Duration, failed bool) {
	m.callbacks.WithLabelValues(kind).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
	if failed {
		m.failures.WithLabelValues(kind).Inc()
	}
}

func (m *runtimeMetrics) observePublish(topic string) {
	m.published.WithLabelValues(topic).Inc()
}

func (m *runtimeMetrics) setQueueDepth(executor string, depth int) {
	m.queueDepth.WithLabelValues(executor).Set(float64(depth))
}

func (m *runtimeMetrics) observeLateness(late time.Duration) {
	if late < 0 {
		late = 0
	}
	m.lateness.Observe(late.Seconds())
}
