// Package metrics holds the Prometheus collectors for the hub pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// newCounterVec creates a counter vec under the standard lineagehub namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lineagehub",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newHistogramVec creates a histogram vec under the standard lineagehub namespace.
func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lineagehub",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func register(registerer prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			// Already registered is not an error
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// PublisherMetrics counts publish outcomes by topic.
type PublisherMetrics struct {
	publishedTotal *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewPublisherMetrics creates the publisher collectors.
func NewPublisherMetrics(registerer prometheus.Registerer) *PublisherMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PublisherMetrics{
		registerer:     registerer,
		publishedTotal: newCounterVec("publisher", "published_total", "Total number of envelopes published to the log", []string{"topic"}),
		retriesTotal:   newCounterVec("publisher", "retries_total", "Total number of publish retry attempts", []string{"topic"}),
		failedTotal:    newCounterVec("publisher", "failed_total", "Total number of envelopes that could not be published", []string{"topic", "permanent"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PublisherMetrics) Register() error {
	return register(m.registerer, m.publishedTotal, m.retriesTotal, m.failedTotal)
}

func (m *PublisherMetrics) RecordPublished(topic string) {
	m.publishedTotal.WithLabelValues(topic).Inc()
}

func (m *PublisherMetrics) RecordRetry(topic string) {
	m.retriesTotal.WithLabelValues(topic).Inc()
}

func (m *PublisherMetrics) RecordFailure(topic string, permanent bool) {
	label := "false"
	if permanent {
		label = "true"
	}
	m.failedTotal.WithLabelValues(topic, label).Inc()
}

// ConsumerMetrics counts consumption outcomes by topic.
type ConsumerMetrics struct {
	forwardedTotal  *prometheus.CounterVec
	flushesTotal    *prometheus.CounterVec
	batchSizeHist   *prometheus.HistogramVec
	flushSecondsVec *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// NewConsumerMetrics creates the consumer collectors.
func NewConsumerMetrics(registerer prometheus.Registerer) *ConsumerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &ConsumerMetrics{
		registerer:      registerer,
		forwardedTotal:  newCounterVec("consumer", "forwarded_total", "Total number of records forwarded downstream", []string{"topic", "outcome"}),
		flushesTotal:    newCounterVec("consumer", "flushes_total", "Total number of batch flushes by trigger", []string{"topic", "trigger"}),
		batchSizeHist:   newHistogramVec("consumer", "batch_size", "Number of records per flushed batch", []float64{1, 5, 10, 25, 50, 100, 250}, []string{"topic"}),
		flushSecondsVec: newHistogramVec("consumer", "flush_seconds", "Duration of bulk writes", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *ConsumerMetrics) Register() error {
	return register(m.registerer, m.forwardedTotal, m.flushesTotal, m.batchSizeHist, m.flushSecondsVec)
}

func (m *ConsumerMetrics) RecordForwarded(topic, outcome string) {
	m.forwardedTotal.WithLabelValues(topic, outcome).Inc()
}

func (m *ConsumerMetrics) RecordFlush(topic, trigger string, size int, seconds float64) {
	m.flushesTotal.WithLabelValues(topic, trigger).Inc()
	m.batchSizeHist.WithLabelValues(topic).Observe(float64(size))
	m.flushSecondsVec.WithLabelValues(topic).Observe(seconds)
}

// GatewayMetrics counts ingestion outcomes by namespace and kind.
type GatewayMetrics struct {
	acceptedTotal *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewGatewayMetrics creates the gateway collectors.
func NewGatewayMetrics(registerer prometheus.Registerer) *GatewayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &GatewayMetrics{
		registerer:    registerer,
		acceptedTotal: newCounterVec("gateway", "events_accepted_total", "Total number of events accepted at the gateway", []string{"namespace", "kind"}),
		rejectedTotal: newCounterVec("gateway", "events_rejected_total", "Total number of events rejected at the gateway", []string{"namespace", "kind", "reason"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *GatewayMetrics) Register() error {
	return register(m.registerer, m.acceptedTotal, m.rejectedTotal)
}

func (m *GatewayMetrics) RecordAccepted(namespace, kind string) {
	m.acceptedTotal.WithLabelValues(namespace, kind).Inc()
}

func (m *GatewayMetrics) RecordRejected(namespace, kind, reason string) {
	m.rejectedTotal.WithLabelValues(namespace, kind, reason).Inc()
}
