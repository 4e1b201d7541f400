package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeadLetterMetrics tracks dead letter statistics.
type DeadLetterMetrics struct {
	mu sync.RWMutex

	// Per-topic counts
	topicCounts map[string]*DeadLetterTopicMetrics

	// Prometheus collectors
	messagesTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	retryCountHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterTopicMetrics holds dead letter metrics for one originating topic.
type DeadLetterTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DeadLetterSnapshot provides a point-in-time view of dead letter metrics.
type DeadLetterSnapshot struct {
	TotalMessages uint64                             `json:"total_messages"`
	TopicMetrics  map[string]*DeadLetterTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

// NewDeadLetterMetrics creates a new dead letter metrics collector.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DeadLetterMetrics{
		topicCounts:    make(map[string]*DeadLetterTopicMetrics),
		registerer:     registerer,
		messagesTotal:  newCounterVec("dead_letter", "messages_total", "Total number of records routed to the dead letter topic", []string{"topic", "reason"}),
		ageSecondsHist: newHistogramVec("dead_letter", "message_age_seconds", "Age of records when dead-lettered (time since ingestion)", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"topic"}),
		retryCountHist: newHistogramVec("dead_letter", "retry_count", "Number of attempts before a record was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DeadLetterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := register(m.registerer, m.messagesTotal, m.ageSecondsHist, m.retryCountHist); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// RecordDeadLettered records one record routed to the dead letter topic.
func (m *DeadLetterMetrics) RecordDeadLettered(topic, reason string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReceived++
	metrics.LastUpdatedAt = time.Now()
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = time.Now()
	}
	metrics.NewestMessageAt = time.Now()

	// Rolling average of attempts before dead-lettering
	total := metrics.MessagesReceived
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, reason).Inc()
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(attempts))
}

// GetSnapshot returns a point-in-time snapshot of all dead letter metrics.
func (m *DeadLetterMetrics) GetSnapshot() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DeadLetterSnapshot{
		TopicMetrics: make(map[string]*DeadLetterTopicMetrics),
		CollectedAt:  time.Now(),
	}

	for topic, metrics := range m.topicCounts {
		metricsCopy := *metrics
		snapshot.TopicMetrics[topic] = &metricsCopy
		snapshot.TotalMessages += metrics.MessagesReceived
	}

	return snapshot
}

func (m *DeadLetterMetrics) getOrCreateTopicMetrics(topic string) *DeadLetterTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &DeadLetterTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DeadLetterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DeadLetterTopicMetrics)
	m.messagesTotal.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}
