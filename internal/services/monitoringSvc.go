package services

import (
	"sync"
	"time"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MonitoringSvc records secure channel metrics. A nil *MonitoringSvc is valid
// and records nothing.
type MonitoringSvc struct {
	ChunksSent             *prometheus.CounterVec
	ChunksReceived         *prometheus.CounterVec
	ChannelAborts          prometheus.Counter
	OpenChannels           prometheus.Gauge
	TokenRenewals          prometheus.Counter
	InvalidSequenceNumbers prometheus.Counter
	Backoffs               prometheus.Counter
	TransactionDuration    prometheus.Histogram
}

var (
	defaultMonitoring     *MonitoringSvc
	defaultMonitoringOnce sync.Once
)

// DefaultMonitoringSvc returns the metrics registered on the default Prometheus registry.
func DefaultMonitoringSvc() *MonitoringSvc {
	defaultMonitoringOnce.Do(func() {
		defaultMonitoring = NewMonitoringSvc(prometheus.DefaultRegisterer)
	})
	return defaultMonitoring
}

// NewMonitoringSvc creates the metrics and registers them on reg.
func NewMonitoringSvc(reg prometheus.Registerer) *MonitoringSvc {
	factory := promauto.With(reg)
	return &MonitoringSvc{
		ChunksSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uasc_chunks_sent_total",
				Help: "Total number of chunks written, by message type.",
			},
			[]string{"type"},
		),
		ChunksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uasc_chunks_received_total",
				Help: "Total number of chunks read, by message type.",
			},
			[]string{"type"},
		),
		ChannelAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "uasc_channel_aborts_total",
			Help: "Total number of aborted server channels.",
		}),
		OpenChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uasc_open_channels",
			Help: "Number of secure channels currently open.",
		}),
		TokenRenewals: factory.NewCounter(prometheus.CounterOpts{
			Name: "uasc_token_renewals_total",
			Help: "Total number of security token renewals.",
		}),
		InvalidSequenceNumbers: factory.NewCounter(prometheus.CounterOpts{
			Name: "uasc_invalid_sequence_numbers_total",
			Help: "Total number of chunks received out of sequence.",
		}),
		Backoffs: factory.NewCounter(prometheus.CounterOpts{
			Name: "uasc_backoff_total",
			Help: "Total number of connection retries.",
		}),
		TransactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "uasc_transaction_duration_seconds",
			Help:    "Duration of client message transactions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *MonitoringSvc) chunkSent(t chunk.MessageType) {
	if m != nil {
		m.ChunksSent.WithLabelValues(string(t)).Inc()
	}
}

func (m *MonitoringSvc) chunkReceived(t chunk.MessageType) {
	if m != nil {
		m.ChunksReceived.WithLabelValues(string(t)).Inc()
	}
}

func (m *MonitoringSvc) channelOpened() {
	if m != nil {
		m.OpenChannels.Inc()
	}
}

func (m *MonitoringSvc) channelClosed() {
	if m != nil {
		m.OpenChannels.Dec()
	}
}

func (m *MonitoringSvc) channelAborted() {
	if m != nil {
		m.ChannelAborts.Inc()
	}
}

func (m *MonitoringSvc) tokenRenewed() {
	if m != nil {
		m.TokenRenewals.Inc()
	}
}

func (m *MonitoringSvc) invalidSequenceNumber() {
	if m != nil {
		m.InvalidSequenceNumbers.Inc()
	}
}

func (m *MonitoringSvc) backoff() {
	if m != nil {
		m.Backoffs.Inc()
	}
}

func (m *MonitoringSvc) transaction(d time.Duration) {
	if m != nil {
		m.TransactionDuration.Observe(d.Seconds())
	}
}
