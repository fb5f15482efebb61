// Package metrics exposes decoder counters to Prometheus.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"asterix_decoder/internal/asterix"
)

const namespace = "asterix"

// Metrics groups the decoder collectors.
type Metrics struct {
	Messages      *prometheus.CounterVec
	Records       *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Bytes         prometheus.Counter
	RecordsPerMsg prometheus.Histogram
	SinkErrors    *prometheus.CounterVec
	ActiveSources prometheus.Gauge

	collectors []prometheus.Collector
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages decoded, by category.",
		}, []string{"category"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records decoded, by category.",
		}, []string{"category"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Messages that failed to decode, by error kind.",
		}, []string{"kind"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Raw bytes received.",
		}),
		RecordsPerMsg: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "records_per_message",
			Help:      "Number of records decoded from one message.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed writes, by sink.",
		}, []string{"sink"}),
		ActiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_sources",
			Help:      "Distinct data sources seen.",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.Messages, m.Records, m.Errors, m.Bytes, m.RecordsPerMsg, m.SinkErrors, m.ActiveSources,
	}

	if reg != nil {
		for _, c := range m.collectors {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	return m, nil
}

// Observe records the outcome of one decode.
func (m *Metrics) Observe(size int, msg *asterix.Message, err error) {
	m.Bytes.Add(float64(size))
	if err != nil {
		m.Errors.WithLabelValues(asterix.ErrorKind(err)).Inc()
	}
	if msg == nil {
		return
	}
	cat := strconv.Itoa(msg.Category)
	m.Messages.WithLabelValues(cat).Inc()
	m.Records.WithLabelValues(cat).Add(float64(len(msg.Records)))
	m.RecordsPerMsg.Observe(float64(len(msg.Records)))
}

// Push sends the collectors to a Prometheus Pushgateway under job.
func (m *Metrics) Push(url, job string) error {
	p := push.New(url, job)
	for _, c := range m.collectors {
		p = p.Collector(c)
	}
	if err := p.Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
