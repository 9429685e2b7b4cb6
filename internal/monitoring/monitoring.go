// Package monitoring exposes delivery counters and queue gauges in the
// Prometheus text format.
package monitoring

import (
	"context"
	"errors"
	"net/http"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nuha.dev/gpsclient/internal/delivery"
	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/protocol"
	"nuha.dev/gpsclient/internal/store"
	"nuha.dev/gpsclient/internal/transport"
)

const namespace = "gpsclient"

// failure kinds
const (
	KindTransport = "transport"
	KindEncoding  = "encoding"
	KindStore     = "store"
	KindDropped   = "dropped"
	KindOther     = "other"
)

// Metrics is a delivery.Observer that counts what it sees.
type Metrics struct {
	reg      *prometheus.Registry
	log      log.Logger
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec
	statuses *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Delivery attempts by result",
	}, []string{"result"})
	m.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Delivery failures by kind",
	}, []string{"kind"})
	m.statuses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_messages_total",
		Help:      "Status messages pushed by the controller",
	}, []string{"message"})
	m.reg.MustRegister(m.outcomes, m.failures, m.statuses)
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// WatchQueue exports the number of records waiting in st.
func (m *Metrics) WatchQueue(st store.Store) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Records waiting in the local store",
	}, func() float64 {
		n, err := st.Len(context.Background())
		if err != nil {
			m.log.Error().Err(err).Msg("unable to read queue depth")
			return -1
		}
		return float64(n)
	}))
}

// WatchStatus exports the controller state as gauges read from fn.
func (m *Metrics) WatchStatus(fn func() delivery.Status) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 when the endpoint is considered reachable",
	}, func() float64 {
		return boolGauge(fn().Online)
	}))
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sending_alarm",
		Help:      "1 while an alarm is active",
	}, func() float64 {
		return boolGauge(fn().SendingAlarm)
	}))
	for _, s := range []delivery.State{delivery.Stopped, delivery.Idle, delivery.Sending, delivery.RetryScheduled} {
		s := s
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "1 for the current controller state",
			ConstLabels: prometheus.Labels{"state": s.String()},
		}, func() float64 {
			return boolGauge(fn().State == s)
		}))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) OnDeliveryOutcome(rec position.Record, success bool) {
	if success {
		m.outcomes.WithLabelValues("success").Inc()
	} else {
		m.outcomes.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) OnDeliveryFailed(rec position.Record, reason error) {
	m.failures.WithLabelValues(Kind(reason)).Inc()
}

func (m *Metrics) OnStatus(message string) {
	m.statuses.WithLabelValues(message).Inc()
}

// Kind classifies a failure reason for the failures counter.
func Kind(err error) string {
	var te *transport.Error
	var ee *protocol.EncodingError
	var se *store.Error
	switch {
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &ee):
		return KindEncoding
	case errors.As(err, &se):
		return KindStore
	case errors.Is(err, delivery.ErrStopped), errors.Is(err, delivery.ErrOffline):
		return KindDropped
	default:
		return KindOther
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
