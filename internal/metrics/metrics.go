// Package metrics holds the agent's Prometheus collectors.
//
// Collectors live on their own registry so tests and multiple agents in one
// process never collide on registration. Every method is safe on a nil
// *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reg *prometheus.Registry

	ClassifiedTotal    *prometheus.CounterVec
	DispatchTotal      *prometheus.CounterVec
	ScheduleFiresTotal *prometheus.CounterVec
	ScheduleTriggers   prometheus.Gauge
	FireDuration       prometheus.Histogram
	NotifyTotal        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ClassifiedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commagent_classified_total",
			Help: "Inbound messages routed, by resolved category.",
		}, []string{"category"}),
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commagent_dispatch_total",
			Help: "Outbound dispatch attempts by channel and result (sent, failed, suppressed).",
		}, []string{"channel", "result"}),
		ScheduleFiresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commagent_schedule_fires_total",
			Help: "Scheduled template fires by result (ok, skipped, error, leased).",
		}, []string{"result"}),
		ScheduleTriggers: f.NewGauge(prometheus.GaugeOpts{
			Name: "commagent_schedule_triggers",
			Help: "Live scheduled triggers across all tenants.",
		}),
		FireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "commagent_fire_duration_seconds",
			Help:    "Duration of one scheduled fire, recipient resolution through last send.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		NotifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commagent_notify_total",
			Help: "Assignment notifications by result (sent, failed, dropped).",
		}, []string{"result"}),
	}
}

// Registry exposes the registry for the HTTP handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Classified(category string) {
	if m == nil {
		return
	}
	m.ClassifiedTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) Dispatch(channel, result string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Fire(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ScheduleFiresTotal.WithLabelValues(result).Inc()
	if took > 0 {
		m.FireDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Triggers(n int) {
	if m == nil {
		return
	}
	m.ScheduleTriggers.Set(float64(n))
}

func (m *Metrics) Notify(result string) {
	if m == nil {
		return
	}
	m.NotifyTotal.WithLabelValues(result).Inc()
}
