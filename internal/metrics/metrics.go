package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the chat counters. Each server registers its own set so
// tests can use a private registry.
type Metrics struct {
	MessagesSent   *prometheus.CounterVec
	Generations    *prometheus.CounterVec
	Uploads        *prometheus.CounterVec
	Notices        *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatverse",
			Name:      "messages_sent_total",
			Help:      "Messages accepted for sending, by conversation kind.",
		}, []string{"kind"}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatverse",
			Name:      "generation_requests_total",
			Help:      "Calls to the generation service, by outcome.",
		}, []string{"outcome"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatverse",
			Name:      "image_uploads_total",
			Help:      "Image uploads, by outcome.",
		}, []string{"outcome"}),
		Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatverse",
			Name:      "notices_total",
			Help:      "User-visible notices, by kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatverse",
			Name:      "active_sessions",
			Help:      "Open view sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.Generations, m.Uploads, m.Notices, m.ActiveSessions)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}
