package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"taybat_back_end/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
	Events      *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Sweeps      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New enregistre les collecteurs sur reg ; nil = registre par défaut.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taybat",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taybat",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taybat",
			Name:      "order_events_total",
			Help:      "Order lifecycle events emitted, by type.",
		}, []string{"type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taybat",
			Name:      "order_transitions_total",
			Help:      "Order status transitions, by target status.",
		}, []string{"to"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taybat",
			Subsystem: "dispatch",
			Name:      "sweep_total",
			Help:      "Suggestions expired and offered by the dispatch sweeper.",
		}, []string{"result"}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, m.gatherer = reg, reg
	}
	registerer.MustRegister(m.Requests, m.LatencyMS, m.Events, m.Transitions, m.Sweeps)
	return m
}

// Middleware mesure chaque requête gin, étiquetée par route (pas par URL).
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Sweep ajoute le résultat d'un passage du balayeur.
func (m *Metrics) Sweep(expired, offered, exhausted int) {
	m.Sweeps.WithLabelValues("expired").Add(float64(expired))
	m.Sweeps.WithLabelValues("offered").Add(float64(offered))
	m.Sweeps.WithLabelValues("exhausted").Add(float64(exhausted))
}

// Sink compte les événements du bus.
type Sink struct {
	m *Metrics
}

func (m *Metrics) Sink() *Sink { return &Sink{m: m} }

func (s *Sink) Name() string { return "metrics" }

func (s *Sink) Send(_ context.Context, e events.Event) error {
	s.m.Events.WithLabelValues(string(e.Type)).Inc()
	if e.Type == events.OrderStatusChanged {
		if to, ok := e.Payload["to"].(string); ok {
			s.m.Transitions.WithLabelValues(to).Inc()
		}
	}
	return nil
}
