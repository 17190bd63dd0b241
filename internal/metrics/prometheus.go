package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric.
const Namespace = "cheappipe"

// Prometheus exports server activity as Prometheus collectors labelled with the pipe name.
type Prometheus struct {
	messages       prometheus.Counter
	bytes          prometheus.Counter
	acceptFailures prometheus.Counter
	readFailures   prometheus.Counter
	owner          prometheus.Gauge
	pending        prometheus.Gauge
	active         prometheus.Gauge
}

// NewPrometheus registers the collectors for pipe on reg.
func NewPrometheus(reg prometheus.Registerer, pipe string) *Prometheus {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pipe": pipe}

	return &Prometheus{
		messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "messages_received_total",
			Help:        "Total number of messages delivered to subscribers",
			ConstLabels: labels,
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "received_bytes_total",
			Help:        "Total payload bytes delivered to subscribers",
			ConstLabels: labels,
		}),
		acceptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "accept_failures_total",
			Help:        "Failures opening the endpoint or accepting a connection",
			ConstLabels: labels,
		}),
		readFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "read_failures_total",
			Help:        "Connections discarded because reading them failed",
			ConstLabels: labels,
		}),
		owner: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "owner",
			Help:        "1 while this instance owns the pipe name",
			ConstLabels: labels,
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "pending_operations",
			Help:        "Outstanding accept or polling operations",
			ConstLabels: labels,
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "active_streams",
			Help:        "Stream resources currently held by the accept pool",
			ConstLabels: labels,
		}),
	}
}

func (p *Prometheus) MessageReceived(size int) {
	p.messages.Inc()
	p.bytes.Add(float64(size))
}

func (p *Prometheus) AcceptFailed() {
	p.acceptFailures.Inc()
}

func (p *Prometheus) ReadFailed() {
	p.readFailures.Inc()
}

func (p *Prometheus) OwnershipChanged(owner bool) {
	if owner {
		p.owner.Set(1)
	} else {
		p.owner.Set(0)
	}
}

func (p *Prometheus) PendingOperations(n int) {
	p.pending.Set(float64(n))
}

func (p *Prometheus) ActiveStreams(n int) {
	p.active.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
