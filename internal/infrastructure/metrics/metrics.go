package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventgate"

// Collector holds the gateway's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	requestCount     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	framesIn         prometheus.Counter
	framesOut        prometheus.Counter
	malformedFrames  prometheus.Counter
	floodDisconnects prometheus.Counter
	handshakes       *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	brokerReconnects prometheus.Counter
	brokerState      *prometheus.GaugeVec
}

// Stats exposes live gauges without tying this package to the registry.
type Stats interface {
	Connections() int
	Users() int
	Rooms() int
}

var brokerStates = []string{"disconnected", "connecting", "connected", "reconnecting", "closed"}

func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_in_total",
			Help:      "Frames read from clients.",
		}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_out_total",
			Help:      "Frames queued for clients.",
		}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames rejected as malformed.",
		}),
		floodDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flood_disconnects_total",
			Help:      "Connections closed for sending too many malformed frames.",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Handshakes by result.",
		}, []string{"result"}),
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Publish attempts by result.",
		}, []string{"result"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
		brokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a lost link.",
		}),
		brokerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "state",
			Help:      "1 for the current broker link state.",
		}, []string{"state"}),
	}
}

// RegisterStats exports live connection, user and room gauges.
func (c *Collector) RegisterStats(reg prometheus.Registerer, stats Stats) {
	if c == nil {
		return
	}

	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Live authenticated connections.",
	}, func() float64 { return float64(stats.Connections()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "users",
		Help:      "Distinct connected users.",
	}, func() float64 { return float64(stats.Users()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "rooms",
		Help:      "Non-empty rooms.",
	}, func() float64 { return float64(stats.Rooms()) })
}

func (c *Collector) ObserveRequest(method, path string, status int, seconds float64) {
	if c == nil {
		return
	}
	c.requestCount.WithLabelValues(method, path, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

func (c *Collector) FrameIn() {
	if c == nil {
		return
	}
	c.framesIn.Inc()
}

func (c *Collector) FrameOut() {
	if c == nil {
		return
	}
	c.framesOut.Inc()
}

func (c *Collector) MalformedFrame() {
	if c == nil {
		return
	}
	c.malformedFrames.Inc()
}

func (c *Collector) FloodDisconnect() {
	if c == nil {
		return
	}
	c.floodDisconnects.Inc()
}

func (c *Collector) Handshake(result string) {
	if c == nil {
		return
	}
	c.handshakes.WithLabelValues(result).Inc()
}

func (c *Collector) Publish(result string) {
	if c == nil {
		return
	}
	c.publishes.WithLabelValues(result).Inc()
}

func (c *Collector) Delivery(queue, outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(queue, outcome).Inc()
}

func (c *Collector) BrokerReconnect() {
	if c == nil {
		return
	}
	c.brokerReconnects.Inc()
}

func (c *Collector) BrokerState(state string) {
	if c == nil {
		return
	}
	for _, s := range brokerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.brokerState.WithLabelValues(s).Set(v)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
