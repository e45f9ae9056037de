package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeStats struct{ conns, users, rooms int }

func (f fakeStats) Connections() int { return f.conns }
func (f fakeStats) Users() int       { return f.users }
func (f fakeStats) Rooms() int       { return f.rooms }

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.FrameIn()
		c.FrameOut()
		c.MalformedFrame()
		c.Handshake("ok")
		c.Publish("ok")
		c.Delivery("q", "ack")
		c.BrokerState("connected")
		c.BrokerReconnect()
		c.ObserveRequest("GET", "/health", 200, 0.01)
		c.RegisterStats(prometheus.NewRegistry(), fakeStats{})
	})
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Handshake("invalid_token")
	c.Handshake("invalid_token")
	c.Handshake("ok")
	c.Delivery("gateway", "requeue")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.handshakes.WithLabelValues("invalid_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("gateway", "requeue")))
}

func TestBrokerStateIsExclusive(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.BrokerState("connected")
	c.BrokerState("reconnecting")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.brokerState.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.brokerState.WithLabelValues("reconnecting")))
}

func TestRegisterStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.RegisterStats(reg, fakeStats{conns: 3, users: 2, rooms: 1})

	count, err := testutil.GatherAndCount(reg, "eventgate_gateway_connections", "eventgate_gateway_users", "eventgate_gateway_rooms")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}
