package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/json"
	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/registry"
)

type StatsSource interface {
	Stats() registry.Stats
}

type BrokerState interface {
	State() messaging.State
}

type Handler struct {
	stats     StatsSource
	broker    BrokerState
	startTime time.Time
	healthy   atomic.Bool
	now       func() time.Time
}

func NewHandler(stats StatsSource, broker BrokerState) *Handler {
	h := &Handler{
		stats:     stats,
		broker:    broker,
		startTime: time.Now(),
		now:       time.Now,
	}
	h.healthy.Store(true)
	return h
}

// MarkUnhealthy makes readiness fail, used while draining.
func (h *Handler) MarkUnhealthy() {
	h.healthy.Store(false)
}

func (h *Handler) brokerState() messaging.State {
	if h.broker == nil {
		return messaging.StateDisconnected
	}
	return h.broker.State()
}

func (h *Handler) response(status string) healthResponse {
	resp := healthResponse{
		Status:    status,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Uptime:    h.now().Sub(h.startTime).Round(time.Second).String(),
		Broker:    h.brokerState().String(),
	}
	if h.stats != nil {
		s := h.stats.Stats()
		resp.Connections = s.Connections
		resp.Users = s.Users
		resp.Rooms = s.Rooms
	}
	return resp
}

// GetHealth reports status, uptime, live connection counts and broker
// state. It is unhealthy while draining or while the broker link is down.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.healthy.Load() || h.brokerState() != messaging.StateConnected {
		json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy"))
		return
	}

	json.Write(w, http.StatusOK, h.response("ok"))
}

// GetLive only says the process is serving HTTP.
func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	json.Write(w, http.StatusOK, liveResponse{
		Status: "ok",
		Uptime: h.now().Sub(h.startTime).Round(time.Second).String(),
	})
}
