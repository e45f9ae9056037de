package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hilthontt/eventgate/internal/infrastructure/messaging"
	"github.com/hilthontt/eventgate/internal/infrastructure/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats registry.Stats

func (s fixedStats) Stats() registry.Stats { return registry.Stats(s) }

type fixedBroker messaging.State

func (b fixedBroker) State() messaging.State { return messaging.State(b) }

func get(t *testing.T, h http.HandlerFunc) (int, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name     string
		broker   BrokerState
		drain    bool
		wantCode int
		wantStat string
	}{
		{name: "connected", broker: fixedBroker(messaging.StateConnected), wantCode: http.StatusOK, wantStat: "ok"},
		{name: "reconnecting", broker: fixedBroker(messaging.StateReconnecting), wantCode: http.StatusServiceUnavailable, wantStat: "unhealthy"},
		{name: "no broker", wantCode: http.StatusServiceUnavailable, wantStat: "unhealthy"},
		{name: "draining", broker: fixedBroker(messaging.StateConnected), drain: true, wantCode: http.StatusServiceUnavailable, wantStat: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(fixedStats{Connections: 3, Users: 2, Rooms: 1}, tt.broker)
			if tt.drain {
				h.MarkUnhealthy()
			}

			code, body := get(t, h.GetHealth)

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStat, body["status"])
			assert.EqualValues(t, 3, body["connections"])
			assert.EqualValues(t, 2, body["users"])
			assert.EqualValues(t, 1, body["rooms"])
			assert.NotEmpty(t, body["uptime"])
		})
	}
}

func TestGetLiveIgnoresBroker(t *testing.T) {
	h := NewHandler(nil, fixedBroker(messaging.StateDisconnected))
	h.MarkUnhealthy()

	code, body := get(t, h.GetLive)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
