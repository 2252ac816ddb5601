package hub

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// fakeHub speaks just enough of the hub websocket protocol for the client:
// auth handshake, id-correlated commands, pushed state events, and the REST
// history endpoint.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	states   []State
	entities []RegistryEntry
	devices  []Device
	prefs    Preferences

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", h.serveWS)
	mux.HandleFunc("/api/history/period/", h.serveHistory)
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.write(conn, map[string]interface{}{"type": "auth_required"})
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != testToken {
		h.write(conn, map[string]interface{}{"type": "auth_invalid"})
		return
	}
	h.write(conn, map[string]interface{}{"type": "auth_ok"})

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	for {
		var cmd map[string]interface{}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		id := cmd["id"]
		switch cmd["type"] {
		case "subscribe_events":
			h.result(conn, id, nil)
		case "get_states":
			h.result(conn, id, h.states)
		case "config/entity_registry/list":
			h.result(conn, id, h.entities)
		case "config/device_registry/list":
			h.result(conn, id, h.devices)
		case "energy/get_prefs":
			h.result(conn, id, h.prefs)
		default:
			h.write(conn, map[string]interface{}{
				"id": id, "type": "result", "success": false,
				"error": map[string]string{"message": "unknown command"},
			})
		}
	}
}

func (h *fakeHub) write(conn *websocket.Conn, v interface{}) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (h *fakeHub) result(conn *websocket.Conn, id, payload interface{}) {
	h.write(conn, map[string]interface{}{
		"id": id, "type": "result", "success": true, "result": payload,
	})
}

// pushState delivers a state_changed event; a nil state removes the entity.
func (h *fakeHub) pushState(entityID string, st *State) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	require.NotNil(h.t, conn, "no websocket session")
	h.write(conn, map[string]interface{}{
		"type": "event",
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"data": map[string]interface{}{
				"entity_id": entityID,
				"new_state": st,
			},
		},
	})
}

func (h *fakeHub) serveHistory(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	assert.Equal(h.t, "sensor.total_yield", r.URL.Query().Get("filter_entity_id"))
	_, hasMinimal := r.URL.Query()["minimal_response"]
	assert.True(h.t, hasMinimal, "history request must ask for minimal responses")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`[[{"state":"100","last_changed":"2026-08-30T00:00:00Z"},{"state":"104.2","last_changed":"2026-08-30T11:55:00Z"}]]`))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func startClient(t *testing.T, h *fakeHub) (*Client, chan Snapshot) {
	t.Helper()
	client, err := NewClient(Config{URL: h.server.URL, Token: testToken}, testLogger())
	require.NoError(t, err)

	snaps := make(chan Snapshot, 16)
	client.OnSnapshot(func(s Snapshot) { snaps <- s })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()
	return client, snaps
}

func waitSnapshot(t *testing.T, snaps chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-snaps:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestClientSession(t *testing.T) {
	h := newFakeHub(t)
	h.states = []State{
		{EntityID: "sensor.solar_power", State: "420", Attributes: Attributes{UnitOfMeasurement: "W"}},
		{EntityID: "sensor.total_yield", State: "104.2", Attributes: Attributes{UnitOfMeasurement: "kWh"}},
	}
	_, snaps := startClient(t, h)

	t.Run("should seed a full snapshot after connecting", func(t *testing.T) {
		snap := waitSnapshot(t, snaps)
		require.Len(t, snap, 2)
		st, ok := snap.Get("sensor.solar_power")
		require.True(t, ok)
		assert.Equal(t, "420", st.State)
		assert.Equal(t, "W", st.Attributes.UnitOfMeasurement)
	})

	t.Run("should deliver a fresh snapshot on every state change", func(t *testing.T) {
		h.pushState("sensor.solar_power", &State{
			EntityID: "sensor.solar_power", State: "480",
			Attributes: Attributes{UnitOfMeasurement: "W"},
		})
		snap := waitSnapshot(t, snaps)
		st, _ := snap.Get("sensor.solar_power")
		assert.Equal(t, "480", st.State)
	})

	t.Run("should drop entities whose new state is null", func(t *testing.T) {
		h.pushState("sensor.solar_power", nil)
		snap := waitSnapshot(t, snaps)
		_, ok := snap.Get("sensor.solar_power")
		assert.False(t, ok)
		assert.Len(t, snap, 1)
	})
}

func TestClientCalls(t *testing.T) {
	h := newFakeHub(t)
	h.entities = []RegistryEntry{{EntityID: "sensor.ac_power", DeviceID: "dev-ac"}}
	h.devices = []Device{{ID: "dev-ac", Name: "Air Conditioner"}}
	h.prefs = Preferences{DeviceConsumption: []ConsumptionPreference{
		{StatConsumption: "sensor.ac_energy", Name: "AC"},
	}}
	client, snaps := startClient(t, h)
	waitSnapshot(t, snaps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("should list the entity registry", func(t *testing.T) {
		list, err := client.ListEntities(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "dev-ac", list[0].DeviceID)
	})

	t.Run("should list the device registry", func(t *testing.T) {
		list, err := client.ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Air Conditioner", list[0].Name)
	})

	t.Run("should fetch energy preferences", func(t *testing.T) {
		prefs, err := client.EnergyPreferences(ctx)
		require.NoError(t, err)
		require.Len(t, prefs.DeviceConsumption, 1)
		assert.Equal(t, "sensor.ac_energy", prefs.DeviceConsumption[0].StatConsumption)
	})

	t.Run("should surface hub-side command failures", func(t *testing.T) {
		_, err := client.CallWS(ctx, map[string]interface{}{"type": "recorder/bogus"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown command")
	})

	t.Run("should fetch history over REST with a bearer token", func(t *testing.T) {
		end := time.Now()
		points, err := client.HistoryPeriod(ctx, "sensor.total_yield", end.Add(-12*time.Hour), end)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, "100", points[0].State)
		assert.Equal(t, "104.2", points[1].State)
	})
}

func TestClientErrors(t *testing.T) {
	t.Run("should reject non-http hub urls", func(t *testing.T) {
		_, err := NewClient(Config{URL: "ftp://hub.local"}, testLogger())
		assert.Error(t, err)
	})

	t.Run("should fail calls while disconnected", func(t *testing.T) {
		client, err := NewClient(Config{URL: "http://127.0.0.1:1", Token: testToken}, testLogger())
		require.NoError(t, err)
		_, err = client.CallWS(context.Background(), map[string]interface{}{"type": "get_states"})
		assert.Error(t, err)
	})
}
