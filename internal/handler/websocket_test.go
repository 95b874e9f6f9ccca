package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
	"fleettrack/internal/hub"
)

type wsEnvelope struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) (wsEnvelope, hub.StatePayload) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env wsEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	var state hub.StatePayload
	if env.Type == "state" {
		require.NoError(t, json.Unmarshal(env.Payload, &state))
	}
	return env, state
}

func TestWebSocketSession(t *testing.T) {
	tr := seededTracker()
	h := hub.NewHub(14, discardLogger())
	tr.Subscribe(h.Broadcast)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go h.Run(ctx)

	ws := NewWSHandler(h, tr, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", ws.ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	env, state := readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)
	assert.Len(t, state.Vehicles, 3)
	require.NotNil(t, state.Selected)
	assert.Equal(t, domain.VehicleID("1"), state.Selected.ID)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	env, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, "pong", env.Type)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"select","payload":{"vehicleId":"2"}}`)))
	env, state = readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)
	assert.Equal(t, domain.VehicleID("2"), state.Selected.ID)
	assert.Equal(t, domain.VehicleID("2"), state.Viewport.SelectedID)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"select","payload":{"vehicleId":"missing"}}`)))
	env, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Message, "unknown vehicle")

	bbox := `{"type":"subscribe","payload":{"bbox":{"minLat":52,"maxLat":52.5,"minLon":20.5,"maxLon":21.5}}}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(bbox)))
	env, state = readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)
	require.Len(t, state.Vehicles, 1)
	assert.Equal(t, domain.VehicleID("1"), state.Vehicles[0].ID)
}

func dialTestWS(t *testing.T, ctx context.Context, h *hub.Hub, tr Tracker) *websocket.Conn {
	t.Helper()
	ws := NewWSHandler(h, tr, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", ws.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWebSocketRejectsOversizedArea(t *testing.T) {
	tr := seededTracker()
	h := hub.NewHub(14, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go h.Run(ctx)

	conn := dialTestWS(t, ctx, h, tr)
	env, _ := readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)

	world := `{"type":"subscribe","payload":{"bbox":{"minLat":-90,"maxLat":90,"minLon":-180,"maxLon":180}}}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(world)))
	env, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Message, "too many tiles")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","payload":{"tileIds":["garbage"]}}`)))
	env, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, "error", env.Type)
}

func TestWebSocketZoomAndFollow(t *testing.T) {
	tr := seededTracker()
	h := hub.NewHub(14, discardLogger())
	tr.Subscribe(h.Broadcast)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go h.Run(ctx)

	conn := dialTestWS(t, ctx, h, tr)
	readEnvelope(t, ctx, conn)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"zoom","payload":{"zoom":14}}`)))
	env, state := readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)
	assert.Equal(t, 14, state.Viewport.Zoom)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"follow"}`)))
	env, state = readEnvelope(t, ctx, conn)
	require.Equal(t, "state", env.Type)
	require.Len(t, state.Vehicles, 1)
	assert.Equal(t, domain.VehicleID("1"), state.Vehicles[0].ID)
}

func TestSendAfterClientClosed(t *testing.T) {
	ws := NewWSHandler(hub.NewHub(14, discardLogger()), seededTracker(), discardLogger())
	client := hub.NewClient("gone", 4)
	client.Close()

	assert.NotPanics(t, func() {
		ws.send(client, PongMessage{Type: "pong"})
		ws.sendState(client)
	})
}
