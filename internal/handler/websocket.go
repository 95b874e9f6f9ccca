package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleettrack/internal/domain"
	"fleettrack/internal/hub"
	"fleettrack/internal/viewport"
)

type WSHandler struct {
	hub     *hub.Hub
	tracker Tracker
	logger  *slog.Logger
}

func NewWSHandler(h *hub.Hub, t Tracker, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, tracker: t, logger: logger.With("component", "ws")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TilesPayload names tiles directly or as the area a map view covers
type TilesPayload struct {
	TileIDs []string            `json:"tileIds"`
	BBox    *domain.BoundingBox `json:"bbox,omitempty"`
}

// tiles resolves a payload to valid tile ids, at most viewport.MaxTiles
func (h *WSHandler) tiles(p TilesPayload) ([]string, error) {
	if len(p.TileIDs) > viewport.MaxTiles {
		return nil, viewport.ErrTooManyTiles
	}
	ids := make([]string, 0, len(p.TileIDs))
	for _, id := range p.TileIDs {
		if _, err := viewport.ParseTile(id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if p.BBox != nil {
		covered, err := viewport.TilesCovering(*p.BBox, h.hub.TileZoom(), viewport.MaxTiles-len(ids))
		if err != nil {
			return nil, err
		}
		ids = append(ids, covered...)
	}
	return ids, nil
}

type ZoomPayload struct {
	Zoom int `json:"zoom"`
}

type SelectPayload struct {
	VehicleID domain.VehicleID `json:"vehicleId"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), 256)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	h.hub.Register(client)
	h.sendState(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe", "unsubscribe":
			var payload TilesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				h.send(client, ErrorMessage{Type: "error", Message: "invalid tiles payload"})
				continue
			}
			ids, err := h.tiles(payload)
			if err != nil {
				h.send(client, ErrorMessage{Type: "error", Message: err.Error()})
				continue
			}
			if len(ids) == 0 {
				continue
			}
			if msg.Type == "subscribe" {
				h.hub.Subscribe(client, ids)
			} else {
				h.hub.Unsubscribe(client, ids)
			}
			h.sendState(client)

		case "follow":
			// restrict updates to the tiles around the map center
			vp := h.tracker.Viewport()
			h.hub.Subscribe(client, viewport.TileAt(vp.Center.Latitude, vp.Center.Longitude, h.hub.TileZoom()).Neighbours())
			h.sendState(client)

		case "zoom":
			var payload ZoomPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Zoom < 0 || payload.Zoom > maxZoom {
				h.send(client, ErrorMessage{Type: "error", Message: "invalid zoom payload"})
				continue
			}
			h.tracker.SetZoom(payload.Zoom)

		case "select":
			var payload SelectPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.VehicleID == "" {
				h.send(client, ErrorMessage{Type: "error", Message: "invalid select payload"})
				continue
			}
			// the tracker notifies the hub, which pushes the new state
			if err := h.tracker.SelectVehicle(payload.VehicleID); err != nil {
				h.send(client, ErrorMessage{Type: "error", Message: err.Error()})
			}

		case "ping":
			h.send(client, PongMessage{Type: "pong"})
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendState(client *hub.Client) {
	data, err := h.hub.Encode(client, h.tracker.Snapshot())
	if err != nil {
		h.logger.Error("failed to encode state", "client_id", client.ID, "error", err)
		return
	}
	h.enqueue(client, data)
}

func (h *WSHandler) send(client *hub.Client, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.enqueue(client, data)
}

func (h *WSHandler) enqueue(client *hub.Client, data []byte) {
	if !client.Enqueue(data) {
		h.logger.Debug("dropping message for client", "client_id", client.ID)
	}
}
