package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracker"
	"fleettrack/internal/trail"
	"fleettrack/internal/viewport"
)

type Client struct {
	ID    string
	Send  chan []byte
	tiles map[string]struct{}
	mu    sync.RWMutex

	sendMu sync.Mutex
	closed bool
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

// Enqueue queues data without blocking. It reports false when the buffer is
// full or the client was closed.
func (c *Client) Enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Close closes Send once; later Enqueue calls are dropped
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) AddTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		c.tiles[id] = struct{}{}
	}
}

func (c *Client) RemoveTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

// Filtered reports whether the client restricted itself to a set of tiles
func (c *Client) Filtered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tiles) > 0
}

// Hub fans tracker state out to dashboard clients. Clients that subscribed
// to tiles only receive vehicles positioned inside those tiles; the
// selection, trail and viewport are always sent.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan tracker.State
	done       chan struct{}

	tileZoom int
	logger   *slog.Logger
}

func NewHub(tileZoom int, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan tracker.State, 64),
		done:       make(chan struct{}),
		tileZoom:   tileZoom,
		logger:     logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", h.ClientCount())

		case client := <-h.unregister:
			h.removeClient(client)

		case state := <-h.broadcast:
			h.fanout(state)
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	client.AddTiles(tileIDs)
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	client.RemoveTiles(tileIDs)
}

// Broadcast queues a state for fan-out. It never blocks, so it is safe to
// use as a tracker listener.
func (h *Hub) Broadcast(state tracker.State) {
	select {
	case h.broadcast <- state:
	default:
		h.logger.Warn("broadcast channel full, dropping state", "vehicles", len(state.Vehicles))
	}
}

// Register adds a client. After the hub stopped the client is closed
// instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

// TileZoom is the zoom level tile subscriptions are expressed at
func (h *Hub) TileZoom() int {
	return h.tileZoom
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type StateMessage struct {
	Type    string       `json:"type"`
	Payload StatePayload `json:"payload"`
}

type StatePayload struct {
	Vehicles   []domain.TrackedVehicle `json:"vehicles"`
	Selected   *domain.TrackedVehicle  `json:"selected,omitempty"`
	Trail      []trail.Point           `json:"trail"`
	Viewport   viewport.State          `json:"viewport"`
	Status     string                  `json:"status"`
	UpdatedAt  time.Time               `json:"updatedAt"`
	ServerTime time.Time               `json:"serverTime"`
}

// Encode renders the state message a given client should receive
func (h *Hub) Encode(client *Client, state tracker.State) ([]byte, error) {
	vehicles := state.Vehicles
	if client.Filtered() {
		vehicles = h.filter(client, state.Vehicles)
	}
	return json.Marshal(StateMessage{
		Type: "state",
		Payload: StatePayload{
			Vehicles:   vehicles,
			Selected:   state.Selected,
			Trail:      state.Trail,
			Viewport:   state.Viewport,
			Status:     state.Status,
			UpdatedAt:  state.UpdatedAt,
			ServerTime: time.Now(),
		},
	})
}

func (h *Hub) filter(client *Client, vehicles []domain.TrackedVehicle) []domain.TrackedVehicle {
	out := make([]domain.TrackedVehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if v.Position == nil {
			continue
		}
		if client.HasTile(viewport.TileID(v.Position.Latitude, v.Position.Longitude, h.tileZoom)) {
			out = append(out, v)
		}
	}
	return out
}

func (h *Hub) fanout(state tracker.State) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var unfiltered []byte
	for client := range h.clients {
		var data []byte
		var err error
		if client.Filtered() {
			data, err = h.Encode(client, state)
		} else {
			if unfiltered == nil {
				unfiltered, err = h.Encode(client, state)
			}
			data = unfiltered
		}
		if err != nil {
			h.logger.Error("failed to encode state", "error", err)
			continue
		}

		if !client.Enqueue(data) {
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	client.Close()
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.Close()
	}
	h.clients = make(map[*Client]struct{})
}
