package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracker"
	"fleettrack/internal/trail"
	"fleettrack/internal/viewport"
	"fleettrack/pkg/fleetapi"
)

// Tracker is the read and selection surface the HTTP handlers need
type Tracker interface {
	Vehicles() []domain.TrackedVehicle
	Vehicle(id domain.VehicleID) (domain.TrackedVehicle, bool)
	Selected() (domain.TrackedVehicle, bool)
	SelectVehicle(id domain.VehicleID) error
	Trail() []trail.Point
	TrailFor(id domain.VehicleID) []trail.Point
	Viewport() viewport.State
	Status() string
	Ready() bool
	Snapshot() tracker.State
	SetZoom(zoom int)
	TilesAround() []string
}

// maxZoom is the deepest zoom level slippy-map tile servers publish
const maxZoom = 22

// VehicleLookup resolves vehicles the tracker has not seen yet
type VehicleLookup interface {
	GetVehicle(ctx context.Context, id domain.VehicleID) (*domain.TrackedVehicle, error)
}

type HTTPHandler struct {
	tracker  Tracker
	fallback VehicleLookup
}

type Option func(*HTTPHandler)

// WithVehicleLookup makes GetVehicle ask the fleet API for unknown ids
func WithVehicleLookup(l VehicleLookup) Option {
	return func(h *HTTPHandler) { h.fallback = l }
}

func NewHTTPHandler(t Tracker, opts ...Option) *HTTPHandler {
	h := &HTTPHandler{tracker: t}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type VehiclesResponse struct {
	Vehicles   []domain.TrackedVehicle `json:"vehicles"`
	Count      int                     `json:"count"`
	ServerTime time.Time               `json:"serverTime"`
}

// ListVehicles returns the tracked collection. Vehicles without a position
// are only dropped when a bbox filter is applied.
func (h *HTTPHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	var status domain.VehicleStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.VehicleStatus(strings.ToUpper(s))
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status parameter")
			return
		}
	}

	var bbox *domain.BoundingBox
	if bboxStr := r.URL.Query().Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLon,maxLat,maxLon")
			return
		}
		var err error
		bbox, err = parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
	}

	all := h.tracker.Vehicles()
	vehicles := make([]domain.TrackedVehicle, 0, len(all))
	for _, v := range all {
		if status != "" && v.Status != status {
			continue
		}
		if bbox != nil && (v.Position == nil || !bbox.Contains(v.Position.Latitude, v.Position.Longitude)) {
			continue
		}
		vehicles = append(vehicles, v)
	}

	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing vehicle id")
		return
	}

	vehicle, ok := h.tracker.Vehicle(domain.VehicleID(id))
	if ok {
		respondJSON(w, http.StatusOK, vehicle)
		return
	}
	if h.fallback == nil {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	fetched, err := h.fallback.GetVehicle(r.Context(), domain.VehicleID(id))
	switch {
	case errors.Is(err, fleetapi.ErrNotFound):
		respondError(w, http.StatusNotFound, "vehicle not found")
	case err != nil:
		respondError(w, http.StatusBadGateway, "fleet api: "+err.Error())
	default:
		respondJSON(w, http.StatusOK, fetched)
	}
}

type SelectionResponse struct {
	Selected *domain.TrackedVehicle `json:"selected"`
	Viewport viewport.State         `json:"viewport"`
}

type selectionRequest struct {
	VehicleID domain.VehicleID `json:"vehicleId"`
}

func (h *HTTPHandler) GetSelection(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.selection())
}

func (h *HTTPHandler) PostSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VehicleID == "" {
		respondError(w, http.StatusBadRequest, "missing vehicleId")
		return
	}

	if err := h.tracker.SelectVehicle(req.VehicleID); err != nil {
		if errors.Is(err, tracker.ErrUnknownVehicle) {
			respondError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, h.selection())
}

func (h *HTTPHandler) selection() SelectionResponse {
	resp := SelectionResponse{Viewport: h.tracker.Viewport()}
	if v, ok := h.tracker.Selected(); ok {
		resp.Selected = &v
	}
	return resp
}

type TrailResponse struct {
	VehicleID domain.VehicleID `json:"vehicleId,omitempty"`
	Points    []trail.Point    `json:"points"`
	Count     int              `json:"count"`
}

func (h *HTTPHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	var id domain.VehicleID
	if v, ok := h.tracker.Selected(); ok {
		id = v.ID
	}
	points := h.tracker.Trail()
	respondJSON(w, http.StatusOK, TrailResponse{VehicleID: id, Points: points, Count: len(points)})
}

func (h *HTTPHandler) GetTrailFor(w http.ResponseWriter, r *http.Request) {
	id := domain.VehicleID(r.PathValue("id"))
	if _, ok := h.tracker.Vehicle(id); !ok {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	points := h.tracker.TrailFor(id)
	respondJSON(w, http.StatusOK, TrailResponse{VehicleID: id, Points: points, Count: len(points)})
}

type ViewportResponse struct {
	viewport.State
	Tiles []string `json:"tiles"`
}

func (h *HTTPHandler) GetViewport(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.viewport())
}

type zoomRequest struct {
	Zoom *int `json:"zoom"`
}

// PostViewport changes the zoom level; the center stays under tracker control
func (h *HTTPHandler) PostViewport(w http.ResponseWriter, r *http.Request) {
	var req zoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Zoom == nil || *req.Zoom < 0 || *req.Zoom > maxZoom {
		respondError(w, http.StatusBadRequest, "zoom must be between 0 and 22")
		return
	}
	h.tracker.SetZoom(*req.Zoom)
	respondJSON(w, http.StatusOK, h.viewport())
}

func (h *HTTPHandler) viewport() ViewportResponse {
	return ViewportResponse{State: h.tracker.Viewport(), Tiles: h.tracker.TilesAround()}
}

type StatusResponse struct {
	Status     string    `json:"status"`
	Ready      bool      `json:"ready"`
	ServerTime time.Time `json:"serverTime"`
}

func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:     h.tracker.Status(),
		Ready:      h.tracker.Ready(),
		ServerTime: time.Now(),
	})
}

func parseBBox(parts []string) (*domain.BoundingBox, error) {
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = f
	}
	return &domain.BoundingBox{
		MinLat: vals[0], MinLon: vals[1],
		MaxLat: vals[2], MaxLon: vals[3],
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
