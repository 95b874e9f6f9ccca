package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct {
	tracker Tracker
}

func NewHealthHandler(t Tracker) *HealthHandler {
	return &HealthHandler{tracker: t}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready        bool      `json:"ready"`
	Status       string    `json:"status"`
	VehicleCount int       `json:"vehicleCount"`
	ServerTime   time.Time `json:"serverTime"`
}

// Readyz reports ready once the tracker has applied a first update or a
// restored state.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.tracker.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:        ready,
		Status:       h.tracker.Status(),
		VehicleCount: len(h.tracker.Vehicles()),
		ServerTime:   time.Now(),
	})
}
