package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"fleettrack/internal/domain"
)

// Stats tracks server-wide metrics
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesIn     atomic.Int64
	wsMessagesOut    atomic.Int64
	stateSaves       atomic.Int64
	stateSaveErrors  atomic.Int64
	stateRestored    atomic.Bool
	rateLimitBlocked atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()     { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncStateSaves()       { s.stateSaves.Add(1) }
func (s *Stats) IncStateSaveErrors()  { s.stateSaveErrors.Add(1) }
func (s *Stats) MarkStateRestored()   { s.stateRestored.Store(true) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

type StatsHandler struct {
	tracker Tracker
}

func NewStatsHandler(t Tracker) *StatsHandler {
	return &StatsHandler{tracker: t}
}

type StatsResponse struct {
	Server      ServerStatsResponse      `json:"server"`
	Vehicles    VehicleStatsResponse     `json:"vehicles"`
	WebSocket   WebSocketStatsResponse   `json:"websocket"`
	Persistence PersistenceStatsResponse `json:"persistence"`
	Go          GoStatsResponse          `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
	Version       string    `json:"version"`
}

type VehicleStatsResponse struct {
	Total       int                          `json:"total"`
	Positioned  int                          `json:"positioned"`
	Electric    int                          `json:"electric"`
	ByStatus    map[domain.VehicleStatus]int `json:"by_status"`
	TrackStatus string                       `json:"track_status"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type PersistenceStatsResponse struct {
	Saves    int64 `json:"saves"`
	Errors   int64 `json:"errors"`
	Restored bool  `json:"restored"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)

	vehicles := VehicleStatsResponse{
		ByStatus:    make(map[domain.VehicleStatus]int),
		TrackStatus: h.tracker.Status(),
	}
	for _, v := range h.tracker.Vehicles() {
		vehicles.Total++
		if v.HasPosition() {
			vehicles.Positioned++
		}
		if v.IsElectric {
			vehicles.Electric++
		}
		vehicles.ByStatus[v.Status]++
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			RateLimited:   ServerStats.rateLimitBlocked.Load(),
			Version:       "1.0.0",
		},
		Vehicles: vehicles,
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Persistence: PersistenceStatsResponse{
			Saves:    ServerStats.stateSaves.Load(),
			Errors:   ServerStats.stateSaveErrors.Load(),
			Restored: ServerStats.stateRestored.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
