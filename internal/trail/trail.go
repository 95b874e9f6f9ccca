// Package trail keeps a bounded breadcrumb of recent vehicle positions.
package trail

import (
	"time"

	"fleettrack/internal/domain"
)

const DefaultCapacity = 20

// Point is a single trail sample
type Point struct {
	Position  domain.Position `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// History is a fixed-capacity ring of points in arrival order. Once full,
// the oldest point is evicted for every new one.
type History struct {
	points []Point
	start  int
	size   int
}

func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{points: make([]Point, capacity)}
}

func (h *History) Add(p Point) {
	capacity := len(h.points)
	if h.size < capacity {
		h.points[(h.start+h.size)%capacity] = p
		h.size++
		return
	}
	h.points[h.start] = p
	h.start = (h.start + 1) % capacity
}

// Last returns the most recent point
func (h *History) Last() (Point, bool) {
	if h.size == 0 {
		return Point{}, false
	}
	return h.points[(h.start+h.size-1)%len(h.points)], true
}

// Points returns the buffered points oldest first
func (h *History) Points() []Point {
	out := make([]Point, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.points[(h.start+i)%len(h.points)])
	}
	return out
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return len(h.points) }
