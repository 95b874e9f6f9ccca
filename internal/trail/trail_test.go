package trail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
)

func point(i int) Point {
	return Point{
		Position:  domain.Position{Latitude: float64(i), Longitude: float64(i)},
		Timestamp: time.Unix(int64(i), 0),
	}
}

func TestHistoryKeepsLastTwentyOldestFirst(t *testing.T) {
	h := New(DefaultCapacity)
	for i := 1; i <= 25; i++ {
		h.Add(point(i))
		assert.LessOrEqual(t, h.Len(), 20)
	}

	pts := h.Points()
	require.Len(t, pts, 20)
	for i, p := range pts {
		assert.Equal(t, float64(i+6), p.Position.Latitude)
	}

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 25.0, last.Position.Latitude)
}

func TestHistoryPartial(t *testing.T) {
	h := New(5)
	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.Points())

	h.Add(point(1))
	h.Add(point(2))
	assert.Equal(t, []Point{point(1), point(2)}, h.Points())
	assert.Equal(t, 5, h.Cap())
}

func TestNewDefaultsCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}
