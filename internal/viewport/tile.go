package viewport

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"fleettrack/internal/domain"
)

// maxMercatorLat is the latitude where the Web Mercator projection is cut off
const maxMercatorLat = 85.05112878

// Tile addresses a slippy-map tile
type Tile struct {
	Zoom, X, Y int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

func (t Tile) max() int {
	return 1<<t.Zoom - 1
}

// TileAt returns the tile containing the coordinate. Coordinates outside the
// projection are clamped to the edge tiles.
func TileAt(lat, lon float64, zoom int) Tile {
	if zoom < 0 {
		zoom = 0
	}
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	n := float64(int(1) << zoom)
	latRad := lat * math.Pi / 180

	t := Tile{
		Zoom: zoom,
		X:    int(math.Floor((lon + 180) / 360 * n)),
		Y:    int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n)),
	}
	t.X = clamp(t.X, 0, t.max())
	t.Y = clamp(t.Y, 0, t.max())
	return t
}

// TileID is TileAt rendered as "z/x/y"
func TileID(lat, lon float64, zoom int) string {
	return TileAt(lat, lon, zoom).String()
}

// ParseTile reads a "z/x/y" identifier
func ParseTile(id string) (Tile, error) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("tile %q: expected z/x/y", id)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return Tile{}, fmt.Errorf("tile %q: invalid component %q", id, p)
		}
		vals[i] = v
	}
	t := Tile{Zoom: vals[0], X: vals[1], Y: vals[2]}
	if t.Zoom > 30 || t.X > t.max() || t.Y > t.max() {
		return Tile{}, fmt.Errorf("tile %q: out of range", id)
	}
	return t, nil
}

// Bounds returns the geographic extent of the tile
func (t Tile) Bounds() domain.BoundingBox {
	n := float64(int(1) << t.Zoom)
	lat := func(y int) float64 {
		return math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
	}
	return domain.BoundingBox{
		MinLat: lat(t.Y + 1),
		MaxLat: lat(t.Y),
		MinLon: float64(t.X)/n*360 - 180,
		MaxLon: float64(t.X+1)/n*360 - 180,
	}
}

// Neighbours returns the tile and the up to eight tiles around it
func (t Tile) Neighbours() []string {
	tiles := make([]string, 0, 9)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			nx, ny := t.X+dx, t.Y+dy
			if nx < 0 || nx > t.max() || ny < 0 || ny > t.max() {
				continue
			}
			tiles = append(tiles, Tile{Zoom: t.Zoom, X: nx, Y: ny}.String())
		}
	}
	return tiles
}

// MaxTiles bounds how many tiles a single subscription may cover
const MaxTiles = 1024

var ErrTooManyTiles = errors.New("area covers too many tiles")

// TilesCovering lists every tile intersecting bb. The box is clamped to valid
// coordinates first; a box spanning more than limit tiles is rejected before
// anything is allocated.
func TilesCovering(bb domain.BoundingBox, zoom, limit int) ([]string, error) {
	minLat := math.Max(-90, math.Min(bb.MinLat, bb.MaxLat))
	maxLat := math.Min(90, math.Max(bb.MinLat, bb.MaxLat))
	minLon := math.Max(-180, math.Min(bb.MinLon, bb.MaxLon))
	maxLon := math.Min(180, math.Max(bb.MinLon, bb.MaxLon))

	topLeft := TileAt(maxLat, minLon, zoom)
	bottomRight := TileAt(minLat, maxLon, zoom)

	w := bottomRight.X - topLeft.X + 1
	h := bottomRight.Y - topLeft.Y + 1
	if w <= 0 || h <= 0 || w > limit || h > limit || w*h > limit {
		return nil, fmt.Errorf("%w: %dx%d at zoom %d", ErrTooManyTiles, w, h, zoom)
	}

	tiles := make([]string, 0, w*h)
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			tiles = append(tiles, Tile{Zoom: topLeft.Zoom, X: x, Y: y}.String())
		}
	}
	return tiles, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
