// Package gtfsrt reads vehicle positions from a GTFS-Realtime feed so that a
// transit style feed can stand in for the fleet API in poll mode.
package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleettrack/internal/domain"
)

const metersPerSecondToKMH = 3.6

type Feed struct {
	url        string
	httpClient *http.Client
}

func NewFeed(url string, timeout time.Duration) *Feed {
	return &Feed{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (f *Feed) FetchVehicles(ctx context.Context) ([]domain.TrackedVehicle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtfs-rt http status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}
	return Decode(body)
}

// Decode converts a FeedMessage into tracked vehicles. Entities without a
// vehicle id are skipped; entities without a position are kept with no
// position.
func Decode(body []byte) ([]domain.TrackedVehicle, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}

	vehicles := make([]domain.TrackedVehicle, 0, len(feed.GetEntity()))
	for _, ent := range feed.GetEntity() {
		vp := ent.GetVehicle()
		if vp == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			continue
		}

		v := domain.TrackedVehicle{
			ID:            domain.VehicleID(id),
			VehicleNumber: vp.GetVehicle().GetLabel(),
			Status:        domain.StatusAvailable,
		}
		if vp.GetTrip() != nil {
			v.Status = domain.StatusInUse
		}
		if p := vp.GetPosition(); p != nil {
			v.Position = &domain.Position{
				Latitude:  float64(p.GetLatitude()),
				Longitude: float64(p.GetLongitude()),
			}
			if p.Speed != nil && p.GetSpeed() > 0 {
				v.Speed = float64(p.GetSpeed()) * metersPerSecondToKMH
			}
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			v.LastUpdate = time.Unix(int64(ts), 0).UTC()
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}
