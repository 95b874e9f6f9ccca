// Package fleetapi is a client for the fleet management REST API.
package fleetapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleettrack/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type Client struct {
	baseURL    string
	session    domain.Session
	httpClient *http.Client
	now        func() time.Time
}

// New creates a client that authenticates every request with the given
// session.
func New(baseURL string, session domain.Session, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
}

// ListVehicles returns every vehicle known to the API
func (c *Client) ListVehicles(ctx context.Context) ([]domain.TrackedVehicle, error) {
	body, err := c.get(ctx, "/vehicles")
	if err != nil {
		return nil, err
	}
	vehicles, err := DecodeVehicles(body)
	if err != nil {
		return nil, fmt.Errorf("decoding vehicles: %w", err)
	}
	return vehicles, nil
}

// FetchVehicles lets the client act as a poll-mode telemetry fetcher
func (c *Client) FetchVehicles(ctx context.Context) ([]domain.TrackedVehicle, error) {
	return c.ListVehicles(ctx)
}

func (c *Client) GetVehicle(ctx context.Context, id domain.VehicleID) (*domain.TrackedVehicle, error) {
	body, err := c.get(ctx, "/vehicles/"+url.PathEscape(string(id)))
	if err != nil {
		return nil, err
	}
	var rec VehicleRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding vehicle: %w", err)
	}
	v := rec.ToTracked()
	return &v, nil
}

func (c *Client) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	body, err := c.get(ctx, "/bookings/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var rec BookingRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding booking: %w", err)
	}
	b := rec.ToBooking()
	return &b, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if c.session.Authenticated() {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
