package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ipwarden/internal/domain"
)

const maxResponseBytes = 64 << 10

// HTTPProvider queries a JSON geolocation API shaped like ip-api.com. The
// endpoint is a format string with a single %s for the address.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

func NewHTTPProvider(endpoint string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{endpoint: endpoint, client: client}
}

type ipAPIResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Country     string   `json:"country"`
	CountryCode string   `json:"countryCode"`
	RegionName  string   `json:"regionName"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Timezone    string   `json:"timezone"`
	ISP         string   `json:"isp"`
}

func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (domain.LocationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(p.endpoint, ip), nil)
	if err != nil {
		return domain.LocationResult{}, fmt.Errorf("geo: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.LocationResult{}, fmt.Errorf("geo: execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.LocationResult{}, fmt.Errorf("geo: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.LocationResult{}, fmt.Errorf("geo: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ipAPIResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.LocationResult{}, fmt.Errorf("geo: decode response: %w", err)
	}
	if payload.Status != "" && payload.Status != "success" {
		return domain.LocationResult{}, fmt.Errorf("geo: provider rejected %s: %s", ip, payload.Message)
	}

	return domain.LocationResult{
		Country:     payload.Country,
		CountryCode: payload.CountryCode,
		City:        payload.City,
		Region:      payload.RegionName,
		Latitude:    payload.Lat,
		Longitude:   payload.Lon,
		Timezone:    payload.Timezone,
		ISP:         payload.ISP,
		Raw:         json.RawMessage(body),
	}, nil
}
