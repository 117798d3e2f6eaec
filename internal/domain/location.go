package domain

import "encoding/json"

// LocationResult is the enrichment snapshot for a single IP. A failed lookup
// leaves every field empty and sets Error.
type LocationResult struct {
	Country     string          `json:"country,omitempty"`
	CountryCode string          `json:"country_code,omitempty"`
	City        string          `json:"city,omitempty"`
	Region      string          `json:"region,omitempty"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	ISP         string          `json:"isp,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (l LocationResult) Failed() bool {
	return l.Error != ""
}

func EmptyLocation(reason string) LocationResult {
	return LocationResult{Error: reason}
}
