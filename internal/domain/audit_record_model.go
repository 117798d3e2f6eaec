package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RequestOutcome string

const (
	OutcomeAllowed     RequestOutcome = "allowed"
	OutcomeBlocked     RequestOutcome = "blocked"
	OutcomeRateLimited RequestOutcome = "rate_limited"
)

// Column sizes of AuditRecord; values are clipped to them before insert.
const (
	RequestIDSize    = 36
	IPSize           = 45
	PathSize         = 2048
	MethodSize       = 16
	UserIdentitySize = 255
	CountrySize      = 56
	CountryCodeSize  = 2
	CitySize         = 128
	RegionSize       = 128
	TimezoneSize     = 64
	ISPSize          = 255
)

// AuditRecord is the append-only trail entry written once per processed request.
type AuditRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID string `gorm:"size:36;not null;default:''" json:"request_id"`

	IP     string `gorm:"size:45;not null;index:idx_audit_ip_ts,priority:1" json:"ip"`
	Path   string `gorm:"size:2048;not null;index" json:"path"`
	Method string `gorm:"size:16;not null" json:"method"`

	Outcome      RequestOutcome `gorm:"size:20;not null;default:'allowed'" json:"outcome"`
	StatusCode   int            `gorm:"not null;default:0" json:"status_code"`
	UserIdentity string         `gorm:"size:255;not null;default:''" json:"user,omitempty"`

	// Timestamp is set when the request is seen and never changes afterwards.
	Timestamp time.Time `gorm:"not null;index;index:idx_audit_ip_ts,priority:2" json:"timestamp"`

	Country     *string             `gorm:"size:56" json:"country"`
	CountryCode *string             `gorm:"size:2" json:"country_code,omitempty"`
	City        *string             `gorm:"size:128" json:"city"`
	Region      *string             `gorm:"size:128" json:"region"`
	Latitude    decimal.NullDecimal `gorm:"type:numeric(9,6)" json:"latitude"`
	Longitude   decimal.NullDecimal `gorm:"type:numeric(9,6)" json:"longitude"`
	Timezone    *string             `gorm:"size:64" json:"timezone,omitempty"`
	ISP         *string             `gorm:"size:255" json:"isp,omitempty"`
	RawGeo      datatypes.JSON      `json:"raw_geo,omitempty"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}

// Location renders "city, country" or "Unknown" when either part is missing.
func (r AuditRecord) Location() string {
	if r.City == nil || r.Country == nil || *r.City == "" || *r.Country == "" {
		return "Unknown"
	}
	return *r.City + ", " + *r.Country
}

// ApplyLocation copies the enrichment fields of a lookup onto the record.
func (r *AuditRecord) ApplyLocation(loc LocationResult) {
	r.Country = optional(Clip(loc.Country, CountrySize))
	r.CountryCode = optional(Clip(loc.CountryCode, CountryCodeSize))
	r.City = optional(Clip(loc.City, CitySize))
	r.Region = optional(Clip(loc.Region, RegionSize))
	r.Timezone = optional(Clip(loc.Timezone, TimezoneSize))
	r.ISP = optional(Clip(loc.ISP, ISPSize))

	if loc.Latitude != nil {
		r.Latitude = decimal.NewNullDecimal(decimal.NewFromFloat(*loc.Latitude).Round(6))
	}
	if loc.Longitude != nil {
		r.Longitude = decimal.NewNullDecimal(decimal.NewFromFloat(*loc.Longitude).Round(6))
	}
	if len(loc.Raw) > 0 && json.Valid(loc.Raw) && !bytes.Contains(loc.Raw, []byte(`\u0000`)) {
		r.RawGeo = datatypes.JSON(loc.Raw)
	}
}

// Clip makes value storable in a text column of size characters: invalid
// UTF-8 is replaced, NUL bytes are removed and the result is truncated.
func Clip(value string, size int) string {
	value = strings.ToValidUTF8(value, "\uFFFD")
	value = strings.ReplaceAll(value, "\x00", "")
	if size <= 0 || utf8.RuneCountInString(value) <= size {
		return value
	}
	return string([]rune(value)[:size])
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}
