package domain

import "time"

type ReasonKind string

const (
	ReasonHighVolume          ReasonKind = "HIGH_VOLUME"
	ReasonSensitivePathAccess ReasonKind = "SENSITIVE_PATH_ACCESS"
	ReasonMultipleSensitive   ReasonKind = "MULTIPLE_SENSITIVE"
	ReasonPattern             ReasonKind = "PATTERN"
)

// DisplayName is the human readable label shown on the operator views.
func (k ReasonKind) DisplayName() string {
	switch k {
	case ReasonHighVolume:
		return "High request volume"
	case ReasonSensitivePathAccess:
		return "Sensitive path access"
	case ReasonMultipleSensitive:
		return "Multiple sensitive paths"
	case ReasonPattern:
		return "Suspicious request pattern"
	default:
		return string(k)
	}
}

// SuspicionFlag marks a client the anomaly scanner considers worth a look.
// At most one unresolved flag exists per (IP, ReasonKind); the database
// enforces that with a partial unique index.
type SuspicionFlag struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IP            string     `gorm:"size:45;not null;index" json:"ip"`
	ReasonKind    ReasonKind `gorm:"size:32;not null" json:"reason"`
	Description   string     `gorm:"size:512;not null;default:''" json:"description"`
	Path          string     `gorm:"size:2048;not null;default:''" json:"path,omitempty"`
	ObservedCount int64      `gorm:"not null;default:0" json:"request_count"`
	DetectedAt    time.Time  `gorm:"not null" json:"detected_at"`
	Resolved      bool       `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func (SuspicionFlag) TableName() string {
	return "suspicion_flags"
}
