package domain

import "time"

// BlockedAddress is an IP that the ingress guard rejects outright.
type BlockedAddress struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// IP holds the canonical address text (IPv4 dotted quad or compressed IPv6).
	IP string `gorm:"size:45;uniqueIndex;not null" json:"ip"`

	Reason    string    `gorm:"size:512;not null;default:''" json:"reason,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BlockedAddress) TableName() string {
	return "blocked_addresses"
}
