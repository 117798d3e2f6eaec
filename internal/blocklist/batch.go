package blocklist

import (
	"context"
	"errors"
)

const DefaultReason = "No reason provided"

type AddStatus string

const (
	StatusBlocked        AddStatus = "blocked"
	StatusAlreadyBlocked AddStatus = "already_blocked"
	StatusInvalid        AddStatus = "invalid"
	StatusFailed         AddStatus = "error"
)

type AddOutcome struct {
	IP     string    `json:"ip"`
	Status AddStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// BatchResult reports a multi-address block. Skipped counts every address
// that did not produce a new row.
type BatchResult struct {
	Outcomes []AddOutcome `json:"results"`
	Created  int          `json:"created"`
	Skipped  int          `json:"skipped"`
}

// AddMany blocks each address independently; a failure on one address never
// stops the others. An empty reason becomes DefaultReason.
func (m *Manager) AddMany(ctx context.Context, ips []string, reason string) BatchResult {
	if reason == "" {
		reason = DefaultReason
	}

	result := BatchResult{Outcomes: make([]AddOutcome, 0, len(ips))}
	for _, ip := range ips {
		outcome := AddOutcome{IP: ip}

		added, err := m.Add(ctx, ip, reason)
		switch {
		case errors.Is(err, ErrInvalidAddress):
			outcome.Status = StatusInvalid
			outcome.Error = err.Error()
		case err != nil:
			outcome.Status = StatusFailed
			outcome.Error = err.Error()
		case added.Created:
			outcome.Status = StatusBlocked
			outcome.IP = added.Address.IP
		default:
			outcome.Status = StatusAlreadyBlocked
			outcome.IP = added.Address.IP
		}

		if outcome.Status == StatusBlocked {
			result.Created++
		} else {
			result.Skipped++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result
}
