package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRate = errors.New("ratelimit: invalid rate")

// Rate allows Limit requests per fixed Window.
type Rate struct {
	Limit  int64
	Window time.Duration
}

func (r Rate) IsZero() bool {
	return r.Limit <= 0 || r.Window <= 0
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// ParseRate reads "<limit>/<period>" where period is an optional count
// followed by a unit: s, m, h or d. Examples: "10/m", "100/h", "5/30s".
func ParseRate(raw string) (Rate, error) {
	limitPart, periodPart, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(limitPart), 10, 64)
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	periodPart = strings.ToLower(strings.TrimSpace(periodPart))
	if periodPart == "" {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	unitIdx := strings.IndexFunc(periodPart, func(r rune) bool { return r < '0' || r > '9' })
	if unitIdx < 0 {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	multiplier := int64(1)
	if unitIdx > 0 {
		multiplier, err = strconv.ParseInt(periodPart[:unitIdx], 10, 64)
		if err != nil || multiplier <= 0 {
			return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
		}
	}

	var unit time.Duration
	switch periodPart[unitIdx:] {
	case "s", "sec", "second":
		unit = time.Second
	case "m", "min", "minute":
		unit = time.Minute
	case "h", "hour":
		unit = time.Hour
	case "d", "day":
		unit = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	return Rate{Limit: limit, Window: time.Duration(multiplier) * unit}, nil
}
