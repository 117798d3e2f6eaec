package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultScannerInterval          = time.Hour
	defaultScannerWindow            = time.Hour
	defaultBlocklistRefreshInterval = time.Minute
	defaultAuditFlushInterval       = 2 * time.Second
	defaultGeoCacheTTL              = 24 * time.Hour
	defaultGeoTimeout               = 2 * time.Second
	defaultGeoUpdateInterval        = 24 * time.Hour
)

// intervalSetting is a duration derived from the config that background loops
// can watch for changes.
type intervalSetting struct {
	value     atomic.Value
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(initial time.Duration) *intervalSetting {
	s := &intervalSetting{}
	s.value.Store(initial)
	return s
}

func (s *intervalSetting) get() time.Duration {
	return s.value.Load().(time.Duration)
}

func (s *intervalSetting) set(interval time.Duration) {
	if s.get() == interval {
		return
	}
	s.value.Store(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func (s *intervalSetting) updates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.get()
	return ch
}

var (
	scannerInterval          = newIntervalSetting(defaultScannerInterval)
	blocklistRefreshInterval = newIntervalSetting(defaultBlocklistRefreshInterval)
	geoUpdateInterval        = newIntervalSetting(defaultGeoUpdateInterval)
)

// SetBetweenTime recomputes the watched intervals from the active config.
func SetBetweenTime() {
	cfg := GetConfig()
	scannerInterval.set(DurationOr(cfg.Scanner.Interval, defaultScannerInterval))
	blocklistRefreshInterval.set(DurationOr(cfg.Blocklist.RefreshTimer, defaultBlocklistRefreshInterval))
	geoUpdateInterval.set(DurationOr(cfg.Geo.UpdateTimer, defaultGeoUpdateInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// DurationOr returns fallback for an unset timer.
func DurationOr(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetScannerInterval() time.Duration {
	return scannerInterval.get()
}

func ScannerIntervalUpdates() <-chan time.Duration {
	return scannerInterval.updates()
}

func GetBlocklistRefreshInterval() time.Duration {
	return blocklistRefreshInterval.get()
}

func BlocklistRefreshIntervalUpdates() <-chan time.Duration {
	return blocklistRefreshInterval.updates()
}

func GetGeoUpdateInterval() time.Duration {
	return geoUpdateInterval.get()
}

func GeoUpdateIntervalUpdates() <-chan time.Duration {
	return geoUpdateInterval.updates()
}

func (c ScannerConfig) WindowDuration() time.Duration {
	return DurationOr(c.Window, defaultScannerWindow)
}

func (c AuditConfig) FlushInterval() time.Duration {
	return DurationOr(c.FlushTimer, defaultAuditFlushInterval)
}

func (c GeoConfig) CacheTTLDuration() time.Duration {
	return DurationOr(c.CacheTTL, defaultGeoCacheTTL)
}

func (c GeoConfig) Timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return defaultGeoTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
