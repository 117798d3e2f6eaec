package geo

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/config"
	"ipwarden/internal/support"
)

const (
	updateLockKey         = "ipwarden:leader:geolite_update"
	defaultUpdateInterval = 24 * time.Hour
)

// StartUpdateRoutine keeps the GeoLite databases current until ctx is done.
// It returns immediately when the service has no updater.
func (s *Service) StartUpdateRoutine(ctx context.Context) {
	u := s.updater
	if u == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	initial := config.GetGeoUpdateInterval()
	if initial <= 0 {
		initial = defaultUpdateInterval
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)
	updates := config.GeoUpdateIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = defaultUpdateInterval
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	if u.redis == nil {
		u.runLoop(ctx, &intervalValue, updateSignal)
		return
	}

	go u.followDistribution(ctx)

	err := support.RunWithLeader(ctx, u.redis, updateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		u.runLoop(leaderCtx, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

// UpdateNow downloads the databases regardless of auto_update.
func (s *Service) UpdateNow(ctx context.Context) error {
	if s.updater == nil {
		return ErrNoLicenseKey
	}
	return s.updater.Update(ctx)
}

func (u *Updater) runLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	current := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	// A node without databases downloads right away.
	u.trigger(ctx, "startup", !u.provider.Loaded())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.trigger(ctx, "scheduled", false)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
			log.Debug("GeoLite update interval updated", "interval", current)
		}
	}
}

func (u *Updater) trigger(ctx context.Context, reason string, force bool) {
	if !force && !config.GetConfig().Geo.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return
	}

	err := u.Update(ctx)
	switch {
	case errors.Is(err, ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case errors.Is(err, context.Canceled):
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	default:
		log.Info("GeoLite databases updated", "reason", reason)
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
