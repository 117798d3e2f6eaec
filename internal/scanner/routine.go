package scanner

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
	leaderLockKey          = "ipwarden:leader:scanner"
	defaultRoutineInterval = time.Hour
)

// StartRoutine sweeps on the configured interval until ctx is done. When the
// scanner has a redis client only the lock holder sweeps.
func (s *Scanner) StartRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	initial := config.GetScannerInterval()
	if initial <= 0 {
		initial = defaultRoutineInterval
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)
	updates := config.ScannerIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = defaultRoutineInterval
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	if s.redis == nil {
		s.runLoop(ctx, &intervalValue, updateSignal)
		return
	}

	err := support.RunWithLeader(ctx, s.redis, leaderLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		s.runLoop(leaderCtx, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Anomaly scanner routine stopped", "error", err)
	}
}

func (s *Scanner) runLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	current := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	s.triggerScan(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.triggerScan(ctx, "scheduled")
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
			log.Debug("Anomaly scanner interval updated", "interval", current)
		}
	}
}

func (s *Scanner) triggerScan(ctx context.Context, reason string) {
	if !config.GetConfig().Scanner.Enabled {
		return
	}

	report, err := s.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Anomaly scan canceled", "reason", reason)
			return
		}
		log.Error("Anomaly scan failed", "reason", reason, "created", report.Created, "error", err)
		return
	}

	log.Info("Anomaly scan completed",
		"reason", reason,
		"created", report.Created,
		"suppressed", report.Suppressed,
		"duration", report.Duration,
	)
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
