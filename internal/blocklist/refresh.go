package blocklist

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/config"
)

// StartRefreshRoutine reloads the snapshot on the configured interval so
// changes made by other nodes or by wardenctl become visible. It blocks until
// ctx is done.
func (m *Manager) StartRefreshRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	initial := config.GetBlocklistRefreshInterval()
	if initial <= 0 {
		initial = defaultRefreshInterval
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)
	updates := config.BlocklistRefreshIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = defaultRefreshInterval
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	m.runRefreshLoop(ctx, &intervalValue, updateSignal)
}

func (m *Manager) runRefreshLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	current := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.triggerRefresh(ctx)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
			log.Debug("Blocklist refresh interval updated", "interval", current)
		}
	}
}

func (m *Manager) triggerRefresh(ctx context.Context) {
	if err := m.Load(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn("Blocklist refresh failed, keeping previous snapshot", "error", err)
		return
	}
	log.Debug("Blocklist refreshed", "addresses", m.Size())
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
