package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	geoLiteRedisKeyPrefix = "ipwarden:geolite:file:"
	geoLiteRedisChannel   = "ipwarden:geolite:updates"
	geoLiteRedisOpTimeout = 30 * time.Second
)

type distributionPayload struct {
	Editions  []string `json:"editions"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

func (u *Updater) publish(ctx context.Context, editions []edition) error {
	ids := make([]string, 0, len(editions))
	for _, e := range editions {
		data, err := os.ReadFile(e.path)
		if err != nil {
			return fmt.Errorf("read %s: %w", e.id, err)
		}

		opCtx, cancel := context.WithTimeout(ctx, geoLiteRedisOpTimeout)
		err = u.redis.Set(opCtx, geoLiteRedisKeyPrefix+e.id, data, 0).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("store %s: %w", e.id, err)
		}
		ids = append(ids, e.id)
	}

	payload, err := json.Marshal(distributionPayload{Editions: ids, UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, geoLiteRedisOpTimeout)
	defer cancel()
	return u.redis.Publish(opCtx, geoLiteRedisChannel, payload).Err()
}

// followDistribution installs the databases currently stored in redis and
// then applies every update the leader publishes until ctx ends.
func (u *Updater) followDistribution(ctx context.Context) {
	if updated, err := u.fetch(ctx, nil); err != nil {
		log.Error("GeoLite redis sync: initial load failed", "error", err)
	} else if updated {
		log.Info("GeoLite redis sync: loaded databases from redis")
	}

	pubsub := u.redis.Subscribe(ctx, geoLiteRedisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("GeoLite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var payload distributionPayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Error("GeoLite redis sync: invalid payload", "error", err)
			continue
		}

		if updated, err := u.fetch(ctx, payload.Editions); err != nil {
			log.Error("GeoLite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("GeoLite redis sync: applied update", "editions", payload.Editions)
		}
	}
}

func (u *Updater) fetch(ctx context.Context, ids []string) (bool, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	updated := false
	for _, e := range u.editions() {
		if len(wanted) > 0 && !wanted[e.id] {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, geoLiteRedisOpTimeout)
		data, err := u.redis.Get(opCtx, geoLiteRedisKeyPrefix+e.id).Bytes()
		cancel()
		if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
			continue
		}
		if err != nil {
			return false, err
		}

		if err := writeFileAtomic(e.path, bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("write %s: %w", e.id, err)
		}
		updated = true
	}

	if updated {
		if err := u.provider.Reload(); err != nil {
			return false, err
		}
	}
	return updated, nil
}
