package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "ipwarden:config:settings"
	redisConfigChannel = "ipwarden:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// settingsEnvelope is what nodes exchange through redis. Origin lets a node
// skip its own publications; Revision orders updates across nodes.
type settingsEnvelope struct {
	Origin   string          `json:"origin"`
	Revision int64           `json:"revision"`
	Settings json.RawMessage `json:"settings"`
}

type settingsSync struct {
	mu           sync.Mutex
	client       *redis.Client
	ctx          context.Context
	nodeID       string
	lastRevision int64
}

var nodeSync = &settingsSync{nodeID: uuid.NewString()}

// EnableRedisSynchronization shares settings changes between nodes. The
// snapshot already stored in redis wins at startup; when there is none the
// local settings are published.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nodeSync.mu.Lock()
	if nodeSync.client != nil {
		nodeSync.mu.Unlock()
		return
	}
	nodeSync.client = client
	nodeSync.ctx = ctx
	nodeSync.mu.Unlock()

	loaded, err := nodeSync.loadStored(ctx)
	if err != nil {
		log.Error("Config sync: failed to load settings from redis", "error", err)
	}
	if !loaded {
		if payload, err := json.Marshal(GetConfig()); err != nil {
			log.Error("Config sync: failed to serialize settings", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Config sync: failed to publish settings", "error", err)
		}
	}

	go nodeSync.follow(ctx)
}

func (s *settingsSync) loadStored(ctx context.Context) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, redisConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.receive(raw)
}

func (s *settingsSync) follow(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if err := s.receive([]byte(msg.Payload)); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

// receive applies a remote envelope unless it is our own or older than the
// last one applied.
func (s *settingsSync) receive(raw []byte) error {
	var env settingsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !s.accept(env) {
		log.Debug("Config sync: ignored update", "origin", env.Origin, "revision", env.Revision)
		return nil
	}

	cfg, err := Default()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Settings, &cfg); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func (s *settingsSync) accept(env settingsEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Origin == s.nodeID || len(env.Settings) == 0 {
		return false
	}
	if env.Revision <= s.lastRevision {
		return false
	}
	s.lastRevision = env.Revision
	return true
}

func (s *settingsSync) envelope(payload []byte) ([]byte, error) {
	s.mu.Lock()
	rev := time.Now().UnixNano()
	if rev <= s.lastRevision {
		rev = s.lastRevision + 1
	}
	s.lastRevision = rev
	s.mu.Unlock()

	return json.Marshal(settingsEnvelope{Origin: s.nodeID, Revision: rev, Settings: payload})
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	nodeSync.mu.Lock()
	client := nodeSync.client
	ctx := nodeSync.ctx
	nodeSync.mu.Unlock()

	if client == nil {
		return nil
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	env, err := nodeSync.envelope(payload)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	pipe := client.TxPipeline()
	pipe.Set(opCtx, redisConfigKey, env, 0)
	pipe.Publish(opCtx, redisConfigChannel, env)
	_, err = pipe.Exec(opCtx)
	return err
}
