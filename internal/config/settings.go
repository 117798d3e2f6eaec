package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"ipwarden/internal/support"
)

type Config struct {
	Proxy struct {
		// TrustForwardedFor takes the client address from the first
		// X-Forwarded-For hop. Any client can forge that header when the
		// server is reachable without a trusted proxy in front.
		TrustForwardedFor bool `json:"trust_forwarded_for"`
	} `json:"proxy"`

	Guard struct {
		ExemptPaths []string `json:"exempt_paths"`
	} `json:"guard"`

	Blocklist struct {
		RefreshTimer Timer `json:"refresh_timer"`
	} `json:"blocklist"`

	Audit AuditConfig `json:"audit"`

	Geo GeoConfig `json:"geo"`

	RateLimit struct {
		Store string     `json:"store"`
		Rules []RateRule `json:"rules"`
	} `json:"rate_limit"`

	Scanner ScannerConfig `json:"scanner"`
}

type AuditConfig struct {
	Async          bool  `json:"async"`
	LogBlocked     bool  `json:"log_blocked"`
	LogRateLimited bool  `json:"log_rate_limited"`
	QueueSize      int   `json:"queue_size"`
	BatchSize      int   `json:"batch_size"`
	FlushTimer     Timer `json:"flush_timer"`
	EnrichWorkers  int   `json:"enrich_workers"`
}

type GeoConfig struct {
	Provider     string `json:"provider"`
	Cache        string `json:"cache"`
	TimeoutMs    uint32 `json:"timeout_ms"`
	CacheTTL     Timer  `json:"cache_ttl"`
	HTTPEndpoint string `json:"http_endpoint"`
	CityDBPath   string `json:"city_db_path"`
	ASNDBPath    string `json:"asn_db_path"`

	// AutoUpdate downloads fresh GeoLite databases every UpdateTimer. The
	// MaxMind license key comes from MAXMIND_LICENSE_KEY.
	AutoUpdate  bool  `json:"auto_update"`
	UpdateTimer Timer `json:"update_timer"`
}

// RateRule binds a route pattern and method set to a quota such as "10/m".
type RateRule struct {
	Pattern       string   `json:"pattern"`
	Group         string   `json:"group,omitempty"`
	Methods       []string `json:"methods"`
	Rate          string   `json:"rate"`
	AnonymousRate string   `json:"anonymous_rate,omitempty"`
}

type ScannerConfig struct {
	Enabled               bool     `json:"enabled"`
	Interval              Timer    `json:"interval"`
	Window                Timer    `json:"window"`
	VolumeThreshold       int64    `json:"volume_threshold"`
	DistinctPathThreshold int64    `json:"distinct_path_threshold"`
	SensitivePaths        []string `json:"sensitive_paths"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex

	hooksMu     sync.Mutex
	updateHooks []func(Config)
)

func init() {
	cfg, err := Default()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
	SetBetweenTime()
}

// Default returns the embedded default configuration.
func Default() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func SettingsFilePath() string {
	return support.GetEnv("SETTINGS_PATH", defaultSettingsFilePath)
}

// ReadSettings loads the settings file, writing the embedded defaults first
// when the file does not exist yet.
func ReadSettings() error {
	path := SettingsFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings: %w", err)
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("config: create settings dir: %w", err)
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings: %w", err)
		}
		data = defaultConfig
	}

	// Start from defaults so sections missing in the file keep sane values.
	newConfig, err := Default()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("config: parse settings: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

// SetConfig replaces the active configuration, persists it and broadcasts it
// to the other nodes when redis synchronisation is enabled.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	newConfig.Scanner.SensitivePaths = NormalizePaths(newConfig.Scanner.SensitivePaths)
	newConfig.Guard.ExemptPaths = NormalizePaths(newConfig.Guard.ExemptPaths)

	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()
	runUpdateHooks(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal settings: %w", err))
		} else if err := os.WriteFile(SettingsFilePath(), data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write settings: %w", err))
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize settings for broadcast: %w", err))
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

// OnUpdate registers fn to run after every applied configuration change,
// whether it came from the file, a local SetConfig or another node.
func OnUpdate(fn func(Config)) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	updateHooks = append(updateHooks, fn)
}

func runUpdateHooks(cfg Config) {
	hooksMu.Lock()
	hooks := slices.Clone(updateHooks)
	hooksMu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}
}

func GetConfig() Config {
	return configValue.Load().(Config)
}
