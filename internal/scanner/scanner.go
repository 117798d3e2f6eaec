package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
)

const (
	runTimeout = 5 * time.Minute

	defaultVolumeThreshold       = 100
	defaultDistinctPathThreshold = 50
)

var ErrFlagNotFound = errors.New("scanner: suspicion flag not found")

// Report summarises one sweep. Suppressed counts detections that already had
// an open flag.
type Report struct {
	StartedAt  time.Time                 `json:"started_at"`
	Window     string                    `json:"window"`
	Created    int                       `json:"created"`
	Suppressed int                       `json:"suppressed"`
	ByReason   map[domain.ReasonKind]int `json:"by_reason"`
	Duration   string                    `json:"duration"`
}

// Scanner sweeps the audit trail for anomalous clients and raises
// SuspicionFlags. It only reads audit records and only inserts flags.
type Scanner struct {
	redis   *redis.Client
	now     func() time.Time
	running singleflight.Group
}

// New returns a scanner. With a redis client the periodic routine runs under a
// leader lock so only one node sweeps.
func New(client *redis.Client) *Scanner {
	return &Scanner{redis: client, now: time.Now}
}

// Run performs one sweep over the trailing window. Concurrent callers share
// the same sweep, which is bounded by its own timeout rather than by the
// context of whichever caller started it.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	value, err, _ := s.running.Do("scan", func() (any, error) {
		return s.run(context.WithoutCancel(ctx))
	})
	report, _ := value.(Report)
	return report, err
}

func (s *Scanner) run(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cfg := config.GetConfig().Scanner
	window := cfg.WindowDuration()
	startedAt := s.now().UTC()
	since := startedAt.Add(-window)

	report := Report{
		StartedAt: startedAt,
		Window:    window.String(),
		ByReason:  make(map[domain.ReasonKind]int),
	}

	volumeThreshold := cfg.VolumeThreshold
	if volumeThreshold <= 0 {
		volumeThreshold = defaultVolumeThreshold
	}
	pathThreshold := cfg.DistinctPathThreshold
	if pathThreshold <= 0 {
		pathThreshold = defaultDistinctPathThreshold
	}
	label := windowLabel(window)

	var errs []error

	if err := s.detectHighVolume(ctx, &report, since, volumeThreshold, label); err != nil {
		errs = append(errs, fmt.Errorf("high volume: %w", err))
	}
	if err := s.detectSensitiveAccess(ctx, &report, since, config.NormalizePaths(cfg.SensitivePaths)); err != nil {
		errs = append(errs, fmt.Errorf("sensitive paths: %w", err))
	}
	if err := s.detectPathEnumeration(ctx, &report, since, pathThreshold, label); err != nil {
		errs = append(errs, fmt.Errorf("path enumeration: %w", err))
	}

	report.Duration = s.now().UTC().Sub(startedAt).String()

	if err := errors.Join(errs...); err != nil {
		metrics.ScannerRuns.WithLabelValues("failed").Inc()
		return report, err
	}
	metrics.ScannerRuns.WithLabelValues("ok").Inc()
	return report, nil
}

func (s *Scanner) detectHighVolume(ctx context.Context, report *Report, since time.Time, threshold int64, label string) error {
	rows, err := database.IPsExceedingSince(ctx, since, threshold)
	if err != nil {
		return err
	}
	for _, row := range rows {
		flag := domain.SuspicionFlag{
			IP:            row.IP,
			ReasonKind:    domain.ReasonHighVolume,
			Description:   fmt.Sprintf("%d requests in the %s", row.Count, label),
			ObservedCount: row.Count,
		}
		if err := s.raise(ctx, report, &flag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) detectSensitiveAccess(ctx context.Context, report *Report, since time.Time, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	rows, err := database.SensitiveHitsSince(ctx, since, paths)
	if err != nil {
		return err
	}

	type hits struct {
		total int64
		paths []string
	}
	byIP := make(map[string]*hits)
	var order []string
	for _, row := range rows {
		h, ok := byIP[row.IP]
		if !ok {
			h = &hits{}
			byIP[row.IP] = h
			order = append(order, row.IP)
		}
		h.total += row.Count
		h.paths = append(h.paths, row.Path)
	}

	for _, ip := range order {
		h := byIP[ip]
		// Report paths in configured order so descriptions stay stable.
		slices.SortFunc(h.paths, func(a, b string) int {
			return slices.Index(paths, a) - slices.Index(paths, b)
		})

		access := domain.SuspicionFlag{
			IP:            ip,
			ReasonKind:    domain.ReasonSensitivePathAccess,
			Description:   "Accessed sensitive path: " + h.paths[0],
			Path:          h.paths[0],
			ObservedCount: h.total,
		}
		if err := s.raise(ctx, report, &access); err != nil {
			return err
		}

		if len(h.paths) < 2 {
			continue
		}
		multiple := domain.SuspicionFlag{
			IP:            ip,
			ReasonKind:    domain.ReasonMultipleSensitive,
			Description:   fmt.Sprintf("Accessed %d sensitive paths: %s", len(h.paths), strings.Join(h.paths, ", ")),
			Path:          h.paths[0],
			ObservedCount: h.total,
		}
		if err := s.raise(ctx, report, &multiple); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) detectPathEnumeration(ctx context.Context, report *Report, since time.Time, threshold int64, label string) error {
	rows, err := database.DistinctPathsSince(ctx, since, threshold)
	if err != nil {
		return err
	}
	for _, row := range rows {
		flag := domain.SuspicionFlag{
			IP:            row.IP,
			ReasonKind:    domain.ReasonPattern,
			Description:   fmt.Sprintf("Requested %d distinct paths in the %s", row.Count, label),
			ObservedCount: row.Count,
		}
		if err := s.raise(ctx, report, &flag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) raise(ctx context.Context, report *Report, flag *domain.SuspicionFlag) error {
	flag.DetectedAt = report.StartedAt

	created, err := database.CreateSuspicionFlagIfAbsent(ctx, flag)
	if err != nil {
		return fmt.Errorf("flag %s for %s: %w", flag.ReasonKind, flag.IP, err)
	}

	if created {
		report.Created++
		report.ByReason[flag.ReasonKind]++
		metrics.SuspicionFlags.WithLabelValues(string(flag.ReasonKind), "created").Inc()
		log.Info("Suspicious client flagged", "ip", flag.IP, "reason", flag.ReasonKind, "count", flag.ObservedCount)
		return nil
	}

	report.Suppressed++
	metrics.SuspicionFlags.WithLabelValues(string(flag.ReasonKind), "suppressed").Inc()
	return nil
}

// Resolve closes a flag. Resolving an already resolved flag is a no-op.
func (s *Scanner) Resolve(ctx context.Context, id uint64) (domain.SuspicionFlag, error) {
	flag, err := database.ResolveSuspicionFlag(ctx, id, s.now())
	if err != nil {
		if database.IsNotFound(err) {
			return domain.SuspicionFlag{}, fmt.Errorf("%w: %d", ErrFlagNotFound, id)
		}
		return domain.SuspicionFlag{}, err
	}
	return flag, nil
}

func (s *Scanner) Unresolved(ctx context.Context) ([]domain.SuspicionFlag, error) {
	return database.ListUnresolvedFlags(ctx)
}

func windowLabel(window time.Duration) string {
	switch window {
	case time.Hour:
		return "past hour"
	case 24 * time.Hour:
		return "past day"
	default:
		return "past " + window.String()
	}
}
