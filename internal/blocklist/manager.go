package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
)

const defaultRefreshInterval = time.Minute

var ErrInvalidAddress = errors.New("blocklist: invalid IP address")

// Verdict is the outcome of a block check. CheckFailed means the store could
// not be consulted; callers let the request through.
type Verdict int

const (
	NotBlocked Verdict = iota
	Blocked
	CheckFailed
)

func (v Verdict) String() string {
	switch v {
	case Blocked:
		return "blocked"
	case CheckFailed:
		return "check_failed"
	default:
		return "not_blocked"
	}
}

type AddResult struct {
	Created bool
	Address domain.BlockedAddress
}

type atomicSet struct {
	val atomic.Value
}

func (a *atomicSet) Load() map[string]struct{} {
	raw, _ := a.val.Load().(map[string]struct{})
	return raw
}

func (a *atomicSet) Store(m map[string]struct{}) {
	a.val.Store(m)
}

// Manager keeps an in-memory copy of the blocked_addresses table so the hot
// path never touches the database once the first load succeeded.
type Manager struct {
	snapshot    atomicSet
	writeMu     sync.Mutex
	refreshOnce singleflight.Group
}

func NewManager() *Manager {
	return &Manager{}
}

// Canonicalize returns the textual form stored in the database: IPv4-mapped
// addresses are unmapped and IPv6 is lowercased and compressed.
func Canonicalize(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.WithZone("").Unmap().String(), nil
}

func (m *Manager) IsBlocked(ctx context.Context, ip string) Verdict {
	canonical, err := Canonicalize(ip)
	if err != nil {
		return NotBlocked
	}

	if set := m.snapshot.Load(); set != nil {
		if _, found := set[canonical]; found {
			return Blocked
		}
		return NotBlocked
	}

	blocked, err := database.IsIPBlocked(ctx, canonical)
	if err != nil {
		metrics.BlockCheckFailures.Inc()
		log.Warn("Block check failed, allowing request", "ip", canonical, "error", err)
		return CheckFailed
	}
	if blocked {
		return Blocked
	}
	return NotBlocked
}

func (m *Manager) Add(ctx context.Context, ip, reason string) (AddResult, error) {
	canonical, err := Canonicalize(ip)
	if err != nil {
		return AddResult{}, err
	}

	row, created, err := database.InsertBlockedAddress(ctx, canonical, strings.TrimSpace(reason))
	if err != nil {
		return AddResult{}, fmt.Errorf("blocklist: add %s: %w", canonical, err)
	}

	// The row may come from another node or the CLI; the snapshot follows the
	// table either way.
	if !m.inSnapshot(canonical) {
		m.mutate(func(set map[string]struct{}) { set[canonical] = struct{}{} })
	}
	if created {
		log.Info("Address blocked", "ip", canonical, "reason", row.Reason)
	}
	return AddResult{Created: created, Address: row}, nil
}

func (m *Manager) Remove(ctx context.Context, ip string) (bool, error) {
	canonical, err := Canonicalize(ip)
	if err != nil {
		return false, err
	}

	removed, err := database.DeleteBlockedAddress(ctx, canonical)
	if err != nil {
		return false, fmt.Errorf("blocklist: remove %s: %w", canonical, err)
	}

	if m.inSnapshot(canonical) {
		m.mutate(func(set map[string]struct{}) { delete(set, canonical) })
	}
	if removed {
		log.Info("Address unblocked", "ip", canonical)
	}
	return removed, nil
}

func (m *Manager) List(ctx context.Context) ([]domain.BlockedAddress, error) {
	return database.ListBlockedAddresses(ctx)
}

// Size reports the number of addresses in the snapshot, or -1 before the
// first successful load.
func (m *Manager) Size() int {
	set := m.snapshot.Load()
	if set == nil {
		return -1
	}
	return len(set)
}

// Load replaces the snapshot with the current table contents.
func (m *Manager) Load(ctx context.Context) error {
	_, err, _ := m.refreshOnce.Do("load", func() (any, error) {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()

		ips, err := database.ListBlockedIPs(ctx)
		if err != nil {
			return nil, err
		}

		set := make(map[string]struct{}, len(ips))
		for _, ip := range ips {
			set[ip] = struct{}{}
		}
		m.snapshot.Store(set)
		metrics.BlockedAddresses.Set(float64(len(set)))
		return nil, nil
	})
	return err
}

func (m *Manager) inSnapshot(canonical string) bool {
	_, ok := m.snapshot.Load()[canonical]
	return ok
}

func (m *Manager) mutate(apply func(map[string]struct{})) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current := m.snapshot.Load()
	if current == nil {
		// Not hydrated yet; the next Load picks the change up from the table.
		return
	}

	next := make(map[string]struct{}, len(current)+1)
	for k := range current {
		next[k] = struct{}{}
	}
	apply(next)
	m.snapshot.Store(next)
	metrics.BlockedAddresses.Set(float64(len(next)))
}
