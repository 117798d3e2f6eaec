package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ipwarden/internal/database"
	"ipwarden/internal/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	database.DB = db
	t.Cleanup(func() {
		database.DB = nil
	})
	return db
}

func seed(t *testing.T, ip, path string, n int, at time.Time) {
	t.Helper()
	records := make([]domain.AuditRecord, n)
	for i := range records {
		records[i] = domain.AuditRecord{IP: ip, Path: path, Method: "GET", Outcome: domain.OutcomeAllowed, Timestamp: at}
	}
	if err := database.InsertAuditRecords(context.Background(), records); err != nil {
		t.Fatalf("seed %s %s: %v", ip, path, err)
	}
}

func unresolved(t *testing.T, db *gorm.DB) []domain.SuspicionFlag {
	t.Helper()
	var flags []domain.SuspicionFlag
	if err := db.Where("resolved = ?", false).Order("id").Find(&flags).Error; err != nil {
		t.Fatalf("load flags: %v", err)
	}
	return flags
}

func TestHighVolumeFlag(t *testing.T) {
	db := setupTestDB(t)
	seed(t, "10.0.0.5", "/home", 101, time.Now().UTC().Add(-10*time.Minute))
	seed(t, "10.0.0.6", "/home", 100, time.Now().UTC().Add(-10*time.Minute))

	report, err := New(nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("created = %d, want 1", report.Created)
	}

	flags := unresolved(t, db)
	if len(flags) != 1 {
		t.Fatalf("flags = %d, want 1", len(flags))
	}
	flag := flags[0]
	if flag.IP != "10.0.0.5" || flag.ReasonKind != domain.ReasonHighVolume || flag.ObservedCount != 101 {
		t.Fatalf("unexpected flag %+v", flag)
	}
	if flag.Description != "101 requests in the past hour" {
		t.Fatalf("description = %q", flag.Description)
	}
}

func TestSensitivePathFlag(t *testing.T) {
	db := setupTestDB(t)
	seed(t, "10.0.0.9", "/admin", 1, time.Now().UTC().Add(-time.Minute))

	if _, err := New(nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	flags := unresolved(t, db)
	if len(flags) != 1 {
		t.Fatalf("flags = %d, want 1", len(flags))
	}
	if flags[0].ReasonKind != domain.ReasonSensitivePathAccess || flags[0].Path != "/admin" || flags[0].ObservedCount != 1 {
		t.Fatalf("unexpected flag %+v", flags[0])
	}
}

func TestRunOutlivesCallerCancellation(t *testing.T) {
	db := setupTestDB(t)
	seed(t, "10.0.0.9", "/admin", 1, time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run with cancelled caller: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("created = %d, want 1", report.Created)
	}
	if flags := unresolved(t, db); len(flags) != 1 {
		t.Fatalf("flags = %d, want 1", len(flags))
	}
}

func TestMultipleSensitivePaths(t *testing.T) {
	db := setupTestDB(t)
	at := time.Now().UTC().Add(-time.Minute)
	seed(t, "10.0.0.10", "/login", 2, at)
	seed(t, "10.0.0.10", "/admin", 1, at)

	if _, err := New(nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := map[domain.ReasonKind]domain.SuspicionFlag{}
	for _, f := range unresolved(t, db) {
		kinds[f.ReasonKind] = f
	}
	multi, ok := kinds[domain.ReasonMultipleSensitive]
	if !ok {
		t.Fatalf("expected MULTIPLE_SENSITIVE flag, got %v", kinds)
	}
	if multi.ObservedCount != 3 || multi.Description != "Accessed 2 sensitive paths: /admin, /login" {
		t.Fatalf("unexpected multiple flag %+v", multi)
	}
	if access := kinds[domain.ReasonSensitivePathAccess]; access.Path != "/admin" {
		t.Fatalf("sensitive access path = %q, want /admin", access.Path)
	}
}

func TestPathEnumerationFlag(t *testing.T) {
	db := setupTestDB(t)
	at := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 51; i++ {
		seed(t, "10.0.0.11", fmt.Sprintf("/page/%d", i), 1, at)
	}

	if _, err := New(nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	flags := unresolved(t, db)
	if len(flags) != 1 || flags[0].ReasonKind != domain.ReasonPattern || flags[0].ObservedCount != 51 {
		t.Fatalf("unexpected flags %+v", flags)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	at := time.Now().UTC().Add(-time.Minute)
	seed(t, "10.0.0.5", "/home", 101, at)
	seed(t, "10.0.0.9", "/admin", 1, at)

	s := New(nil)
	first, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if first.Created != 2 {
		t.Fatalf("first run created %d, want 2", first.Created)
	}
	if second.Created != 0 || second.Suppressed != 2 {
		t.Fatalf("second run created %d suppressed %d, want 0 and 2", second.Created, second.Suppressed)
	}
	if n := len(unresolved(t, db)); n != 2 {
		t.Fatalf("unresolved flags = %d, want 2", n)
	}
}

func TestRecordsOutsideWindowAreIgnored(t *testing.T) {
	db := setupTestDB(t)
	seed(t, "10.0.0.5", "/home", 150, time.Now().UTC().Add(-2*time.Hour))
	seed(t, "10.0.0.9", "/admin", 1, time.Now().UTC().Add(-2*time.Hour))

	report, err := New(nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Created != 0 || len(unresolved(t, db)) != 0 {
		t.Fatalf("expected no flags, report %+v", report)
	}
}

func TestResolve(t *testing.T) {
	db := setupTestDB(t)
	seed(t, "10.0.0.9", "/admin", 1, time.Now().UTC().Add(-time.Minute))

	s := New(nil)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	open, err := s.Unresolved(context.Background())
	if err != nil || len(open) != 1 {
		t.Fatalf("Unresolved = %v, %v", open, err)
	}

	resolved, err := s.Resolve(context.Background(), open[0].ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("flag not resolved: %+v", resolved)
	}
	if _, err := s.Resolve(context.Background(), open[0].ID); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	// A resolved flag no longer blocks a fresh detection.
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after resolve: %v", err)
	}
	if report.Created != 1 || len(unresolved(t, db)) != 1 {
		t.Fatalf("expected a new flag after resolve, report %+v", report)
	}

	if _, err := s.Resolve(context.Background(), 9999); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("Resolve unknown error = %v, want ErrFlagNotFound", err)
	}
}

func TestRunFailsWithoutStore(t *testing.T) {
	database.DB = nil
	if _, err := New(nil).Run(context.Background()); !errors.Is(err, database.ErrNotInitialized) {
		t.Fatalf("Run error = %v, want ErrNotInitialized", err)
	}
}

func TestWindowLabel(t *testing.T) {
	if got := windowLabel(time.Hour); got != "past hour" {
		t.Fatalf("windowLabel(1h) = %q", got)
	}
	if got := windowLabel(30 * time.Minute); got != "past 30m0s" {
		t.Fatalf("windowLabel(30m) = %q", got)
	}
}
