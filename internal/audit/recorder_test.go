package audit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
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
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	database.DB = db
	t.Cleanup(func() {
		database.DB = nil
	})
	return db
}

type stubEnricher struct {
	calls   atomic.Int32
	lookup  func(ip string) domain.LocationResult
	started chan struct{}
	release chan struct{}
}

func (s *stubEnricher) Lookup(ctx context.Context, ip string) domain.LocationResult {
	s.calls.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	if s.lookup != nil {
		return s.lookup(ip)
	}
	return domain.LocationResult{}
}

func berlin(string) domain.LocationResult {
	lat, lon := 52.520008, 13.404954
	return domain.LocationResult{
		Country:     "Germany",
		CountryCode: "DE",
		City:        "Berlin",
		Latitude:    &lat,
		Longitude:   &lon,
		Raw:         []byte(`{"city":"Berlin"}`),
	}
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecordWritesEnrichedRecord(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(&stubEnricher{lookup: berlin}, Options{})
	defer closeRecorder(t, r)

	rec := r.Record(context.Background(), Entry{
		RequestID:  "req-1",
		IP:         "203.0.113.5",
		Path:       "/api",
		Method:     "GET",
		StatusCode: 200,
	})
	if rec.ID == 0 {
		t.Fatal("expected record to be persisted")
	}

	var stored domain.AuditRecord
	if err := db.First(&stored, rec.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if stored.Outcome != domain.OutcomeAllowed {
		t.Fatalf("outcome = %q, want allowed", stored.Outcome)
	}
	if stored.Location() != "Berlin, Germany" {
		t.Fatalf("location = %q", stored.Location())
	}
	if !stored.Latitude.Valid || stored.Latitude.Decimal.String() != "52.520008" {
		t.Fatalf("latitude = %+v", stored.Latitude)
	}
	if stored.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	database.DB = nil
	r := NewRecorder(nil, Options{})
	defer closeRecorder(t, r)

	rec := r.Record(context.Background(), Entry{IP: "203.0.113.5", Path: "/", Method: "GET"})
	if rec.ID != 0 {
		t.Fatalf("ID = %d, want 0 on failure", rec.ID)
	}
}

func TestSubmitFlushesInTimestampOrder(t *testing.T) {
	db := setupTestDB(t)
	enricher := &stubEnricher{}
	r := NewRecorder(enricher, Options{BatchSize: 100, FlushInterval: time.Hour})

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 9; i >= 0; i-- {
		r.Submit(Entry{IP: "198.51.100.1", Path: fmt.Sprintf("/p%d", i), Method: "GET", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	closeRecorder(t, r)

	var records []domain.AuditRecord
	if err := db.Order("id ASC").Find(&records).Error; err != nil {
		t.Fatalf("load records: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("records = %d, want 10", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Fatalf("record %d timestamp %s precedes %s", i, records[i].Timestamp, records[i-1].Timestamp)
		}
	}
	if enricher.calls.Load() != 10 {
		t.Fatalf("enricher calls = %d, want 10", enricher.calls.Load())
	}
}

func TestSubmitBatchSurvivesRejectedRecord(t *testing.T) {
	db := setupTestDB(t)
	err := db.Exec(`CREATE TRIGGER reject_marked_path BEFORE INSERT ON audit_records
		WHEN NEW.path = '/rejected'
		BEGIN SELECT RAISE(ABORT, 'path rejected'); END`).Error
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	r := NewRecorder(nil, Options{BatchSize: 500, FlushInterval: time.Hour})
	for i := 0; i < 150; i++ {
		r.Submit(Entry{IP: "198.51.100.7", Path: fmt.Sprintf("/page/%d", i), Method: "GET"})
	}
	r.Submit(Entry{IP: "198.51.100.7", Path: "/rejected", Method: "GET"})
	closeRecorder(t, r)

	var count int64
	if err := db.Model(&domain.AuditRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 150 {
		t.Fatalf("stored %d records, want 150", count)
	}
}

func TestEntriesAreClippedToColumns(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(nil, Options{})
	defer closeRecorder(t, r)

	rec := r.Record(context.Background(), Entry{
		IP:           strings.Repeat("1", 80),
		Path:         "/x\x00y\xff" + strings.Repeat("z", 3000),
		Method:       strings.Repeat("M", 40),
		UserIdentity: strings.Repeat("u", 300),
	})
	if rec.ID == 0 {
		t.Fatal("expected record to be persisted")
	}

	var stored domain.AuditRecord
	if err := db.First(&stored, rec.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if strings.ContainsRune(stored.Path, 0) || !strings.HasPrefix(stored.Path, "/xy\uFFFD") {
		t.Fatalf("path not sanitized: %q", stored.Path[:min(len(stored.Path), 8)])
	}
	if n := len([]rune(stored.Path)); n != domain.PathSize {
		t.Fatalf("path length = %d, want %d", n, domain.PathSize)
	}
	if len(stored.IP) != domain.IPSize || len(stored.Method) != domain.MethodSize || len(stored.UserIdentity) != domain.UserIdentitySize {
		t.Fatalf("ip=%d method=%d user=%d", len(stored.IP), len(stored.Method), len(stored.UserIdentity))
	}
}

func TestFlushedRecordsAreClipped(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(&stubEnricher{lookup: func(string) domain.LocationResult {
		return domain.LocationResult{Country: "Germany", CountryCode: "DEU", Raw: []byte(`{"city":"\u0000"}`)}
	}}, Options{BatchSize: 10, FlushInterval: time.Hour})
	r.Submit(Entry{IP: "203.0.113.5", Path: "/a\x00", Method: "GET"})
	closeRecorder(t, r)

	var stored domain.AuditRecord
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if stored.Path != "/a" {
		t.Fatalf("path = %q, want /a", stored.Path)
	}
	if stored.CountryCode == nil || *stored.CountryCode != "DE" {
		t.Fatalf("country code = %v, want DE", stored.CountryCode)
	}
	if len(stored.RawGeo) != 0 {
		t.Fatalf("raw geo = %s, want dropped", stored.RawGeo)
	}
}

func TestSubmitFlushesOnInterval(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(nil, Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer closeRecorder(t, r)

	r.Submit(Entry{IP: "198.51.100.2", Path: "/", Method: "GET"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		db.Model(&domain.AuditRecord{}).Count(&count)
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the interval flush to write the record")
}

func TestSubmitOverflowIsNotDropped(t *testing.T) {
	db := setupTestDB(t)
	enricher := &stubEnricher{started: make(chan struct{}, 8), release: make(chan struct{})}
	r := NewRecorder(enricher, Options{QueueSize: 1, BatchSize: 1, FlushInterval: time.Hour})

	r.Submit(Entry{IP: "198.51.100.3", Path: "/a", Method: "GET"})
	<-enricher.started

	// The flush goroutine is busy; one entry fits the queue, the next overflows.
	r.Submit(Entry{IP: "198.51.100.3", Path: "/b", Method: "GET"})
	r.Submit(Entry{IP: "198.51.100.3", Path: "/c", Method: "GET"})

	close(enricher.release)
	closeRecorder(t, r)

	var count int64
	db.Model(&domain.AuditRecord{}).Count(&count)
	if count != 3 {
		t.Fatalf("records = %d, want 3", count)
	}
}

func TestSubmitAfterCloseStillWrites(t *testing.T) {
	db := setupTestDB(t)
	r := NewRecorder(nil, Options{})
	closeRecorder(t, r)

	r.Submit(Entry{IP: "198.51.100.4", Path: "/late", Method: "GET"})
	closeRecorder(t, r)

	var count int64
	db.Model(&domain.AuditRecord{}).Count(&count)
	if count != 1 {
		t.Fatalf("records = %d, want 1", count)
	}
}

func TestReadViews(t *testing.T) {
	setupTestDB(t)
	countries := map[string]string{"203.0.113.1": "Germany", "203.0.113.2": "France"}
	enricher := &stubEnricher{lookup: func(ip string) domain.LocationResult {
		return domain.LocationResult{Country: countries[ip], City: "Somewhere"}
	}}
	r := NewRecorder(enricher, Options{})
	defer closeRecorder(t, r)

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r.Record(ctx, Entry{IP: "203.0.113.1", Path: "/", Method: "GET", Timestamp: base})
	r.Record(ctx, Entry{IP: "203.0.113.1", Path: "/", Method: "GET", Timestamp: base.Add(time.Second)})
	r.Record(ctx, Entry{IP: "203.0.113.2", Path: "/api", Method: "GET", Timestamp: base.Add(2 * time.Second)})

	recent, err := r.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Path != "/api" {
		t.Fatalf("unexpected recent records %+v", recent)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRequests != 3 || stats.Countries != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.RequestsByCountry) == 0 || stats.RequestsByCountry[0].Country != "Germany" {
		t.Fatalf("unexpected top countries %+v", stats.RequestsByCountry)
	}
}
