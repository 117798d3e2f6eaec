package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
)

const (
	defaultQueueSize     = 10000
	defaultBatchSize     = 200
	defaultFlushInterval = 2 * time.Second
	defaultEnrichWorkers = 16

	insertTimeout = 30 * time.Second
)

// Entry is what the guard knows about a request when it is logged.
type Entry struct {
	RequestID    string
	IP           string
	Path         string
	Method       string
	Outcome      domain.RequestOutcome
	StatusCode   int
	UserIdentity string
	Timestamp    time.Time
}

// Enricher resolves an address to a location and never fails.
type Enricher interface {
	Lookup(ctx context.Context, ip string) domain.LocationResult
}

type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	EnrichWorkers int
}

func OptionsFromConfig(cfg config.AuditConfig) Options {
	return Options{
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		EnrichWorkers: cfg.EnrichWorkers,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.EnrichWorkers <= 0 {
		o.EnrichWorkers = defaultEnrichWorkers
	}
	return o
}

// Recorder appends AuditRecords. Submit hands entries to a single flush
// goroutine that writes them in timestamp order; Record writes synchronously.
// Write failures are logged and never surface to the caller.
type Recorder struct {
	enricher Enricher
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan Entry

	done      chan struct{}
	overflow  sync.WaitGroup
	closeOnce sync.Once
}

func NewRecorder(enricher Enricher, opts Options) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		enricher: enricher,
		opts:     opts,
		queue:    make(chan Entry, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enriches and inserts one entry before returning. A failed insert
// returns the record with a zero ID.
func (r *Recorder) Record(ctx context.Context, entry Entry) domain.AuditRecord {
	record := r.build(ctx, normalize(entry))

	if err := database.InsertAuditRecord(ctx, &record); err != nil {
		metrics.AuditWrites.WithLabelValues("failed").Inc()
		log.Error("Failed to write audit record", "ip", record.IP, "path", record.Path, "error", err)
		record.ID = 0
		return record
	}
	metrics.AuditWrites.WithLabelValues("written").Inc()
	return record
}

// Submit queues an entry without blocking. When the queue is full or the
// recorder is closed the entry is written synchronously on its own goroutine.
func (r *Recorder) Submit(entry Entry) {
	entry = normalize(entry)

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- entry:
			r.mu.RUnlock()
			metrics.AuditQueueDepth.Inc()
			return
		default:
		}
	}
	r.mu.RUnlock()

	log.Warn("Audit queue unavailable, writing record directly", "ip", entry.IP, "path", entry.Path)
	r.overflow.Add(1)
	go func() {
		defer r.overflow.Done()
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		r.Record(ctx, entry)
	}()
}

// Close stops accepting queued entries, flushes what is pending and waits for
// overflow writes. It returns ctx.Err() if ctx ends first.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	overflowDone := make(chan struct{})
	go func() {
		r.overflow.Wait()
		close(overflowDone)
	}()

	select {
	case <-overflowDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.opts.BatchSize)
	for {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			metrics.AuditQueueDepth.Dec()
			batch = append(batch, entry)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	records := make([]domain.AuditRecord, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.EnrichWorkers)
	for i := range batch {
		g.Go(func() error {
			records[i] = r.build(gctx, batch[i])
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	if err := database.InsertAuditRecords(ctx, records); err != nil {
		log.Warn("Audit batch insert failed, writing records one by one", "records", len(records), "error", err)
		r.insertEach(ctx, records)
		return
	}
	metrics.AuditWrites.WithLabelValues("written").Add(float64(len(records)))
	log.Debug("Audit batch flushed", "records", len(records))
}

// insertEach isolates the rows the store rejects so the rest of the batch
// is still written.
func (r *Recorder) insertEach(ctx context.Context, records []domain.AuditRecord) {
	written := 0
	for i := range records {
		record := records[i]
		record.ID = 0
		if err := database.InsertAuditRecord(ctx, &record); err != nil {
			metrics.AuditWrites.WithLabelValues("failed").Inc()
			log.Error("Failed to write audit record", "ip", record.IP, "path", record.Path, "error", err)
			continue
		}
		written++
	}
	metrics.AuditWrites.WithLabelValues("written").Add(float64(written))
}

func (r *Recorder) build(ctx context.Context, entry Entry) domain.AuditRecord {
	record := domain.AuditRecord{
		RequestID:    entry.RequestID,
		IP:           entry.IP,
		Path:         entry.Path,
		Method:       entry.Method,
		Outcome:      entry.Outcome,
		StatusCode:   entry.StatusCode,
		UserIdentity: entry.UserIdentity,
		Timestamp:    entry.Timestamp,
	}
	if r.enricher != nil {
		record.ApplyLocation(r.enricher.Lookup(ctx, entry.IP))
	}
	return record
}

func normalize(entry Entry) Entry {
	entry.RequestID = domain.Clip(entry.RequestID, domain.RequestIDSize)
	entry.IP = domain.Clip(entry.IP, domain.IPSize)
	entry.Path = domain.Clip(entry.Path, domain.PathSize)
	entry.Method = domain.Clip(entry.Method, domain.MethodSize)
	entry.UserIdentity = domain.Clip(entry.UserIdentity, domain.UserIdentitySize)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = domain.OutcomeAllowed
	}
	return entry
}

// Recent returns the newest records first for the operator views.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return database.RecentAuditRecords(ctx, limit)
}

func (r *Recorder) Stats(ctx context.Context) (database.GeoStats, error) {
	return database.GetGeoStats(ctx)
}
