// Package recorder persists scans as analytics events.
//
// Recording is fire-and-forget: a failure is logged and counted but never
// reaches the caller, so it cannot change the redirect a scanner receives.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/scanly/scanly/pkg/scanly/events"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/scanly/scanly/pkg/scanly/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// insertBatchSize is the maximum number of rows per INSERT statement.
	insertBatchSize = 50

	// flushTimeout bounds each flush, independent of any request.
	flushTimeout = 5 * time.Second

	// publishTimeout bounds a single event publish.
	publishTimeout = 2 * time.Second

	// publishDrainTimeout bounds how long Stop waits for queued publishes.
	publishDrainTimeout = 5 * time.Second
)

// Event is one scan to record.
type Event struct {
	LinkID    uint
	VariantID *string
	UserAgent string
	IP        string
	Country   string
	Referer   string
	ScannedAt time.Time
}

func (e Event) scan() models.Scan {
	return models.Scan{
		CreatedAt: e.ScannedAt,
		LinkID:    e.LinkID,
		VariantID: e.VariantID,
		UserAgent: e.UserAgent,
		IP:        e.IP,
		Country:   e.Country,
		Referer:   e.Referer,
	}
}

func (e Event) published() events.Scan {
	return events.Scan{
		LinkID:    e.LinkID,
		VariantID: e.VariantID,
		UserAgent: e.UserAgent,
		IP:        e.IP,
		Country:   e.Country,
		Referer:   e.Referer,
		ScannedAt: e.ScannedAt,
	}
}

// Recorder accepts scans. Record never fails from the caller's point of view.
type Recorder interface {
	Record(ev Event)
}

// Options tunes a BufferedRecorder.
type Options struct {
	BufferSize     int
	FlushInterval  time.Duration
	FlushThreshold int

	// PublishQueueSize caps persisted scans waiting to be published.
	// Defaults to BufferSize.
	PublishQueueSize int
}

// pendingCounter is implemented by recorders that hold accepted scans before
// they are stored.
type pendingCounter interface {
	countWithPending(linkID uint, stored func() (int64, error)) (int64, error)
}

// CountScans counts the scans of linkID: stored rows plus any scan rec has
// accepted but not yet written.
func CountScans(ctx context.Context, db *gorm.DB, rec Recorder, linkID uint) (int64, error) {
	stored := func() (int64, error) {
		var n int64
		err := db.WithContext(ctx).Model(&models.Scan{}).Where("link_id = ?", linkID).Count(&n).Error
		return n, err
	}
	if pc, ok := rec.(pendingCounter); ok {
		return pc.countWithPending(linkID, stored)
	}
	return stored()
}

// BufferedRecorder queues scans on a channel and batch-inserts them from a
// background goroutine. Persisted scans are handed to a second goroutine for
// publishing, so a slow publisher never holds up inserts.
type BufferedRecorder struct {
	db        *gorm.DB
	publisher events.Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics

	events         chan Event
	publishes      chan Event
	closed         chan struct{}
	once           sync.Once
	flushInterval  time.Duration
	flushThreshold int
	wg             sync.WaitGroup
	started        bool
	publishDone    chan struct{}

	// settle is held exclusively while a batch is inserted and its pending
	// counts released, so a reader never sees a scan both stored and pending.
	settle    sync.RWMutex
	pendingMu sync.Mutex
	pending   map[uint]int64
}

// NewBuffered creates a recorder. A nil publisher disables publishing.
func NewBuffered(db *gorm.DB, publisher events.Publisher, log *zap.Logger, m *metrics.Metrics, opts Options) *BufferedRecorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.PublishQueueSize <= 0 {
		opts.PublishQueueSize = opts.BufferSize
	}
	return &BufferedRecorder{
		db:             db,
		publisher:      publisher,
		log:            log,
		metrics:        m,
		events:         make(chan Event, opts.BufferSize),
		publishes:      make(chan Event, opts.PublishQueueSize),
		closed:         make(chan struct{}),
		publishDone:    make(chan struct{}),
		flushInterval:  opts.FlushInterval,
		flushThreshold: opts.FlushThreshold,
		pending:        make(map[uint]int64),
	}
}

// Record enqueues ev without blocking. When the buffer is full or the
// recorder is stopped the event is dropped.
func (r *BufferedRecorder) Record(ev Event) {
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = time.Now().UTC()
	}

	select {
	case <-r.closed:
		r.drop(ev, "recorder stopped")
		return
	default:
	}

	r.addPending(ev.LinkID, 1)
	select {
	case r.events <- ev:
	default:
		r.addPending(ev.LinkID, -1)
		r.drop(ev, "buffer full")
	}
}

func (r *BufferedRecorder) addPending(linkID uint, delta int64) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	n := r.pending[linkID] + delta
	if n <= 0 {
		delete(r.pending, linkID)
		return
	}
	r.pending[linkID] = n
}

// Pending returns the number of accepted scans of linkID not yet stored.
func (r *BufferedRecorder) Pending(linkID uint) int64 {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.pending[linkID]
}

func (r *BufferedRecorder) countWithPending(linkID uint, stored func() (int64, error)) (int64, error) {
	r.settle.RLock()
	defer r.settle.RUnlock()
	n, err := stored()
	if err != nil {
		return 0, err
	}
	return n + r.Pending(linkID), nil
}

func (r *BufferedRecorder) drop(ev Event, reason string) {
	r.metrics.ObserveDropped()
	r.log.Warn("Dropped scan event",
		zap.String("reason", reason),
		zap.Uint("link_id", ev.LinkID),
	)
}

// Len returns the number of queued events.
func (r *BufferedRecorder) Len() int {
	return len(r.events)
}

// Start launches the flush and publish loops.
func (r *BufferedRecorder) Start() {
	r.started = true
	r.wg.Add(1)
	go r.flushLoop()
	go r.publishLoop()
}

// Stop stops accepting events, flushes what is queued and waits for the flush
// loop. Queued publishes get publishDrainTimeout to finish. It is safe to call
// multiple times.
func (r *BufferedRecorder) Stop() {
	r.once.Do(func() {
		close(r.closed)
		r.wg.Wait()
		close(r.publishes)
		if !r.started {
			return
		}

		select {
		case <-r.publishDone:
		case <-time.After(publishDrainTimeout):
			r.log.Warn("Gave up waiting for scan events to publish", zap.Int("queued", len(r.publishes)))
		}
	})
}

func (r *BufferedRecorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.flushThreshold)

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.flushThreshold {
				r.flush(batch)
				batch = make([]Event, 0, r.flushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]Event, 0, r.flushThreshold)
			}

		case <-r.closed:
			r.drain(&batch)
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *BufferedRecorder) drain(batch *[]Event) {
	for {
		select {
		case ev := <-r.events:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (r *BufferedRecorder) flush(batch []Event) {
	if err := r.insert(batch); err != nil {
		r.metrics.ObserveRecordFailures(len(batch))
		r.log.Error("Failed to insert scans",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
		)
		return
	}
	r.metrics.ObserveRecorded(len(batch))

	for _, ev := range batch {
		select {
		case r.publishes <- ev:
		default:
			r.metrics.ObservePublishFailure()
			r.log.Warn("Publish queue full, scan event not published", zap.Uint("link_id", ev.LinkID))
		}
	}

	r.log.Debug("Flushed scans", zap.Int("total", len(batch)))
}

// insert writes batch and releases its pending counts, whether or not the
// write succeeded.
func (r *BufferedRecorder) insert(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	scans := make([]models.Scan, len(batch))
	for i := range batch {
		scans[i] = batch[i].scan()
	}

	r.settle.Lock()
	defer r.settle.Unlock()
	err := r.db.WithContext(ctx).CreateInBatches(scans, insertBatchSize).Error
	for i := range batch {
		r.addPending(batch[i].LinkID, -1)
	}
	return err
}

func (r *BufferedRecorder) publishLoop() {
	defer close(r.publishDone)
	for ev := range r.publishes {
		publish(r.publisher, ev, r.log, r.metrics)
	}
}

// DirectRecorder writes each scan synchronously on the caller's goroutine.
// It never blocks on the request context and swallows every failure.
type DirectRecorder struct {
	db        *gorm.DB
	publisher events.Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewDirect creates a synchronous recorder. A nil publisher disables publishing.
func NewDirect(db *gorm.DB, publisher events.Publisher, log *zap.Logger, m *metrics.Metrics) *DirectRecorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DirectRecorder{db: db, publisher: publisher, log: log, metrics: m}
}

// Record persists ev, then publishes it.
func (r *DirectRecorder) Record(ev Event) {
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	scan := ev.scan()
	if err := r.db.WithContext(ctx).Create(&scan).Error; err != nil {
		r.metrics.ObserveRecordFailures(1)
		r.log.Error("Failed to insert scan", zap.Error(err), zap.Uint("link_id", ev.LinkID))
		return
	}
	r.metrics.ObserveRecorded(1)
	publish(r.publisher, ev, r.log, r.metrics)
}

func publish(p events.Publisher, ev Event, log *zap.Logger, m *metrics.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.PublishScan(ctx, ev.published()); err != nil {
		m.ObservePublishFailure()
		log.Warn("Failed to publish scan event", zap.Error(err), zap.Uint("link_id", ev.LinkID))
	}
}
