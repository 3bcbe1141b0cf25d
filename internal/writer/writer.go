package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Config holds batch settings for the EventWriter.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds the number of events waiting to be batched.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Event is one recorded topic event.
type Event struct {
	ID         uuid.UUID
	Topic      string
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// Sink executes insert batches. *pgxpool.Pool satisfies it.
type Sink interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Metrics tracks EventWriter performance.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // Events rejected by the full queue
	Queued    int   // Events waiting in the queue
}

const insertEventSQL = `
	INSERT INTO topic_events (id, topic, received_at, payload)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO NOTHING
`

// EventWriter records topic events to the topic_events table. It is a
// registry.Handler: subscribe it to the topics to record. HandleEvent never
// blocks; when the queue is full the event is dropped and counted.
type EventWriter struct {
	cfg    Config
	logger *slog.Logger
	sink   Sink
	queue  *Queue[Event]

	// Owned by the consumer goroutine, then by Stop.
	batch []Event

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	metrics Metrics
}

// NewEventWriter creates an EventWriter. Call Start before events arrive so
// the queue is drained.
func NewEventWriter(cfg Config, sink Sink, logger *slog.Logger) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}

	return &EventWriter{
		cfg:    cfg,
		logger: logger.With("writer", "topic_events"),
		sink:   sink,
		queue:  NewQueue[Event](initial, cfg.BufferSize),
		batch:  make([]Event, 0, cfg.BatchSize),
	}
}

// HandleEvent queues one event for recording.
func (w *EventWriter) HandleEvent(topic string, event json.RawMessage) {
	payload := make(json.RawMessage, len(event))
	copy(payload, event)

	ok := w.queue.Push(Event{
		ID:         uuid.New(),
		Topic:      topic,
		ReceivedAt: time.Now(),
		Payload:    payload,
	})
	if !ok {
		w.logger.Debug("event dropped, queue full", "topic", topic)
	}
}

// Start begins consuming queued events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop closes the queue, waits for the consumer and flushes what remains
// using ctx.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping event writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for {
		w.fill()
		if len(w.batch) == 0 {
			break
		}
		w.flush(ctx)
	}

	w.logger.Info("event writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *EventWriter) Stats() Metrics {
	qs := w.queue.Stats()

	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.metrics
	m.Dropped = qs.Dropped
	m.Queued = qs.Count
	return m
}

// consumeLoop batches queued events, flushing on size and on interval.
func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.queue.Ready():
			for w.fill() {
				w.flush(w.ctx)
			}
		case <-ticker.C:
			w.fill()
			w.flush(w.ctx)
		}
	}
}

// fill moves queued events into the batch. It reports whether the batch is
// full.
func (w *EventWriter) fill() bool {
	if room := w.cfg.BatchSize - len(w.batch); room > 0 {
		w.batch = append(w.batch, w.queue.DrainTo(room)...)
	}
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database. A failed batch is
// dropped and counted.
func (w *EventWriter) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}

	batch := w.batch
	w.batch = make([]Event, 0, w.cfg.BatchSize)

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *EventWriter) batchInsert(ctx context.Context, rows []Event) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEventSQL, r.ID, r.Topic, r.ReceivedAt, r.Payload)
	}

	results := w.sink.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
