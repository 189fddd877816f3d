package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, recs []Record) error
}

// MetricsRecorder is an optional interface for collector observability.
type MetricsRecorder interface {
	SetCollectorBufferSize(n int)
	IncCollectorFlush(failed bool)
	ObserveCollectorFlushDuration(seconds float64)
	AddCollectorRecords(n int)
}

// Collector buffers reconciliation records in memory and periodically
// flushes them to the store in batches. It is safe for concurrent use.
// Recording never blocks the request path: records describe money the
// request path could not move, so persisting them is deliberately
// asynchronous and best-effort-with-logging.
type Collector struct {
	store         BatchInserter
	buffer        []Record
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	metrics       MetricsRecorder
}

// NewCollector creates a Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics attaches a metrics recorder. Must be called before Start.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start begins a background goroutine that flushes buffered records on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a reconciliation record to the buffer. If the buffer reaches
// batchSize, a flush is triggered immediately.
func (c *Collector) Record(rec Record) {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	buffered := len(c.buffer)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCollectorBufferSize(buffered)
	}

	if buffered >= c.batchSize {
		c.flush()
	}
}

// flush drains all buffered records and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Record, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if c.metrics != nil {
		c.metrics.SetCollectorBufferSize(0)
		c.metrics.IncCollectorFlush(err != nil)
		c.metrics.ObserveCollectorFlushDuration(time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("failed to flush reconciliation records", "count", len(batch), "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.AddCollectorRecords(len(batch))
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
