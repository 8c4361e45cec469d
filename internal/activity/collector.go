package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist entries.
type BatchInserter interface {
	BatchInsert(ctx context.Context, entries []Entry) error
}

// Observer receives collector statistics. *metrics.Metrics implements it.
type Observer interface {
	SetActivityBuffer(n int)
	ObserveActivityFlush(count int, d time.Duration, err error)
}

// Collector buffers entries in memory and flushes them to the store in
// batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	observer      Observer
	buffer        []Entry
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewCollector creates a Collector that flushes when the buffer reaches
// batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		now:           time.Now,
	}
}

// SetObserver attaches a metrics observer.
func (c *Collector) SetObserver(o Observer) {
	c.observer = o
}

// Start flushes buffered entries on a timer. It blocks until Stop is called
// or the context is cancelled, then performs a final flush.
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

// Record adds an entry to the buffer, stamping CreatedAt if unset. Reaching
// batchSize triggers an immediate flush.
func (c *Collector) Record(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	n := len(c.buffer)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SetActivityBuffer(n)
	}
	if n >= c.batchSize {
		c.flush()
	}
}

// Flush writes out whatever is buffered.
func (c *Collector) Flush() {
	c.flush()
}

// flush drains the buffer into the store. Errors are logged, never returned;
// the activity log is best-effort and must not fail ledger operations.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Entry, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		slog.Error("failed to flush activity entries", "count", len(batch), "error", err)
	}
	if c.observer != nil {
		c.observer.ObserveActivityFlush(len(batch), time.Since(start), err)
		c.observer.SetActivityBuffer(c.buffered())
	}
}

func (c *Collector) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Stop signals Start to return after a final flush. It is safe to call more
// than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
