package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is a destination for flushed spend events. It exists to
// allow testing without a real database or broker.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []SpendEvent) error
}

// Collector buffers spend events in memory and periodically flushes them to
// every sink in batches. Recording never blocks on I/O; persistence
// failures are logged and the batch is dropped. It is safe for concurrent
// use.
type Collector struct {
	sinks         []BatchInserter
	buffer        []SpendEvent
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	flushTimeout  time.Duration
	onFailure     func()
	done          chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a new Collector that flushes to the given sinks when
// the buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(batchSize int, flushInterval, flushTimeout time.Duration, sinks ...BatchInserter) *Collector {
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &Collector{
		sinks:         sinks,
		buffer:        make([]SpendEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushTimeout:  flushTimeout,
		done:          make(chan struct{}),
	}
}

// OnFailure registers a callback invoked once per failed sink write.
func (c *Collector) OnFailure(fn func()) {
	c.onFailure = fn
}

// Start begins a background goroutine that flushes buffered events on a
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

// Record adds an event to the buffer. If the buffer reaches batchSize, a
// flush runs in the background.
func (c *Collector) Record(ev SpendEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		go c.flush()
	}
}

// flush drains all buffered events and writes them to each sink. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]SpendEvent, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
	defer cancel()

	for _, sink := range c.sinks {
		if err := sink.BatchInsert(ctx, batch); err != nil {
			slog.Error("failed to flush spend events", "count", len(batch), "error", err)
			if c.onFailure != nil {
				c.onFailure()
			}
		}
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
