package mutation

import (
	"sync"
	"time"
)

// BatcherConfig controls how records are grouped before reporting.
type BatcherConfig struct {
	PageID string
	// Window is the quiet period after the last record. Default: 250ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many records accumulate. Default: 200.
	MaxBuffer int
}

func (c *BatcherConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 250 * time.Millisecond
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 200
	}
}

// Batcher collects records and emits compressed Batches once the user
// pauses or the buffer fills.
type Batcher struct {
	cfg     BatcherConfig
	flushFn func(Batch)

	mu      sync.Mutex
	records []Record
	timer   *time.Timer
	seq     uint64
}

// NewBatcher creates a Batcher. flush is called from a timer goroutine or
// from Add/Flush; it must not call back into the Batcher.
func NewBatcher(cfg BatcherConfig, flush func(Batch)) *Batcher {
	cfg.defaults()
	return &Batcher{
		cfg:     cfg,
		flushFn: flush,
		records: make([]Record, 0, cfg.MaxBuffer),
	}
}

// Add buffers rec and restarts the window. It returns true when the buffer
// was full and an immediate flush happened.
func (b *Batcher) Add(rec Record) bool {
	b.mu.Lock()
	b.records = append(b.records, rec)
	if len(b.records) >= b.cfg.MaxBuffer {
		batch, ok := b.take()
		b.mu.Unlock()
		if ok {
			b.flushFn(batch)
		}
		return true
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Window, b.Flush)
	b.mu.Unlock()
	return false
}

// Flush emits whatever is buffered now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch, ok := b.take()
	b.mu.Unlock()
	if ok {
		b.flushFn(batch)
	}
}

// take compresses and removes the buffered records. Caller holds mu.
func (b *Batcher) take() (Batch, bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.records) == 0 {
		return Batch{}, false
	}
	recs := make([]Record, len(b.records))
	copy(recs, b.records)
	b.records = b.records[:0]
	b.seq++
	return Batch{PageID: b.cfg.PageID, Seq: b.seq, Records: Compress(recs)}, true
}
