// Package consumer drains every traced thread's ring buffer, persists the
// decoded records to per-tid *.dat files under the trace output directory,
// and forwards the same bytes to the network sink when configured. The
// Postgres metadata sidecar is written by cmd/ftrace, which reads the
// per-thread RecordCount from here. It follows the same poll-loop shape as the
// teacher's filesystem watcher (internal/watcher.FileWatcher): a ticker
// driving a periodic scan, a done channel and sync.Once making Stop
// idempotent, and a final drain pass on shutdown so nothing buffered at the
// last tick is lost.
package consumer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tripwire/ftrace/internal/mcount"
	"github.com/tripwire/ftrace/internal/record"
)

// DefaultDrainInterval is the frequency at which the consumer polls every
// thread's ring for newly written records. 10 ms keeps worst-case ring
// growth well inside a typical 128 KiB ring's capacity for all but the
// highest-frequency call sites.
const DefaultDrainInterval = 10 * time.Millisecond

// Sink is the subset of netsink.Sink the consumer depends on, so a test can
// substitute a lightweight fake without standing up a real TCP listener and
// durable queue.
type Sink interface {
	Enqueue(ctx context.Context, tid int, payload []byte) error
}

// threadWriter owns the open *.dat file for one tid.
type threadWriter struct {
	tid   int
	f     *os.File
	bw    *bufio.Writer
	count int64
}

// Consumer drains engine's per-thread rings on a timer and persists the
// decoded byte stream to disk, optionally mirroring it to a network sink.
type Consumer struct {
	engine    *mcount.Engine
	outputDir string
	sink      Sink
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	writers map[int]*threadWriter

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Consumer draining engine into per-tid *.dat files under
// outputDir. sink may be nil, in which case records are persisted to disk
// only. interval of zero uses DefaultDrainInterval.
func New(engine *mcount.Engine, outputDir string, sink Sink, logger *slog.Logger, interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Consumer{
		engine:    engine,
		outputDir: outputDir,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		writers:   make(map[int]*threadWriter),
		done:      make(chan struct{}),
	}
}

// Start begins the background drain loop. It returns immediately; the
// goroutine runs until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the drain loop to exit, waits for it, and performs one final
// drain pass so records written between the last tick and shutdown are not
// lost, then closes every open *.dat file. Safe to call more than once.
func (c *Consumer) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.drainOnce(ctx)
		c.closeWriters()
	})
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

// drainRecord is one decoded record tagged with the thread it came from, the
// unit the ring merge orders by (Timestamp, TID).
type drainRecord struct {
	tid     int
	header  record.Header
	payload *record.Payload
	raw     []byte
}

// drainOnce reads every available record from every known thread's ring,
// appends it to that thread's *.dat file, and forwards the merged,
// timestamp-ordered stream to the network sink if one is configured.
func (c *Consumer) drainOnce(ctx context.Context) {
	threads := c.engine.Threads()
	if len(threads) == 0 {
		return
	}

	var merged []drainRecord
	for _, th := range threads {
		for {
			h, payload, ok := th.Ring.ReadOne()
			if !ok {
				break
			}
			raw := h.Encode(nil)
			if payload != nil {
				raw = payload.Encode(raw)
			}
			merged = append(merged, drainRecord{tid: th.TID, header: h, payload: payload, raw: raw})
		}
	}
	if len(merged) == 0 {
		return
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].header.Timestamp != merged[j].header.Timestamp {
			return merged[i].header.Timestamp < merged[j].header.Timestamp
		}
		return merged[i].tid < merged[j].tid
	})

	for _, r := range merged {
		if err := c.appendToDat(r.tid, r.raw); err != nil {
			c.logger.Error("consumer: write dat file failed", slog.Int("tid", r.tid), slog.Any("error", err))
			continue
		}
		if c.sink != nil {
			if err := c.sink.Enqueue(ctx, r.tid, r.raw); err != nil {
				c.logger.Warn("consumer: enqueue to network sink failed", slog.Int("tid", r.tid), slog.Any("error", err))
			}
		}
	}
}

// appendToDat writes raw to tid's *.dat file, opening it lazily on first
// use and flushing after every write so a crash leaves a readable prefix.
func (c *Consumer) appendToDat(tid int, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.writers[tid]
	if !ok {
		f, err := os.Create(filepath.Join(c.outputDir, fmt.Sprintf("%d.dat", tid)))
		if err != nil {
			return fmt.Errorf("consumer: create %d.dat: %w", tid, err)
		}
		w = &threadWriter{tid: tid, f: f, bw: bufio.NewWriter(f)}
		c.writers[tid] = w
	}

	if _, err := w.bw.Write(raw); err != nil {
		return fmt.Errorf("consumer: write %d.dat: %w", tid, err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("consumer: flush %d.dat: %w", tid, err)
	}
	w.count++
	return nil
}

// RecordCount returns how many records have been written to tid's *.dat
// file so far, or 0 if tid has not been seen.
func (c *Consumer) RecordCount(tid int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.writers[tid]; ok {
		return w.count
	}
	return 0
}

// TIDs returns every thread id the consumer has opened a *.dat file for, in
// ascending order.
func (c *Consumer) TIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.writers))
	for tid := range c.writers {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

func (c *Consumer) closeWriters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tid, w := range c.writers {
		if err := w.f.Close(); err != nil {
			c.logger.Warn("consumer: close dat file failed", slog.Int("tid", tid), slog.Any("error", err))
		}
	}
}
