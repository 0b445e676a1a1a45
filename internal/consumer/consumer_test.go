package consumer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/ftrace/internal/consumer"
	"github.com/tripwire/ftrace/internal/filter"
	"github.com/tripwire/ftrace/internal/mcount"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct{ t uint64 }

func (c *fakeClock) Now() uint64 {
	c.t++
	return c.t
}

// fakeSink records every enqueued payload, a drop-in for a real netsink.Sink
// that avoids standing up a TCP listener and durable queue just to verify
// the consumer forwards what it drains.
type fakeSink struct {
	mu   sync.Mutex
	tids []int
}

func (s *fakeSink) Enqueue(_ context.Context, tid int, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tids = append(s.tids, tid)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tids)
}

func TestDrainWritesPerTidDatFiles(t *testing.T) {
	emptyFilter, err := filter.Compile("", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	eng := mcount.New(emptyFilter, &fakeClock{}, 4096)

	if _, err := eng.Entry(1, 0x1000, 0xdead, filter.TriggerState{}, mcount.RegSnapshot{}, nil); err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if _, err := eng.Exit(1, mcount.RegSnapshot{}, nil); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if _, err := eng.Entry(2, 0x2000, 0xbeef, filter.TriggerState{}, mcount.RegSnapshot{}, nil); err != nil {
		t.Fatalf("Entry: %v", err)
	}

	dir := t.TempDir()
	sink := &fakeSink{}
	c := consumer.New(eng, dir, sink, noopLogger(), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	c.Stop(context.Background())

	tids := c.TIDs()
	if len(tids) != 2 {
		t.Fatalf("TIDs = %v, want 2 entries", tids)
	}
	if tids[0] != 1 || tids[1] != 2 {
		t.Fatalf("TIDs = %v, want [1 2]", tids)
	}

	if c.RecordCount(1) != 2 { // entry + exit
		t.Fatalf("RecordCount(1) = %d, want 2", c.RecordCount(1))
	}
	if c.RecordCount(2) != 1 { // entry only
		t.Fatalf("RecordCount(2) = %d, want 1", c.RecordCount(2))
	}

	for _, tid := range tids {
		path := filepath.Join(dir, fmt.Sprintf("%d.dat", tid))
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty, expected encoded records", path)
		}
	}

	if sink.count() != 3 {
		t.Fatalf("sink received %d records, want 3", sink.count())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	emptyFilter, _ := filter.Compile("", nil)
	eng := mcount.New(emptyFilter, &fakeClock{}, 4096)
	c := consumer.New(eng, t.TempDir(), nil, noopLogger(), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	c.Stop(context.Background())
	c.Stop(context.Background()) // must not panic or block
}

