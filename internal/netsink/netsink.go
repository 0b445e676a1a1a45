// Package netsink streams framed record batches to a remote collector over
// plain TCP, reconnecting with exponential backoff exactly like the
// teacher's gRPC transport client (internal/transport.GRPCTransport):
// the same connectLoop/backoff.NewExponentialBackOff shape, retargeted
// from an mTLS gRPC bidirectional stream to the tracer's length-prefixed
// wire format (§6 "Wire format for network mode"). Batches that cannot be
// delivered while the collector is unreachable are persisted to the local
// durable queue (package queue) and redelivered once the connection comes
// back, giving the same at-least-once guarantee the teacher's alert queue
// gives the dashboard.
package netsink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tripwire/ftrace/internal/queue"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 10 * time.Second

	// drainBatchSize bounds how many queued batches a single reconnect
	// drains before yielding back to the select loop, so a huge backlog
	// doesn't starve shutdown signals.
	drainBatchSize = 64
)

// Config holds the network sink's configuration.
type Config struct {
	// Addr is the remote collector's "host:port" TCP address. Required.
	Addr string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the sink waits for the TCP dial to
	// complete on each connection attempt. Defaults to 10 seconds when
	// zero.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Sink streams record batches to a remote collector, reconnecting with
// exponential backoff and durably queuing batches while disconnected.
type Sink struct {
	cfg    Config
	logger *slog.Logger
	q      *queue.SQLiteQueue

	mu   sync.Mutex
	conn net.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sink that delivers to cfg.Addr and durably queues
// undelivered batches in q.
func New(cfg Config, q *queue.SQLiteQueue, logger *slog.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{cfg: cfg, q: q, logger: logger}
}

// Start launches the background connect/drain loop. It returns
// immediately; all connectivity failures are retried internally.
func (s *Sink) Start(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.connectLoop(connectCtx)
}

// Stop cancels the connect loop and waits for it to exit. Safe to call
// more than once.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enqueue persists a record batch for delivery, tagging it with a fresh
// UUID for collector-side idempotent dedup. It never blocks on the
// network; delivery happens asynchronously from the durable queue.
func (s *Sink) Enqueue(ctx context.Context, tid int, payload []byte) error {
	return s.q.Enqueue(ctx, queue.Batch{
		BatchID: uuid.New().String(),
		TID:     tid,
		Payload: payload,
	})
}

// connectLoop runs until ctx is cancelled, reconnecting with exponential
// backoff between each failed or dropped connection, mirroring
// transport.GRPCTransport.connectLoop.
func (s *Sink) connectLoop(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("netsink: connecting", slog.String("addr", s.cfg.Addr))
		wasConnected, err := s.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}
		if err != nil {
			s.logger.Warn("netsink: connection ended", slog.Any("error", err), slog.String("addr", s.cfg.Addr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Error("netsink: backoff exhausted; giving up")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect dials the collector once and drains the durable queue until the
// connection drops or ctx is cancelled.
func (s *Sink) connect(ctx context.Context) (wasConnected bool, err error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("netsink: connected", slog.String("addr", s.cfg.Addr))

	err = s.drainLoop(ctx, conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	return true, err
}

// drainLoop repeatedly dequeues pending batches and writes them to conn
// until the queue is empty, at which point it polls on an interval; it
// returns when ctx is cancelled or a write fails.
func (s *Sink) drainLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pending, err := s.q.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}

		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				continue
			}
		}

		var acked []int64
		for _, pb := range pending {
			if err := writeFrame(conn, pb.Payload); err != nil {
				// Leave unacked batches in the queue; they're
				// redelivered on the next connection.
				if len(acked) > 0 {
					_ = s.q.Ack(ctx, acked)
				}
				return fmt.Errorf("write batch %s: %w", pb.BatchID, err)
			}
			acked = append(acked, pb.ID)
		}
		if err := s.q.Ack(ctx, acked); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
}

// writeFrame writes payload to w prefixed with its length as a big-endian
// uint32, the length-prefixed framing named in §6's "Wire format for
// network mode".
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r, the collector-side
// counterpart of writeFrame. Exported so a collector implementation or
// test harness can decode what the sink writes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
