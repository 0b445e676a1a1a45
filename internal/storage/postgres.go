// Package storage is the optional trace database sidecar: a batched
// PostgreSQL mirror of session/module/thread metadata, grounded on the
// teacher's pgx/v5 alert store (internal/server/storage.Store) with the
// alert-specific schema replaced by the tracer's own metadata model. It is
// never on the recording hot path — only the UpsertSession/WriteThread
// calls cmd/ftrace makes at session start and end flow through here, with
// thread rows batched exactly like the teacher batches alert inserts.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of buffered rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Session is one row of trace-session metadata.
type Session struct {
	SessionID   string
	Binary      string
	BuildID     string
	Pid         int
	StartedAt   time.Time
	FinishedAt  *time.Time
	ExitStatus  *int
	RecordCount int64
}

// Thread is one row of per-thread metadata, mirroring the sidecar's
// task.txt entries but durable across restarts.
type Thread struct {
	SessionID   string
	TID         int
	ParentTID   int
	FirstSeenAt time.Time
	RecordCount int64
}

// Store is the PostgreSQL-backed metadata sidecar. Session upserts are
// applied immediately; thread rows are batched like the teacher batches
// alert inserts, since a busy trace can touch thousands of threads.
type Store struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []Thread
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Thread, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered rows, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// UpsertSession inserts or updates a session's metadata row; on conflict it
// updates finished_at, exit_status and record_count. cmd/ftrace calls it
// once, at session start, so those three columns keep their initial values.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions
			(session_id, binary, build_id, pid, started_at, finished_at, exit_status, record_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			finished_at  = EXCLUDED.finished_at,
			exit_status  = EXCLUDED.exit_status,
			record_count = EXCLUDED.record_count`,
		sess.SessionID, sess.Binary, sess.BuildID, sess.Pid,
		sess.StartedAt, sess.FinishedAt, sess.ExitStatus, sess.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// WriteThread enqueues a thread row for deferred batch insertion, flushing
// synchronously once the buffer reaches batchSize so callers observe
// back-pressure instead of unbounded memory growth.
func (s *Store) WriteThread(ctx context.Context, th Thread) error {
	s.mu.Lock()
	s.batch = append(s.batch, th)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current thread buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// overwrite the prior row with the latest record_count (idempotent replay
// support, mirroring the teacher's batch-insert Flush).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Thread, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO threads
			(session_id, tid, parent_tid, first_seen_at, record_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, tid) DO UPDATE SET
			record_count = EXCLUDED.record_count`

	b := &pgx.Batch{}
	for i := range toInsert {
		th := &toInsert[i]
		b.Queue(query, th.SessionID, th.TID, th.ParentTID, th.FirstSeenAt, th.RecordCount)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec thread: %w", err)
		}
	}
	return nil
}

// SessionQuery selects sessions by an optional binary-name filter within a
// started_at window.
type SessionQuery struct {
	Binary string
	From   time.Time
	To     time.Time
	Limit  int
}

// QuerySessions returns sessions matching q, ordered by started_at DESC.
func (s *Store) QuerySessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit}
	where := "WHERE started_at >= $1 AND started_at < $2"
	if q.Binary != "" {
		where += " AND binary = $4"
		args = append(args, q.Binary)
	}

	sql := fmt.Sprintf(`
		SELECT session_id, binary, build_id, pid, started_at, finished_at, exit_status, record_count
		FROM   sessions
		%s
		ORDER  BY started_at DESC
		LIMIT  $3`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.SessionID, &sess.Binary, &sess.BuildID, &sess.Pid,
			&sess.StartedAt, &sess.FinishedAt, &sess.ExitStatus, &sess.RecordCount,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
