// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit persists the append-only query log and feeds finalised
// rows to the anomaly detector over a one-way pipeline.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/shared/logger"
)

// Status is the lifecycle state of an audit row. A row is written pending
// on entry and flipped to exactly one terminal status on exit.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Row is one audit record. It is immutable once finalised.
type Row struct {
	ID            string
	User          string
	Role          string
	ClientIP      string
	QueryText     string
	QueryHash     string
	Server        string
	Status        Status
	Rows          int
	ExecMs        int64
	Reason        string
	DistributedID string
	StartedAt     time.Time
	CompletedAt   time.Time

	finalized int32
}

var (
	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_audit_queue_depth",
		Help: "Number of finalised audit rows waiting for the batch writer.",
	})
	auditDirectWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_audit_direct_writes_total",
		Help: "Finalised rows written synchronously because the queue was full.",
	})
	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_audit_write_failures_total",
		Help: "Audit writes that failed after retries.",
	})
)

func init() {
	prometheus.MustRegister(auditQueueDepth, auditDirectWrites, auditWriteFailures)
}

// SinkConfig tunes the sink's batching behaviour. Zero values select the
// defaults.
type SinkConfig struct {
	QueueSize     int           // default 10000
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 10s
	WriteRetries  int           // default 3
}

func (c *SinkConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = 3
	}
}

// Sink owns the audit writers. Begin inserts the pending row synchronously;
// Finalize enqueues the terminal update for the batch writer so the request
// path is never blocked on batching. Finalised rows are forwarded on the
// Finalized channel after their update is written.
type Sink struct {
	db  *sql.DB
	cfg SinkConfig
	log *logger.Logger

	queue      chan *Row
	out        chan *Row
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	pendingWrites int64
	finalWrites   int64
	failures      int64
}

// NewSink creates the audit schema if needed and starts the batch writer.
func NewSink(db *sql.DB, log *logger.Logger, cfg SinkConfig) (*Sink, error) {
	cfg.applyDefaults()
	s := &Sink{
		db:         db,
		cfg:        cfg,
		log:        log,
		queue:      make(chan *Row, cfg.QueueSize),
		out:        make(chan *Row, cfg.QueueSize),
		shutdownCh: make(chan struct{}),
	}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	s.wg.Add(1)
	go s.processQueue()

	return s, nil
}

func (s *Sink) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY,
			username TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			query_text TEXT NOT NULL,
			query_hash TEXT NOT NULL,
			server TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			rows_returned INTEGER NOT NULL DEFAULT 0,
			execution_ms BIGINT NOT NULL DEFAULT 0,
			error_reason TEXT NOT NULL DEFAULT '',
			distributed_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_username ON audit_log(username)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_query_hash ON audit_log(query_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_status ON audit_log(status)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_started_at ON audit_log(started_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin writes the pending row. It must be called before the query
// executes; the insert is synchronous and cheap (single statement).
func (s *Sink) Begin(ctx context.Context, row *Row) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	}
	row.Status = StatusPending

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, username, role, client_ip, query_text, query_hash, server, status, distributed_id, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.User, row.Role, row.ClientIP, row.QueryText, row.QueryHash,
		row.Server, row.Status, row.DistributedID, row.StartedAt)
	if err != nil {
		return fmt.Errorf("writing pending audit row: %w", err)
	}
	atomic.AddInt64(&s.pendingWrites, 1)
	return nil
}

// Finalize records the terminal status for a row begun with Begin. Repeat
// calls for the same row are ignored so every request finalises exactly
// once even on overlapping error paths.
func (s *Sink) Finalize(row *Row, status Status, rows int, execMs int64, reason string) {
	if row == nil || !atomic.CompareAndSwapInt32(&row.finalized, 0, 1) {
		return
	}
	row.Status = status
	row.Rows = rows
	row.ExecMs = execMs
	row.Reason = reason
	row.CompletedAt = time.Now().UTC()

	select {
	case s.queue <- row:
		auditQueueDepth.Set(float64(len(s.queue)))
	default:
		// Queue full: write synchronously rather than lose the row.
		auditDirectWrites.Inc()
		if err := s.writeFinal([]*Row{row}); err == nil {
			s.forward(row)
		}
	}
}

// Finalized returns the channel of rows whose terminal write has been
// committed. The anomaly detector consumes it; the channel is closed when
// the sink shuts down.
func (s *Sink) Finalized() <-chan *Row {
	return s.out
}

// Stats reports sink counters for the health endpoint.
func (s *Sink) Stats() map[string]int64 {
	return map[string]int64{
		"pending_writes": atomic.LoadInt64(&s.pendingWrites),
		"final_writes":   atomic.LoadInt64(&s.finalWrites),
		"write_failures": atomic.LoadInt64(&s.failures),
		"queued":         int64(len(s.queue)),
	}
}

func (s *Sink) processQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Row, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeFinal(batch); err != nil {
			s.log.ErrorWithErr("", "", "Audit batch write failed", err,
				map[string]interface{}{"batch_size": len(batch)})
		} else {
			for _, row := range batch {
				s.forward(row)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-s.queue:
			auditQueueDepth.Set(float64(len(s.queue)))
			batch = append(batch, row)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdownCh:
			// Drain whatever is queued, flush, and close the pipeline.
			for {
				select {
				case row := <-s.queue:
					batch = append(batch, row)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					close(s.out)
					return
				}
			}
		}
	}
}

// writeFinal commits a batch of terminal updates in one transaction. The
// status guard in the UPDATE keeps the pending -> terminal transition
// single-shot even if a row is ever enqueued twice.
func (s *Sink) writeFinal(rows []*Row) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if lastErr = s.tryWriteFinal(rows); lastErr == nil {
			atomic.AddInt64(&s.finalWrites, int64(len(rows)))
			return nil
		}
	}
	atomic.AddInt64(&s.failures, int64(len(rows)))
	auditWriteFailures.Add(float64(len(rows)))
	return lastErr
}

func (s *Sink) tryWriteFinal(rows []*Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning audit transaction: %w", err)
	}

	stmt, err := tx.Prepare(
		`UPDATE audit_log
		 SET status = $1, rows_returned = $2, execution_ms = $3, error_reason = $4, completed_at = $5
		 WHERE id = $6 AND status = 'pending'`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing audit update: %w", err)
	}

	for _, row := range rows {
		if _, err := stmt.Exec(row.Status, row.Rows, row.ExecMs, row.Reason, row.CompletedAt, row.ID); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("updating audit row %s: %w", row.ID, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (s *Sink) forward(row *Row) {
	select {
	case s.out <- row:
	default:
		// The detector has fallen behind; dropping here keeps the audit
		// path non-blocking. The row itself is already persisted.
		s.log.Warn("", row.ID, "Anomaly pipeline full, dropping forwarded row", nil)
	}
}

// Close flushes queued writes and stops the writer. It returns once the
// writer has exited or ctx expires.
func (s *Sink) Close(ctx context.Context) error {
	close(s.shutdownCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink shutdown: %w", ctx.Err())
	}
}
