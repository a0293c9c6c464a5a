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

// Package executor runs routed queries against their backends: local
// single-server execution with bounded retry, and distributed
// scatter/gather across a server group. It owns the per-query timeout
// registry and the audit writes that bracket every execution.
package executor

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/audit"
	"querygate/proxy/pool"
	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

var (
	queriesExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_queries_executed_total",
		Help: "Backend executions, by server and outcome.",
	}, []string{"server", "outcome"})

	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_query_duration_ms",
		Help:    "Backend execution latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"server"})

	executorRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_executor_retries_total",
		Help: "Idempotent executions retried on another backend.",
	})
)

func init() {
	prometheus.MustRegister(queriesExecuted, queryDuration, executorRetries)
}

// PlanKind distinguishes single-backend and scatter/gather plans.
type PlanKind int

const (
	PlanLocal PlanKind = iota
	PlanDistributed
)

// Mode selects the distributed execution semantics.
type Mode string

const (
	// ModeReadAny runs on the single best-scored member, failing over
	// until one succeeds or the group is exhausted.
	ModeReadAny Mode = "read-any"
	// ModeWriteAll fans out to every active member and succeeds on
	// majority quorum.
	ModeWriteAll Mode = "write-all"
	// ModeBroadcast is write-all semantics for DDL and other statements.
	ModeBroadcast Mode = "broadcast"
)

// Plan is the router's decision for one request.
type Plan struct {
	Kind PlanKind

	// Local plans: the chosen backend plus ranked same-group alternates
	// for idempotent retry.
	Target     *pool.Backend
	Alternates []*pool.Backend

	// Distributed plans.
	Group   string
	Members []*pool.Backend
	Mode    Mode
}

// TargetName identifies the plan's destination for cache keys and audit
// rows: the backend alias, or "group:<name>" for distributed plans.
func (p *Plan) TargetName() string {
	if p.Kind == PlanDistributed {
		return "group:" + p.Group
	}
	return p.Target.Alias()
}

// Config tunes the executor.
type Config struct {
	DefaultMaxRows int // row cap when the request does not set one; default 10000
	MaxWorkers     int // distributed fan-out concurrency; default 8
	RetryLimit     int // idempotent retries on another backend; default 2
}

func (c *Config) applyDefaults() {
	if c.DefaultMaxRows <= 0 {
		c.DefaultMaxRows = 10000
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	} else if c.RetryLimit == 0 {
		c.RetryLimit = 2
	}
}

// Executor runs planned queries. All methods are safe for concurrent use.
type Executor struct {
	timeouts *TimeoutRegistry
	sink     *audit.Sink
	log      *logger.Logger
	cfg      Config

	active *activeTable
}

// New creates an executor. sink may be nil in tests; execution then skips
// the audit writes.
func New(timeouts *TimeoutRegistry, sink *audit.Sink, log *logger.Logger, cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		timeouts: timeouts,
		sink:     sink,
		log:      log,
		cfg:      cfg,
		active:   newActiveTable(),
	}
}

// Timeouts exposes the registry for the admin surface.
func (e *Executor) Timeouts() *TimeoutRegistry { return e.timeouts }

// Execute runs the plan and finalises the audit row exactly once with the
// outcome. The row must already have been begun by the caller; row may be
// nil when no audit trail is wanted (tests).
func (e *Executor) Execute(ctx context.Context, plan *Plan, req *types.QueryRequest, analysis sqltext.Analysis, row *audit.Row) (*types.QueryResult, error) {
	qid := uuid.New().String()
	if row != nil && row.ID != "" {
		qid = row.ID
	}

	timeout := e.timeouts.TimeoutFor(req.Principal.Role, req.Options.TimeoutSeconds)
	qctx, _ := e.timeouts.Register(ctx, qid, req.Principal.Username, req.Principal.Role, timeout)
	defer e.timeouts.Unregister(qid)

	start := time.Now()
	var res *types.QueryResult
	var err error
	if plan.Kind == PlanDistributed {
		res, err = e.executeDistributed(qctx, plan, req, analysis, qid)
	} else {
		res, err = e.executeLocal(qctx, plan, req, analysis)
	}

	e.finalize(row, res, err, time.Since(start), qid)
	return res, err
}

// finalize writes the terminal audit row. Cancellation reasons recorded by
// the registry (admin kill) win over the generic kind-derived reason.
func (e *Executor) finalize(row *audit.Row, res *types.QueryResult, err error, elapsed time.Duration, qid string) {
	if e.sink == nil || row == nil {
		return
	}
	if err == nil {
		e.sink.Finalize(row, audit.StatusSuccess, res.RowCount, elapsed.Milliseconds(), "")
		return
	}

	reason := types.KindOf(err).String()
	if reason == "cancelled" {
		if r := e.timeouts.Reason(qid); r != "" {
			reason = r
		} else {
			reason = "client_cancel"
		}
	}
	e.sink.Finalize(row, audit.StatusError, 0, elapsed.Milliseconds(), reason)
}

// executeLocal runs on the plan's target, retrying ranked alternates for
// idempotent statements when the failure is transient.
func (e *Executor) executeLocal(ctx context.Context, plan *Plan, req *types.QueryRequest, analysis sqltext.Analysis) (*types.QueryResult, error) {
	candidates := append([]*pool.Backend{plan.Target}, plan.Alternates...)
	idempotent := sqltext.Idempotent(analysis.Type, req.Options)

	attempts := 1
	if idempotent {
		attempts += e.cfg.RetryLimit
	}
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			executorRetries.Inc()
			e.log.Warn(req.Principal.Username, "", "Retrying on next backend", map[string]interface{}{
				"failed_server": candidates[i-1].Alias(),
				"next_server":   candidates[i].Alias(),
			})
		}
		res, err := e.runOnBackend(ctx, candidates[i], req, analysis)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !types.Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// runOnBackend executes one statement on one backend: acquire, run,
// release, record stats. It never writes audit rows; the caller owns the
// request-level trail.
func (e *Executor) runOnBackend(ctx context.Context, b *pool.Backend, req *types.QueryRequest, analysis sqltext.Analysis) (*types.QueryResult, error) {
	query, args, err := bindNamed(req.QueryText, req.Params, b.Engine())
	if err != nil {
		return nil, err
	}

	lease, err := b.Pool().Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *types.QueryResult
	if analysis.Type == types.QuerySelect {
		res, err = e.queryRows(ctx, lease.Conn(), query, args, e.maxRows(req))
	} else {
		res, err = e.execStatement(ctx, lease.Conn(), query, args)
	}
	elapsed := time.Since(start)

	// A cancelled or errored connection may hold driver state mid-result;
	// discard it rather than recycle.
	b.Pool().Release(lease, err == nil)
	b.RecordOutcome(elapsed, err != nil)
	queryDuration.WithLabelValues(b.Alias()).Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		queriesExecuted.WithLabelValues(b.Alias(), "error").Inc()
		return nil, wrapBackendErr(ctx, err, b.Alias())
	}
	queriesExecuted.WithLabelValues(b.Alias(), "success").Inc()

	res.QueryType = analysis.Type
	res.ServerAlias = b.Alias()
	res.Duration = elapsed
	return res, nil
}

func (e *Executor) maxRows(req *types.QueryRequest) int {
	if req.Options.MaxRows != nil {
		if *req.Options.MaxRows < 0 {
			return 0
		}
		return *req.Options.MaxRows
	}
	return e.cfg.DefaultMaxRows
}

// queryRows collects columns and up to maxRows rows. maxRows of zero
// still returns the column set with an empty row slice.
func (e *Executor) queryRows(ctx context.Context, conn *sql.Conn, query string, args []interface{}, maxRows int) (*types.QueryResult, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &types.QueryResult{
		Columns: columns,
		Rows:    make([][]interface{}, 0),
	}
	for len(out.Rows) < maxRows && rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// Drivers hand text columns back as []byte; results cross a
			// JSON boundary, so normalise to string.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

func (e *Executor) execStatement(ctx context.Context, conn *sql.Conn, query string, args []interface{}) (*types.QueryResult, error) {
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		// Some engines cannot report affected counts for DDL.
		affected = 0
	}
	return &types.QueryResult{
		Columns:      []string{},
		Rows:         [][]interface{}{},
		AffectedRows: affected,
		RowCount:     int(affected),
	}, nil
}

// wrapBackendErr classifies a driver error, letting context outcomes keep
// their Timeout/Cancelled kinds.
func wrapBackendErr(ctx context.Context, err error, alias string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.WrapError(types.KindTimeout, "query deadline exceeded", err).WithServer(alias)
	}
	if ctx.Err() == context.Canceled {
		return types.WrapError(types.KindCancelled, "query cancelled", err).WithServer(alias)
	}
	return types.WrapError(types.KindBackend, "query failed", err).WithServer(alias)
}
