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

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/audit"
	"querygate/proxy/pool"
	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *pool.Registry) {
	t.Helper()
	log := logger.New("executor-test")
	reg := pool.NewRegistry(log, nil)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return New(NewTimeoutRegistry(DefaultRoleTimeouts(), log), nil, log, cfg), reg
}

func newExecBackend(t *testing.T, reg *pool.Registry, cfg pool.BackendConfig) (*pool.Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	if cfg.Database == "" {
		cfg.Database = "testdb"
	}
	b, err := reg.RegisterOpened(cfg, db)
	require.NoError(t, err)
	return b, mock
}

func selectRequest(query string) *types.QueryRequest {
	return &types.QueryRequest{
		QueryText: query,
		Principal: types.Principal{Username: "alice", Role: "analyst"},
	}
}

func TestExecuteLocalSelect(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	mock.ExpectQuery("select \\* from users").WillReturnRows(
		sqlmock.NewRows([]string{"id", "email"}).
			AddRow(1, []byte("alice@example.com")).
			AddRow(2, []byte("bob@example.com")))

	req := selectRequest("select * from users")
	res, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "email"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	// Driver []byte cells are normalised to string for the JSON boundary.
	assert.Equal(t, "alice@example.com", res.Rows[0][1])
	assert.Equal(t, types.QuerySelect, res.QueryType)
	assert.Equal(t, "primary", res.ServerAlias)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteLocalMaxRowsCap(t *testing.T) {
	e, reg := newTestExecutor(t, Config{DefaultMaxRows: 2})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	rows := sqlmock.NewRows([]string{"n"})
	for i := 0; i < 5; i++ {
		rows.AddRow(i)
	}
	mock.ExpectQuery("select n from seq").WillReturnRows(rows)

	req := selectRequest("select n from seq")
	res, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
}

// An explicit zero row cap returns the column set with no rows.
func TestExecuteLocalExplicitZeroRows(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	mock.ExpectQuery("select n from seq").WillReturnRows(
		sqlmock.NewRows([]string{"n"}).AddRow(1))

	zero := 0
	req := selectRequest("select n from seq")
	req.Options.MaxRows = &zero
	res, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Empty(t, res.Rows)
}

func TestExecuteLocalWrite(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	mock.ExpectExec("update users set").WillReturnResult(sqlmock.NewResult(0, 3))

	req := selectRequest("update users set active = false where last_seen < now()")
	res, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.AffectedRows)
	assert.Equal(t, 3, res.RowCount)
}

func TestExecuteBindErrorBeforeAcquire(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	req := selectRequest("select * from users where id = :id")
	_, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet(), "no backend call may happen on a bind error")
}

func TestExecuteLocalRetriesOnAlternate(t *testing.T) {
	e, reg := newTestExecutor(t, Config{RetryLimit: 2})
	target, targetMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "replica-1", Group: "readers"})
	alt, altMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "replica-2", Group: "readers"})

	targetMock.ExpectQuery("select \\* from users").WillReturnError(errors.New("connection reset"))
	altMock.ExpectQuery("select \\* from users").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(1))

	req := selectRequest("select * from users")
	res, err := e.Execute(context.Background(), &Plan{Target: target, Alternates: []*pool.Backend{alt}}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, "replica-2", res.ServerAlias)
	require.NoError(t, targetMock.ExpectationsWereMet())
	require.NoError(t, altMock.ExpectationsWereMet())
}

// Writes are not idempotent; a backend failure must not run the statement
// a second time elsewhere.
func TestExecuteLocalNoRetryForWrites(t *testing.T) {
	e, reg := newTestExecutor(t, Config{RetryLimit: 2})
	target, targetMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "p1", Group: "writers"})
	alt, altMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "p2", Group: "writers"})

	targetMock.ExpectExec("insert into events").WillReturnError(errors.New("disk full"))

	req := selectRequest("insert into events (kind) values ('x')")
	_, err := e.Execute(context.Background(), &Plan{Target: target, Alternates: []*pool.Backend{alt}}, req, sqltext.Analyze(req.QueryText), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindBackend, types.KindOf(err))
	require.NoError(t, targetMock.ExpectationsWereMet())
	require.NoError(t, altMock.ExpectationsWereMet())
}

// Idempotent writes opt in to failover explicitly.
func TestExecuteLocalIdempotentWriteRetries(t *testing.T) {
	e, reg := newTestExecutor(t, Config{RetryLimit: 2})
	target, targetMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "p1", Group: "writers"})
	alt, altMock := newExecBackend(t, reg, pool.BackendConfig{Alias: "p2", Group: "writers"})

	targetMock.ExpectExec("delete from sessions").WillReturnError(errors.New("connection reset"))
	altMock.ExpectExec("delete from sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	req := selectRequest("delete from sessions where id = 'abc'")
	req.Options.Idempotent = true
	res, err := e.Execute(context.Background(), &Plan{Target: target, Alternates: []*pool.Backend{alt}}, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AffectedRows)
	require.NoError(t, altMock.ExpectationsWereMet())
}

func TestExecuteDeadline(t *testing.T) {
	log := logger.New("executor-test")
	reg := pool.NewRegistry(log, nil)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	e := New(NewTimeoutRegistry(RoleTimeouts{Default: 50 * time.Millisecond}, log), nil, log, Config{})

	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})
	mock.ExpectQuery("select pg_sleep").
		WillDelayFor(500 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}))

	req := selectRequest("select pg_sleep(10)")
	_, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestExecuteCancelByAdmin(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b, mock := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	mock.ExpectQuery("select pg_sleep").
		WillDelayFor(5 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}))

	row := &audit.Row{ID: "q-cancel"}
	req := selectRequest("select pg_sleep(60)")

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), &Plan{Target: b}, req, sqltext.Analyze(req.QueryText), row)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(e.Timeouts().List()) == 1
	}, time.Second, time.Millisecond)
	require.True(t, e.Timeouts().Cancel("q-cancel", "admin_cancel"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, types.KindCancelled, types.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled query did not return")
	}
}

func TestWriteAllQuorum(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b1, m1 := newExecBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards"})
	b2, m2 := newExecBackend(t, reg, pool.BackendConfig{Alias: "s2", Group: "shards"})

	m1.ExpectExec("update counters").WillReturnResult(sqlmock.NewResult(0, 4))
	m2.ExpectExec("update counters").WillReturnError(errors.New("disk full"))

	plan := &Plan{
		Kind:    PlanDistributed,
		Group:   "shards",
		Members: []*pool.Backend{b1, b2},
		Mode:    ModeWriteAll,
	}
	req := selectRequest("update counters set n = n + 1")
	res, err := e.Execute(context.Background(), plan, req, sqltext.Analyze(req.QueryText), nil)

	// One of two is a majority; the gather succeeds with a partial failure
	// reported in the distribution summary.
	require.NoError(t, err)
	require.NotNil(t, res.Distribution)
	assert.Equal(t, string(ModeWriteAll), res.Distribution.Strategy)
	assert.Equal(t, 2, res.Distribution.ServersTotal)
	assert.Equal(t, 1, res.Distribution.ServersSucceeded)
	assert.Equal(t, 1, res.Distribution.ServersFailed)
	assert.Equal(t, int64(4), res.AffectedRows)
}

func TestWriteAllQuorumFailure(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b1, m1 := newExecBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards"})
	b2, m2 := newExecBackend(t, reg, pool.BackendConfig{Alias: "s2", Group: "shards"})

	m1.ExpectExec("update counters").WillReturnError(errors.New("down"))
	m2.ExpectExec("update counters").WillReturnError(errors.New("down"))

	plan := &Plan{
		Kind:    PlanDistributed,
		Group:   "shards",
		Members: []*pool.Backend{b1, b2},
		Mode:    ModeWriteAll,
	}
	req := selectRequest("update counters set n = n + 1")
	res, err := e.Execute(context.Background(), plan, req, sqltext.Analyze(req.QueryText), nil)

	require.Error(t, err)
	assert.Equal(t, types.KindBackend, types.KindOf(err))
	// The failed gather still carries the distribution summary.
	require.NotNil(t, res)
	require.NotNil(t, res.Distribution)
	assert.Equal(t, 0, res.Distribution.ServersSucceeded)
	assert.Equal(t, 2, res.Distribution.ServersFailed)
}

func TestReadAnyFailsOver(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	// Higher weight ranks first while scores are level.
	b1, m1 := newExecBackend(t, reg, pool.BackendConfig{Alias: "r1", Group: "readers", Weight: 10})
	b2, m2 := newExecBackend(t, reg, pool.BackendConfig{Alias: "r2", Group: "readers", Weight: 1})

	m1.ExpectQuery("select \\* from users").WillReturnError(errors.New("connection refused"))
	m2.ExpectQuery("select \\* from users").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(1))

	plan := &Plan{
		Kind:    PlanDistributed,
		Group:   "readers",
		Members: []*pool.Backend{b1, b2},
		Mode:    ModeReadAny,
	}
	req := selectRequest("select * from users")
	res, err := e.Execute(context.Background(), plan, req, sqltext.Analyze(req.QueryText), nil)
	require.NoError(t, err)
	assert.Equal(t, "r2", res.ServerAlias)
	require.NotNil(t, res.Distribution)
	assert.Equal(t, string(ModeReadAny), res.Distribution.Strategy)
	assert.Equal(t, 1, res.Distribution.ServersSucceeded)
	assert.Equal(t, 1, res.Distribution.ServersFailed)
	require.NoError(t, m1.ExpectationsWereMet())
	require.NoError(t, m2.ExpectationsWereMet())
}

func TestDistributedEmptyGroup(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	plan := &Plan{Kind: PlanDistributed, Group: "ghost", Mode: ModeWriteAll}
	req := selectRequest("update x set y = 1")
	_, err := e.Execute(context.Background(), plan, req, sqltext.Analyze(req.QueryText), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestActiveDistributedVisibleDuringGather(t *testing.T) {
	e, reg := newTestExecutor(t, Config{})
	b1, m1 := newExecBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards"})

	m1.ExpectExec("update counters").
		WillDelayFor(200 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))

	plan := &Plan{
		Kind:    PlanDistributed,
		Group:   "shards",
		Members: []*pool.Backend{b1},
		Mode:    ModeWriteAll,
	}
	req := selectRequest("update counters set n = n + 1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), plan, req, sqltext.Analyze(req.QueryText), nil)
	}()

	require.Eventually(t, func() bool {
		states := e.ActiveDistributed()
		return len(states) == 1 && states[0].Group == "shards"
	}, time.Second, time.Millisecond)

	<-done
	assert.Empty(t, e.ActiveDistributed())
}

func TestPlanTargetName(t *testing.T) {
	_, reg := newTestExecutor(t, Config{})
	b, _ := newExecBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	local := &Plan{Target: b}
	assert.Equal(t, "primary", local.TargetName())

	dist := &Plan{Kind: PlanDistributed, Group: "shards"}
	assert.Equal(t, "group:shards", dist.TargetName())
}
