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
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"querygate/proxy/pool"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

// SubStatus is the per-server state of one distributed sub-execution.
type SubStatus string

const (
	SubPending   SubStatus = "pending"
	SubOK        SubStatus = "ok"
	SubErr       SubStatus = "err"
	SubCancelled SubStatus = "cancelled"
)

// DistributedState tracks one in-flight scatter/gather. Entries live only
// while the gather runs; List is the admin view of them.
type DistributedState struct {
	QID       string               `json:"qid"`
	Group     string               `json:"group"`
	Mode      Mode                 `json:"mode"`
	StartedAt time.Time            `json:"started_at"`
	Servers   map[string]SubStatus `json:"servers"`
}

// activeTable is the mutex-guarded table of running distributed queries.
type activeTable struct {
	mu     sync.Mutex
	active map[string]*DistributedState
}

func newActiveTable() *activeTable {
	return &activeTable{active: make(map[string]*DistributedState)}
}

func (t *activeTable) add(qid, group string, mode Mode, members []*pool.Backend) *DistributedState {
	state := &DistributedState{
		QID:       qid,
		Group:     group,
		Mode:      mode,
		StartedAt: time.Now(),
		Servers:   make(map[string]SubStatus, len(members)),
	}
	for _, b := range members {
		state.Servers[b.Alias()] = SubPending
	}
	t.mu.Lock()
	t.active[qid] = state
	t.mu.Unlock()
	return state
}

func (t *activeTable) set(qid, alias string, status SubStatus) {
	t.mu.Lock()
	if state, ok := t.active[qid]; ok {
		state.Servers[alias] = status
	}
	t.mu.Unlock()
}

func (t *activeTable) remove(qid string) {
	t.mu.Lock()
	delete(t.active, qid)
	t.mu.Unlock()
}

func (t *activeTable) list() []DistributedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DistributedState, 0, len(t.active))
	for _, state := range t.active {
		copied := *state
		copied.Servers = make(map[string]SubStatus, len(state.Servers))
		for k, v := range state.Servers {
			copied.Servers[k] = v
		}
		out = append(out, copied)
	}
	return out
}

// ActiveDistributed lists in-flight scatter/gather executions.
func (e *Executor) ActiveDistributed() []DistributedState {
	return e.active.list()
}

// subResult is one backend's contribution to a gather.
type subResult struct {
	alias     string
	affected  int64
	duration  time.Duration
	err       error
	cancelled bool
}

// executeDistributed dispatches on the plan's mode. Failed gathers still
// return a result carrying the distribution summary so partial outcomes
// reach the client alongside the error.
func (e *Executor) executeDistributed(ctx context.Context, plan *Plan, req *types.QueryRequest, analysis sqltext.Analysis, qid string) (*types.QueryResult, error) {
	if len(plan.Members) == 0 {
		return nil, types.Errorf(types.KindRouting, "no active servers in group %q", plan.Group)
	}

	e.active.add(qid, plan.Group, plan.Mode, plan.Members)
	defer e.active.remove(qid)

	switch plan.Mode {
	case ModeReadAny:
		return e.readAny(ctx, plan, req, analysis, qid)
	case ModeWriteAll, ModeBroadcast:
		return e.writeAll(ctx, plan, req, analysis, qid)
	default:
		return nil, types.Errorf(types.KindValidation, "unsupported distribution mode %q", plan.Mode)
	}
}

// readAny runs on the best-scored member, failing over down the ranking
// until a member succeeds or the group is exhausted.
func (e *Executor) readAny(ctx context.Context, plan *Plan, req *types.QueryRequest, analysis sqltext.Analysis, qid string) (*types.QueryResult, error) {
	ranked := pool.Rank(plan.Members)

	var lastErr error
	failed := 0
	for _, b := range ranked {
		if ctx.Err() != nil {
			break
		}
		res, err := e.runOnBackend(ctx, b, req, analysis)
		if err == nil {
			e.active.set(qid, b.Alias(), SubOK)
			res.Distribution = &types.DistributionInfo{
				Strategy:         string(ModeReadAny),
				ServersTotal:     len(plan.Members),
				ServersSucceeded: 1,
				ServersFailed:    failed,
				QueryID:          qid,
			}
			return res, nil
		}
		lastErr = err
		if types.KindOf(err) == types.KindCancelled || types.KindOf(err) == types.KindTimeout {
			e.active.set(qid, b.Alias(), SubCancelled)
			break
		}
		e.active.set(qid, b.Alias(), SubErr)
		failed++
		e.log.Warn(req.Principal.Username, qid, "Read failed over to next member", map[string]interface{}{
			"group":  plan.Group,
			"server": b.Alias(),
			"error":  err.Error(),
		})
	}
	if lastErr == nil {
		lastErr = types.Errorf(types.KindRouting, "no reachable servers in group %q", plan.Group)
	}
	return nil, lastErr
}

// writeAll fans the statement out to every member on a bounded worker
// pool and reduces the outcomes under majority quorum. Sub-executions
// cancelled by the coordinator's deadline do not count toward the quorum
// base.
func (e *Executor) writeAll(ctx context.Context, plan *Plan, req *types.QueryRequest, analysis sqltext.Analysis, qid string) (*types.QueryResult, error) {
	members := plan.Members
	results := make([]subResult, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, b := range members {
		i, b := i, b
		g.Go(func() error {
			res, err := e.runOnBackend(gctx, b, req, analysis)
			sub := subResult{alias: b.Alias(), err: err}
			if err == nil {
				sub.affected = res.AffectedRows
				sub.duration = res.Duration
				e.active.set(qid, b.Alias(), SubOK)
			} else if kindCancelledByCoordinator(err, ctx) {
				sub.cancelled = true
				e.active.set(qid, b.Alias(), SubCancelled)
			} else {
				e.active.set(qid, b.Alias(), SubErr)
			}
			results[i] = sub
			// Individual failures must not abort the rest of the fan-out;
			// quorum is decided after every member reports.
			return nil
		})
	}
	_ = g.Wait()

	succeeded, cancelled := 0, 0
	var sumAffected int64
	var maxDuration time.Duration
	var failures []string
	for _, sub := range results {
		switch {
		case sub.cancelled:
			cancelled++
		case sub.err == nil:
			succeeded++
			sumAffected += sub.affected
			if sub.duration > maxDuration {
				maxDuration = sub.duration
			}
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", sub.alias, sub.err))
		}
	}

	// Quorum over terminal statuses only; coordinator-cancelled servers
	// are excluded from the base.
	terminal := len(members) - cancelled
	quorum := terminal / 2
	if quorum < 1 {
		quorum = 1
	}

	avgAffected := int64(0)
	if succeeded > 0 {
		avgAffected = sumAffected / int64(succeeded)
	}

	res := &types.QueryResult{
		Columns:      []string{},
		Rows:         [][]interface{}{},
		RowCount:     int(avgAffected),
		AffectedRows: avgAffected,
		QueryType:    analysis.Type,
		Duration:     maxDuration,
		Distribution: &types.DistributionInfo{
			Strategy:         string(plan.Mode),
			ServersTotal:     len(members),
			ServersSucceeded: succeeded,
			ServersFailed:    terminal - succeeded,
			QueryID:          qid,
		},
	}

	if terminal == 0 {
		return res, types.Errorf(types.KindTimeout, "distributed %s cancelled before any server finished", plan.Mode).WithServer("group:" + plan.Group)
	}
	if succeeded < quorum {
		return res, types.Errorf(types.KindBackend, "distributed %s failed quorum (%d/%d succeeded): %s",
			plan.Mode, succeeded, terminal, strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		e.log.Warn(req.Principal.Username, qid, "Distributed write succeeded with partial failures", map[string]interface{}{
			"group":    plan.Group,
			"failures": strings.Join(failures, "; "),
		})
	}
	return res, nil
}

// kindCancelledByCoordinator reports whether a sub-execution failed only
// because the coordinator's own deadline or cancellation fired.
func kindCancelledByCoordinator(err error, ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	k := types.KindOf(err)
	return k == types.KindCancelled || k == types.KindTimeout
}
