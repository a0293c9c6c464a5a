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
	"sync"
	"time"

	"querygate/proxy/shared/logger"
)

// RoleTimeouts maps principal roles to query deadlines. Roles with more
// standing get longer deadlines (admin > service > analyst).
type RoleTimeouts struct {
	Default time.Duration
	PerRole map[string]time.Duration
}

// DefaultRoleTimeouts returns the standard deadline ladder.
func DefaultRoleTimeouts() RoleTimeouts {
	return RoleTimeouts{
		Default: 30 * time.Second,
		PerRole: map[string]time.Duration{
			"admin":   5 * time.Minute,
			"service": 2 * time.Minute,
			"analyst": time.Minute,
		},
	}
}

// For resolves the deadline for a role.
func (r RoleTimeouts) For(role string) time.Duration {
	if d, ok := r.PerRole[role]; ok && d > 0 {
		return d
	}
	if r.Default > 0 {
		return r.Default
	}
	return 30 * time.Second
}

// QueryInfo describes one registered query for the admin surface.
type QueryInfo struct {
	QID       string        `json:"qid"`
	User      string        `json:"user"`
	Role      string        `json:"role"`
	StartedAt time.Time     `json:"started_at"`
	Timeout   time.Duration `json:"timeout"`
	Cancelled bool          `json:"cancelled"`
	Reason    string        `json:"reason,omitempty"`
}

type timeoutEntry struct {
	info   QueryInfo
	cancel context.CancelFunc
}

// TimeoutRegistry enforces per-query deadlines and makes running queries
// observable and cancellable. Register derives a deadline context from the
// role policy; Cancel kills a query by ID with a recorded reason.
type TimeoutRegistry struct {
	roles RoleTimeouts
	log   *logger.Logger

	mu      sync.Mutex
	entries map[string]*timeoutEntry
}

// NewTimeoutRegistry creates a registry with the given role policy.
func NewTimeoutRegistry(roles RoleTimeouts, log *logger.Logger) *TimeoutRegistry {
	if roles.Default <= 0 && roles.PerRole == nil {
		roles = DefaultRoleTimeouts()
	}
	return &TimeoutRegistry{
		roles:   roles,
		log:     log,
		entries: make(map[string]*timeoutEntry),
	}
}

// TimeoutFor resolves the effective deadline: an explicit per-request
// override wins, otherwise the role policy applies.
func (r *TimeoutRegistry) TimeoutFor(role string, overrideSeconds int) time.Duration {
	if overrideSeconds > 0 {
		return time.Duration(overrideSeconds) * time.Second
	}
	return r.roles.For(role)
}

// Register derives the query's deadline context and tracks it until
// Unregister. The returned context must bound every blocking step of the
// query: pool acquire, backend I/O, and distributed fan-out.
func (r *TimeoutRegistry) Register(ctx context.Context, qid, user, role string, timeout time.Duration) (context.Context, time.Duration) {
	if timeout <= 0 {
		timeout = r.roles.For(role)
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)

	r.mu.Lock()
	r.entries[qid] = &timeoutEntry{
		info: QueryInfo{
			QID:       qid,
			User:      user,
			Role:      role,
			StartedAt: time.Now(),
			Timeout:   timeout,
		},
		cancel: cancel,
	}
	r.mu.Unlock()

	return qctx, timeout
}

// Unregister removes a finished query and releases its deadline timer.
func (r *TimeoutRegistry) Unregister(qid string) {
	r.mu.Lock()
	entry, ok := r.entries[qid]
	if ok {
		delete(r.entries, qid)
	}
	r.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Cancel kills a running query. The executor sees the context cancellation
// and releases the connection; the recorded reason flows into the audit
// row.
func (r *TimeoutRegistry) Cancel(qid, reason string) bool {
	r.mu.Lock()
	entry, ok := r.entries[qid]
	if ok {
		entry.info.Cancelled = true
		entry.info.Reason = reason
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	r.log.Warn(entry.info.User, qid, "Query cancelled", map[string]interface{}{"reason": reason})
	return true
}

// Reason returns the recorded cancellation reason for a query, if any.
func (r *TimeoutRegistry) Reason(qid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[qid]; ok {
		return entry.info.Reason
	}
	return ""
}

// List snapshots the registered queries, for the admin surface.
func (r *TimeoutRegistry) List() []QueryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.info)
	}
	return out
}
