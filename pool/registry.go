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

package pool

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

// Registry holds every registered backend and answers lookup queries from
// the router: by alias, by group, by role. The first registered server
// becomes the default unless a config marks another one.
type Registry struct {
	log     *logger.Logger
	secrets SecretSource

	mu           sync.RWMutex
	backends     map[string]*Backend
	order        []string
	defaultAlias string
	seq          int
}

// NewRegistry creates an empty registry. secrets may be nil when all
// passwords are inline.
func NewRegistry(log *logger.Logger, secrets SecretSource) *Registry {
	return &Registry{
		log:      log,
		secrets:  secrets,
		backends: make(map[string]*Backend),
	}
}

// Register opens a pool for the server and adds it to the registry. A
// backend that fails its first ping is still registered; it starts
// unhealthy and the prober brings it up when it answers.
func (r *Registry) Register(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.backends[cfg.Alias]
	r.mu.RUnlock()
	if exists {
		return nil, types.Errorf(types.KindValidation, "server %q is already registered", cfg.Alias)
	}

	password := cfg.Password
	if cfg.PasswordRef != "" {
		if r.secrets == nil {
			return nil, types.Errorf(types.KindValidation, "server %q uses password_ref but no secret source is configured", cfg.Alias)
		}
		resolved, err := r.secrets.Resolve(ctx, cfg.PasswordRef)
		if err != nil {
			return nil, types.WrapError(types.KindInternal, "resolving credentials for "+cfg.Alias, err)
		}
		password = resolved
	}

	dsn, err := cfg.dsn(password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.driverName(), dsn)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "opening "+cfg.Alias, err)
	}

	b := &Backend{
		cfg:   cfg,
		stats: &ServerStats{},
	}
	b.pool = newConnPool(cfg.Alias, db, cfg, r.log)
	b.setActive(true)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	b.setHealthy(err == nil)
	if err != nil {
		r.log.Warn("", "", "Registered server failed initial ping", map[string]interface{}{
			"server": cfg.Alias,
			"error":  err.Error(),
		})
	}

	r.add(b, cfg)
	return b, nil
}

// RegisterOpened adds a backend over an already-opened handle, skipping
// DSN construction and the initial ping. Custom drivers and tests inject
// their connections here; Register is the normal path.
func (r *Registry) RegisterOpened(cfg BackendConfig, db *sql.DB) (*Backend, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.backends[cfg.Alias]
	r.mu.RUnlock()
	if exists {
		return nil, types.Errorf(types.KindValidation, "server %q is already registered", cfg.Alias)
	}

	b := &Backend{
		cfg:   cfg,
		stats: &ServerStats{},
	}
	b.pool = newConnPool(cfg.Alias, db, cfg, r.log)
	b.setActive(true)
	b.setHealthy(true)

	r.add(b, cfg)
	return b, nil
}

// add publishes a constructed backend. Registration order doubles as the
// deterministic score tie-breaker.
func (r *Registry) add(b *Backend, cfg BackendConfig) {
	r.mu.Lock()
	b.seq = r.seq
	r.seq++
	r.backends[cfg.Alias] = b
	r.order = append(r.order, cfg.Alias)
	if r.defaultAlias == "" || cfg.Default {
		r.defaultAlias = cfg.Alias
	}
	r.mu.Unlock()

	r.log.Info("", "", "Registered server", map[string]interface{}{
		"server":  cfg.Alias,
		"engine":  string(cfg.Engine),
		"role":    string(cfg.Role),
		"group":   cfg.Group,
		"healthy": b.Healthy(),
	})
}

// Get returns the backend for an alias.
func (r *Registry) Get(alias string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[alias]
	if !ok {
		return nil, types.Errorf(types.KindRouting, "unknown server %q", alias)
	}
	return b, nil
}

// Default returns the default backend.
func (r *Registry) Default() (*Backend, error) {
	r.mu.RLock()
	alias := r.defaultAlias
	r.mu.RUnlock()
	if alias == "" {
		return nil, types.NewError(types.KindRouting, "no servers registered")
	}
	return r.Get(alias)
}

// SetDefault changes the default backend.
func (r *Registry) SetDefault(alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[alias]; !ok {
		return types.Errorf(types.KindRouting, "unknown server %q", alias)
	}
	r.defaultAlias = alias
	return nil
}

// All returns backends in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.order))
	for _, alias := range r.order {
		out = append(out, r.backends[alias])
	}
	return out
}

// Group returns every member of a group in registration order, regardless
// of health or active state.
func (r *Registry) Group(name string) []*Backend {
	var out []*Backend
	for _, b := range r.All() {
		if b.cfg.Group == name {
			out = append(out, b)
		}
	}
	return out
}

// AvailableInGroup returns group members that may receive queries.
func (r *Registry) AvailableInGroup(name string) []*Backend {
	var out []*Backend
	for _, b := range r.Group(name) {
		if b.Available() {
			out = append(out, b)
		}
	}
	return out
}

// Replicas returns available replicas, optionally scoped to a group.
func (r *Registry) Replicas(group string) []*Backend {
	var out []*Backend
	for _, b := range r.All() {
		if b.Role() != RoleReplica || !b.Available() {
			continue
		}
		if group != "" && b.cfg.Group != group {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Deactivate removes a backend from routing without closing its pool.
func (r *Registry) Deactivate(alias string) error {
	b, err := r.Get(alias)
	if err != nil {
		return err
	}
	b.setActive(false)
	r.log.Info("", "", "Deactivated server", map[string]interface{}{"server": alias})
	return nil
}

// Activate returns a deactivated backend to routing.
func (r *Registry) Activate(alias string) error {
	b, err := r.Get(alias)
	if err != nil {
		return err
	}
	b.setActive(true)
	r.log.Info("", "", "Activated server", map[string]interface{}{"server": alias})
	return nil
}

// Drain drains one backend's pool and removes it from routing.
func (r *Registry) Drain(ctx context.Context, alias string) error {
	b, err := r.Get(alias)
	if err != nil {
		return err
	}
	b.setActive(false)
	return b.pool.Drain(ctx)
}

// Close drains every pool in parallel, bounded by the context deadline.
func (r *Registry) Close(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range r.All() {
		b := b
		b.setActive(false)
		g.Go(func() error {
			return b.pool.Drain(ctx)
		})
	}
	return g.Wait()
}

// AllStats reports pool and query stats for every backend.
func (r *Registry) AllStats() []BackendStats {
	backends := r.All()
	out := make([]BackendStats, 0, len(backends))
	for _, b := range backends {
		out = append(out, BackendStats{
			Server:  b.Alias(),
			Engine:  string(b.Engine()),
			Role:    string(b.Role()),
			Group:   b.Group(),
			Healthy: b.Healthy(),
			Active:  b.Active(),
			Score:   b.Score(),
			Pool:    b.pool.Stats(),
			Queries: b.stats.Snapshot(),
		})
	}
	return out
}

// BackendStats aggregates one backend's state for the stats endpoint.
type BackendStats struct {
	Server  string        `json:"server"`
	Engine  string        `json:"engine"`
	Role    string        `json:"role"`
	Group   string        `json:"group,omitempty"`
	Healthy bool          `json:"healthy"`
	Active  bool          `json:"active"`
	Score   float64       `json:"score"`
	Pool    PoolStats     `json:"pool"`
	Queries StatsSnapshot `json:"queries"`
}
