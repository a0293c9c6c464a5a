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
	"database/sql/driver"
	"sync"
	"time"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

// Sentinel errors returned by Acquire. All carry KindPool so callers can
// treat them as retryable.
var (
	ErrAcquireTimeout = types.NewError(types.KindPool, "timed out waiting for a connection")
	ErrPoolDraining   = types.NewError(types.KindPool, "pool is draining")
	ErrUnhealthy      = types.NewError(types.KindPool, "backend connection failed")
)

// waiter is one queued Acquire call. granted is written under the pool
// mutex before ready is closed.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// Lease is a leased connection. It must be returned exactly once via
// Release; the pool slot stays occupied until then.
type Lease struct {
	conn       *sql.Conn
	pool       *ConnPool
	AcquiredAt time.Time
}

// Conn exposes the underlying dedicated connection.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// ConnPool bounds concurrent connections to one backend. database/sql keeps
// the physical connections; the pool adds strict slot accounting, FIFO
// fairness for waiters, runtime resizing, and drain semantics that
// database/sql does not provide on its own.
type ConnPool struct {
	alias string
	db    *sql.DB
	log   *logger.Logger

	acquireTimeout time.Duration

	mu        sync.Mutex
	max       int
	min       int
	inUse     int
	waiters   []*waiter
	draining  bool
	exhausted int64
}

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Server    string `json:"server"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	Waiting   int    `json:"waiting"`
	Max       int    `json:"max_connections"`
	Min       int    `json:"min_connections"`
	Exhausted int64  `json:"exhausted_total"`
	Draining  bool   `json:"draining"`
}

func newConnPool(alias string, db *sql.DB, cfg BackendConfig, log *logger.Logger) *ConnPool {
	p := &ConnPool{
		alias:          alias,
		db:             db,
		log:            log,
		acquireTimeout: cfg.AcquireTimeout,
		max:            cfg.MaxConns,
		min:            cfg.MinConns,
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	if cfg.MinConns > 0 {
		go p.warmUp(cfg.MinConns)
	}
	return p
}

// warmUp opens min connections and returns them to the idle set so first
// queries skip the dial.
func (p *ConnPool) warmUp(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conns := make([]*sql.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			p.log.Warn("", "", "Pool warm-up stopped early", map[string]interface{}{
				"server": p.alias,
				"opened": len(conns),
				"target": n,
				"error":  err.Error(),
			})
			break
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Acquire leases a connection. At capacity the caller queues FIFO behind
// earlier waiters and gives up when its context or the pool's acquire
// timeout expires, whichever comes first.
func (p *ConnPool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		poolAcquireErrors.WithLabelValues(p.alias, "draining").Inc()
		return nil, ErrPoolDraining.WithServer(p.alias)
	}
	if p.inUse < p.max {
		p.inUse++
		poolInUse.WithLabelValues(p.alias).Set(float64(p.inUse))
		p.mu.Unlock()
		return p.materialize(ctx)
	}

	w := &waiter{ready: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.exhausted++
	waiting := len(p.waiters)
	p.mu.Unlock()

	poolExhausted.WithLabelValues(p.alias).Inc()
	poolWaiting.WithLabelValues(p.alias).Set(float64(waiting))
	defer poolWaiting.WithLabelValues(p.alias).Set(float64(p.Waiting()))

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		p.mu.Lock()
		granted := w.granted
		p.mu.Unlock()
		if !granted {
			poolAcquireErrors.WithLabelValues(p.alias, "draining").Inc()
			return nil, ErrPoolDraining.WithServer(p.alias)
		}
		return p.materialize(ctx)

	case <-ctx.Done():
		p.abandon(w)
		if ctx.Err() == context.DeadlineExceeded {
			poolAcquireErrors.WithLabelValues(p.alias, "timeout").Inc()
			return nil, ErrAcquireTimeout.WithServer(p.alias)
		}
		poolAcquireErrors.WithLabelValues(p.alias, "cancelled").Inc()
		return nil, types.WrapError(types.KindCancelled, "acquire cancelled", ctx.Err()).WithServer(p.alias)

	case <-timer.C:
		p.abandon(w)
		poolAcquireErrors.WithLabelValues(p.alias, "timeout").Inc()
		return nil, ErrAcquireTimeout.WithServer(p.alias)
	}
}

// materialize turns an owned slot into a live connection. The slot is
// returned on failure.
func (p *ConnPool) materialize(ctx context.Context) (*Lease, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.releaseSlotLocked()
		p.mu.Unlock()

		if ctx.Err() == context.DeadlineExceeded {
			poolAcquireErrors.WithLabelValues(p.alias, "timeout").Inc()
			return nil, ErrAcquireTimeout.WithServer(p.alias)
		}
		if ctx.Err() == context.Canceled {
			poolAcquireErrors.WithLabelValues(p.alias, "cancelled").Inc()
			return nil, types.WrapError(types.KindCancelled, "acquire cancelled", ctx.Err()).WithServer(p.alias)
		}
		poolAcquireErrors.WithLabelValues(p.alias, "connect").Inc()
		return nil, types.WrapError(types.KindPool, "backend connection failed", err).WithServer(p.alias)
	}
	return &Lease{conn: conn, pool: p, AcquiredAt: time.Now()}, nil
}

// Release returns a lease. ok=false discards the physical connection
// instead of recycling it, for leases whose connection state is suspect.
// The freed slot goes to the oldest waiter.
func (p *ConnPool) Release(l *Lease, ok bool) {
	if l == nil || l.conn == nil {
		return
	}
	if !ok {
		// Raw returning ErrBadConn marks the driver connection so
		// database/sql discards it on Close instead of pooling it.
		_ = l.conn.Raw(func(driverConn interface{}) error {
			return driver.ErrBadConn
		})
	}
	_ = l.conn.Close()
	l.conn = nil

	p.mu.Lock()
	p.releaseSlotLocked()
	poolInUse.WithLabelValues(p.alias).Set(float64(p.inUse))
	p.mu.Unlock()
}

// releaseSlotLocked frees one slot, handing it to the oldest waiter when
// one is queued. Caller holds p.mu.
func (p *ConnPool) releaseSlotLocked() {
	if !p.draining && len(p.waiters) > 0 && p.inUse <= p.max {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.granted = true
		close(w.ready)
		return
	}
	p.inUse--
}

// abandon removes a waiter that gave up. If the slot was already granted in
// the race window the slot is passed on rather than leaked.
func (p *ConnPool) abandon(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	p.releaseSlotLocked()
}

// Resize changes the connection ceiling at runtime. Growing wakes queued
// waiters immediately; shrinking never interrupts leased connections, the
// pool converges as they are released.
func (p *ConnPool) Resize(newMax int) error {
	if newMax < 1 {
		return types.Errorf(types.KindValidation, "max connections must be positive, got %d", newMax)
	}

	p.mu.Lock()
	old := p.max
	p.max = newMax
	p.db.SetMaxOpenConns(newMax)
	p.db.SetMaxIdleConns(newMax)
	if p.min > newMax {
		p.min = newMax
	}
	for p.inUse < p.max && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		w.granted = true
		close(w.ready)
	}
	poolInUse.WithLabelValues(p.alias).Set(float64(p.inUse))
	p.mu.Unlock()

	direction := "up"
	if newMax < old {
		direction = "down"
	}
	poolResizes.WithLabelValues(p.alias, direction).Inc()
	p.log.Info("", "", "Pool resized", map[string]interface{}{
		"server": p.alias,
		"from":   old,
		"to":     newMax,
	})
	return nil
}

// Stats reports current occupancy.
func (p *ConnPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := p.db.Stats().Idle
	return PoolStats{
		Server:    p.alias,
		InUse:     p.inUse,
		Idle:      idle,
		Waiting:   len(p.waiters),
		Max:       p.max,
		Min:       p.min,
		Exhausted: p.exhausted,
		Draining:  p.draining,
	}
}

// InUse returns the number of leased connections.
func (p *ConnPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Waiting returns the number of queued acquirers.
func (p *ConnPool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Max returns the current connection ceiling.
func (p *ConnPool) Max() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// Draining reports whether Drain has started.
func (p *ConnPool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Drain stops new acquires, fails queued waiters, waits for leased
// connections up to the context deadline, then closes the underlying DB.
// In-flight queries past the deadline lose their connections.
func (p *ConnPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	pending := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range pending {
		close(w.ready)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		busy := p.inUse
		p.mu.Unlock()
		if busy == 0 {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.log.Warn("", "", "Drain deadline reached with connections still leased", map[string]interface{}{
				"server": p.alias,
				"in_use": busy,
			})
			return p.db.Close()
		}
	}
	return p.db.Close()
}
