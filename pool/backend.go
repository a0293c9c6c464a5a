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
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"querygate/proxy/shared/types"
)

// Engine identifies the backend database flavour.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
)

// Role places a backend in the read/write topology.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Score weights. In-use count dominates, recent failures push a backend to
// the back of the candidate list without removing it.
const (
	scoreInUseWeight     = 10
	scoreErrorRateWeight = 5
	scoreRecencyPenalty  = 10
)

// BackendConfig describes one database server to register.
type BackendConfig struct {
	Alias    string `yaml:"alias" json:"alias"`
	Engine   Engine `yaml:"engine" json:"engine"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`

	// Password is used verbatim when set. PasswordRef is resolved through
	// the configured secret source ("aws:<arn>" or "env:<VAR>").
	Password    string `yaml:"password" json:"-"`
	PasswordRef string `yaml:"password_ref" json:"password_ref,omitempty"`

	SSLMode string `yaml:"ssl_mode" json:"ssl_mode"`
	Role    Role   `yaml:"role" json:"role"`
	Group   string `yaml:"group" json:"group,omitempty"`
	Weight  int    `yaml:"weight" json:"weight"`
	Default bool   `yaml:"default" json:"default,omitempty"`

	// AllowedRoles restricts which principal roles may be routed to this
	// server. Empty means every role.
	AllowedRoles []string `yaml:"allowed_roles" json:"allowed_roles,omitempty"`

	MinConns       int           `yaml:"min_connections" json:"min_connections"`
	MaxConns       int           `yaml:"max_connections" json:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" json:"max_idle_time"`
}

func (c *BackendConfig) applyDefaults() {
	if c.Engine == "" {
		c.Engine = EnginePostgres
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		if c.Engine == EngineMySQL {
			c.Port = 3306
		} else {
			c.Port = 5432
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Role == "" {
		c.Role = RolePrimary
	}
	if c.Weight <= 0 {
		c.Weight = 1
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
}

func (c *BackendConfig) validate() error {
	if c.Alias == "" {
		return types.NewError(types.KindValidation, "server alias is required")
	}
	if c.Engine != EnginePostgres && c.Engine != EngineMySQL {
		return types.Errorf(types.KindValidation, "unsupported engine %q for server %q", c.Engine, c.Alias)
	}
	if c.Database == "" {
		return types.Errorf(types.KindValidation, "database name is required for server %q", c.Alias)
	}
	return nil
}

// driverName maps the engine to the registered database/sql driver.
func (c *BackendConfig) driverName() string {
	if c.Engine == EngineMySQL {
		return "mysql"
	}
	return "postgres"
}

// dsn builds the driver connection string with the resolved password.
func (c *BackendConfig) dsn(password string) (string, error) {
	switch c.Engine {
	case EnginePostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
			c.Host, c.Port, c.Username, password, c.Database, c.SSLMode,
		), nil
	case EngineMySQL:
		mc := mysql.NewConfig()
		mc.User = c.Username
		mc.Passwd = password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		mc.DBName = c.Database
		mc.ParseTime = true
		mc.Timeout = 10 * time.Second
		if c.SSLMode != "" && c.SSLMode != "disable" {
			mc.TLSConfig = c.SSLMode
		}
		return mc.FormatDSN(), nil
	default:
		return "", types.Errorf(types.KindValidation, "unsupported engine %q", c.Engine)
	}
}

// Backend is one registered database server: its connection pool, rolling
// stats, and health state.
type Backend struct {
	cfg   BackendConfig
	pool  *ConnPool
	stats *ServerStats

	healthy atomic.Bool
	active  atomic.Bool

	// seq breaks score ties so ordering stays deterministic.
	seq int
}

// Alias returns the registration alias.
func (b *Backend) Alias() string { return b.cfg.Alias }

// Engine returns the database flavour.
func (b *Backend) Engine() Engine { return b.cfg.Engine }

// Role returns primary or replica.
func (b *Backend) Role() Role { return b.cfg.Role }

// Group returns the server group name, empty when ungrouped.
func (b *Backend) Group() string { return b.cfg.Group }

// Weight returns the configured routing weight.
func (b *Backend) Weight() int { return b.cfg.Weight }

// Seq returns the registration order index.
func (b *Backend) Seq() int { return b.seq }

// Pool returns the backend's connection pool.
func (b *Backend) Pool() *ConnPool { return b.pool }

// Stats returns the backend's rolling query stats.
func (b *Backend) Stats() *ServerStats { return b.stats }

// Healthy reports the last health probe outcome.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// Active reports whether the backend accepts new queries.
func (b *Backend) Active() bool { return b.active.Load() }

func (b *Backend) setHealthy(v bool) {
	b.healthy.Store(v)
	if v {
		backendHealthy.WithLabelValues(b.cfg.Alias).Set(1)
	} else {
		backendHealthy.WithLabelValues(b.cfg.Alias).Set(0)
	}
}

func (b *Backend) setActive(v bool) { b.active.Store(v) }

// Available reports whether the backend may receive queries right now.
func (b *Backend) Available() bool {
	return b.Active() && b.Healthy() && !b.pool.Draining()
}

// RoleAllowed reports whether a principal role may use this backend. An
// empty allow list admits every role.
func (b *Backend) RoleAllowed(role string) bool {
	if len(b.cfg.AllowedRoles) == 0 {
		return true
	}
	for _, r := range b.cfg.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Score ranks the backend for routing. Lower is better: current load
// dominates, a recent failure adds a flat penalty so a flapping backend
// recovers gradually instead of being re-flooded the moment it answers one
// probe.
func (b *Backend) Score() float64 {
	score := float64(scoreInUseWeight * b.pool.InUse())
	score += scoreErrorRateWeight * b.stats.ErrorRate()
	if b.stats.ErroredWithin(recentWindow) {
		score += scoreRecencyPenalty
	}
	return score
}

// Rank orders candidates best-first by score, breaking ties by higher
// weight and then registration order so the result is deterministic. The
// router and the distributed executor share this ordering. The input slice
// is not modified.
func Rank(backends []*Backend) []*Backend {
	out := append([]*Backend(nil), backends...)
	scores := make(map[*Backend]float64, len(out))
	for _, b := range out {
		scores[b] = b.Score()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] < scores[out[j]]
		}
		if out[i].Weight() != out[j].Weight() {
			return out[i].Weight() > out[j].Weight()
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Ping checks the backend over a live connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.db.PingContext(ctx)
}

// RecordOutcome feeds one query result into the rolling stats.
func (b *Backend) RecordOutcome(d time.Duration, failed bool) {
	b.stats.Record(d, failed)
}
