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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/shared/logger"
)

func newTestBackend(t *testing.T, reg *Registry, cfg BackendConfig) *Backend {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b, err := reg.RegisterOpened(cfg, db)
	require.NoError(t, err)
	return b
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(logger.New("pool-test"), nil)
}

func TestRoleAllowed(t *testing.T) {
	reg := newTestRegistry(t)
	open := newTestBackend(t, reg, BackendConfig{Alias: "open"})
	locked := newTestBackend(t, reg, BackendConfig{Alias: "locked", AllowedRoles: []string{"admin", "service"}})

	assert.True(t, open.RoleAllowed("analyst"))
	assert.True(t, open.RoleAllowed(""))
	assert.True(t, locked.RoleAllowed("admin"))
	assert.False(t, locked.RoleAllowed("analyst"))
	assert.False(t, locked.RoleAllowed(""))
}

func TestScoreComponents(t *testing.T) {
	reg := newTestRegistry(t)
	b := newTestBackend(t, reg, BackendConfig{Alias: "scored", MaxConns: 5})

	assert.Equal(t, 0.0, b.Score())

	lease, err := b.Pool().Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, b.Score()) // one in-use connection
	b.Pool().Release(lease, true)

	// A failure adds the error-rate term plus the flat recency penalty.
	b.RecordOutcome(time.Millisecond, true)
	score := b.Score()
	assert.Greater(t, score, 10.0)

	b.RecordOutcome(time.Millisecond, false)
	assert.Less(t, b.Score(), score) // error rate halves, penalty remains
}

func TestRankOrdering(t *testing.T) {
	reg := newTestRegistry(t)
	idle := newTestBackend(t, reg, BackendConfig{Alias: "idle"})
	busy := newTestBackend(t, reg, BackendConfig{Alias: "busy", MaxConns: 5})
	errored := newTestBackend(t, reg, BackendConfig{Alias: "errored"})

	lease, err := busy.Pool().Acquire(context.Background())
	require.NoError(t, err)
	defer busy.Pool().Release(lease, true)
	errored.RecordOutcome(time.Millisecond, true)

	ranked := Rank([]*Backend{errored, busy, idle})
	require.Len(t, ranked, 3)
	assert.Equal(t, "idle", ranked[0].Alias())
}

func TestRankTieBreaks(t *testing.T) {
	reg := newTestRegistry(t)
	light := newTestBackend(t, reg, BackendConfig{Alias: "light", Weight: 1})
	heavy := newTestBackend(t, reg, BackendConfig{Alias: "heavy", Weight: 5})

	// Equal scores: higher weight wins.
	ranked := Rank([]*Backend{light, heavy})
	assert.Equal(t, "heavy", ranked[0].Alias())

	// Equal score and weight: registration order wins, deterministically.
	a := newTestBackend(t, reg, BackendConfig{Alias: "a", Weight: 2})
	b := newTestBackend(t, reg, BackendConfig{Alias: "b", Weight: 2})
	for i := 0; i < 5; i++ {
		ranked = Rank([]*Backend{b, a})
		assert.Equal(t, "a", ranked[0].Alias())
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	reg := newTestRegistry(t)
	x := newTestBackend(t, reg, BackendConfig{Alias: "x"})
	y := newTestBackend(t, reg, BackendConfig{Alias: "y", MaxConns: 5})

	lease, err := y.Pool().Acquire(context.Background())
	require.NoError(t, err)
	defer y.Pool().Release(lease, true)

	in := []*Backend{y, x}
	_ = Rank(in)
	assert.Equal(t, "y", in[0].Alias())
}

func TestBackendConfigDefaults(t *testing.T) {
	cfg := BackendConfig{Alias: "d"}
	cfg.applyDefaults()
	assert.Equal(t, EnginePostgres, cfg.Engine)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, RolePrimary, cfg.Role)
	assert.Equal(t, 25, cfg.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.AcquireTimeout)

	my := BackendConfig{Alias: "m", Engine: EngineMySQL}
	my.applyDefaults()
	assert.Equal(t, 3306, my.Port)
}
