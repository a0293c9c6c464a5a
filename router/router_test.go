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

package router

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/executor"
	"querygate/proxy/pool"
	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

func newTestRouter(t *testing.T) (*Router, *pool.Registry) {
	t.Helper()
	log := logger.New("router-test")
	reg := pool.NewRegistry(log, nil)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return New(reg, log), reg
}

func addBackend(t *testing.T, reg *pool.Registry, cfg pool.BackendConfig) *pool.Backend {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	if cfg.Database == "" {
		cfg.Database = "testdb"
	}
	b, err := reg.RegisterOpened(cfg, db)
	require.NoError(t, err)
	return b
}

func request(alias, group, query string) *types.QueryRequest {
	return &types.QueryRequest{
		QueryText:   query,
		ServerAlias: alias,
		ServerGroup: group,
		Principal:   types.Principal{Username: "alice", Role: "analyst"},
	}
}

func route(t *testing.T, r *Router, req *types.QueryRequest) (*executor.Plan, error) {
	t.Helper()
	return r.Route(req, sqltext.Analyze(req.QueryText))
}

func TestRouteBothAliasAndGroup(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := route(t, r, request("primary", "readers", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestRouteByAlias(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "primary"})

	plan, err := route(t, r, request("primary", "", "select 1"))
	require.NoError(t, err)
	assert.Equal(t, executor.PlanLocal, plan.Kind)
	assert.Equal(t, "primary", plan.Target.Alias())
	assert.Empty(t, plan.Alternates)
}

func TestRouteUnknownAlias(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := route(t, r, request("ghost", "", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestRouteDeactivatedAlias(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "primary"})
	require.NoError(t, reg.Deactivate("primary"))

	_, err := route(t, r, request("primary", "", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))

	require.NoError(t, reg.Activate("primary"))
	_, err = route(t, r, request("primary", "", "select 1"))
	require.NoError(t, err)
}

func TestRouteAliasRoleDenied(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "restricted", AllowedRoles: []string{"admin"}})

	_, err := route(t, r, request("restricted", "", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestRouteAliasFillsGroupAlternates(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "r1", Group: "readers"})
	addBackend(t, reg, pool.BackendConfig{Alias: "r2", Group: "readers"})
	addBackend(t, reg, pool.BackendConfig{Alias: "r3", Group: "readers"})

	plan, err := route(t, r, request("r2", "", "select 1"))
	require.NoError(t, err)
	assert.Equal(t, "r2", plan.Target.Alias())
	require.Len(t, plan.Alternates, 2)
	for _, alt := range plan.Alternates {
		assert.NotEqual(t, "r2", alt.Alias())
	}
}

func TestRouteGroupModes(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards"})
	addBackend(t, reg, pool.BackendConfig{Alias: "s2", Group: "shards"})

	tests := []struct {
		query string
		mode  executor.Mode
	}{
		{"select * from users", executor.ModeReadAny},
		{"update users set active = false", executor.ModeWriteAll},
		{"insert into users (id) values (1)", executor.ModeWriteAll},
		{"create index idx on users (email)", executor.ModeBroadcast},
		{"truncate table staging", executor.ModeBroadcast},
	}
	for _, tt := range tests {
		plan, err := route(t, r, request("", "shards", tt.query))
		require.NoError(t, err, tt.query)
		assert.Equal(t, executor.PlanDistributed, plan.Kind)
		assert.Equal(t, "shards", plan.Group)
		assert.Equal(t, tt.mode, plan.Mode, tt.query)
		assert.Len(t, plan.Members, 2)
	}
}

func TestRouteUnknownGroup(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := route(t, r, request("", "ghost", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestRouteGroupExcludesUnavailableMembers(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards"})
	addBackend(t, reg, pool.BackendConfig{Alias: "s2", Group: "shards"})
	require.NoError(t, reg.Deactivate("s2"))

	plan, err := route(t, r, request("", "shards", "update users set x = 1"))
	require.NoError(t, err)
	require.Len(t, plan.Members, 1)
	assert.Equal(t, "s1", plan.Members[0].Alias())

	// A group whose every member is out of rotation is a routing error,
	// distinct from an unknown group.
	require.NoError(t, reg.Deactivate("s1"))
	_, err = route(t, r, request("", "shards", "update users set x = 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestRouteGroupFiltersByRole(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "s1", Group: "shards", AllowedRoles: []string{"admin"}})
	addBackend(t, reg, pool.BackendConfig{Alias: "s2", Group: "shards"})

	plan, err := route(t, r, request("", "shards", "select 1"))
	require.NoError(t, err)
	require.Len(t, plan.Members, 1)
	assert.Equal(t, "s2", plan.Members[0].Alias())
}

func TestRouteDefaultPrefersReplicasForReads(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "primary", Default: true})
	addBackend(t, reg, pool.BackendConfig{Alias: "replica-1", Role: pool.RoleReplica, Weight: 10})
	addBackend(t, reg, pool.BackendConfig{Alias: "replica-2", Role: pool.RoleReplica, Weight: 1})

	plan, err := route(t, r, request("", "", "select * from users"))
	require.NoError(t, err)
	assert.Equal(t, "replica-1", plan.Target.Alias())
	require.Len(t, plan.Alternates, 1)
	assert.Equal(t, "replica-2", plan.Alternates[0].Alias())

	// Writes always land on the default backend.
	plan, err = route(t, r, request("", "", "update users set x = 1"))
	require.NoError(t, err)
	assert.Equal(t, "primary", plan.Target.Alias())
}

func TestRouteDefaultWithoutReplicas(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "primary", Default: true})

	plan, err := route(t, r, request("", "", "select 1"))
	require.NoError(t, err)
	assert.Equal(t, "primary", plan.Target.Alias())
}

func TestRouteDefaultRoleDenied(t *testing.T) {
	r, reg := newTestRouter(t)
	addBackend(t, reg, pool.BackendConfig{Alias: "primary", Default: true, AllowedRoles: []string{"admin"}})

	_, err := route(t, r, request("", "", "update users set x = 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}

func TestRouteNoBackends(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := route(t, r, request("", "", "select 1"))
	require.Error(t, err)
	assert.Equal(t, types.KindRouting, types.KindOf(err))
}
