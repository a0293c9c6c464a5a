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

/*
Package pool manages the fleet of backend database servers behind the
proxy: per-server connection pools, health probing, rolling query stats,
and optional autoscaling of pool ceilings.

# Registry

Servers are registered once with a BackendConfig and looked up by alias,
group, or role:

	registry := pool.NewRegistry(log, secrets)
	backend, err := registry.Register(ctx, pool.BackendConfig{
	    Alias:    "orders-primary",
	    Engine:   pool.EnginePostgres,
	    Host:     "db1.internal",
	    Database: "orders",
	    Username: "proxy",
	    Role:     pool.RolePrimary,
	    Group:    "orders",
	    MaxConns: 50,
	})

# Connection leases

Every query leases a connection and must release it exactly once:

	lease, err := backend.Pool().Acquire(ctx)
	if err != nil {
	    return err
	}
	defer backend.Pool().Release(lease, err == nil)

At capacity, Acquire queues callers in FIFO order. A waiter gives up when
its context or the pool's acquire timeout expires. Release with ok=false
discards the physical connection instead of recycling it.

# Health and scoring

A Prober pings each backend on an interval; three consecutive failures
mark a backend unhealthy and one success brings it back. Backend.Score
combines current load with the recent error rate so the router can prefer
the least troubled candidate.

# Thread safety

All exported types are safe for concurrent use.
*/
package pool
