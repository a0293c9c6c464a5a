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

// Package router resolves each request to an execution plan: a single
// backend, or a server group with a distribution mode derived from the
// statement class. Selection within a group uses the shared backend
// scoring, so the router and the distributed executor always agree on
// which member is "best".
package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/executor"
	"querygate/proxy/pool"
	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

var routedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "querygate_routed_total",
	Help: "Routing decisions, by plan kind and mode.",
}, []string{"kind", "mode"})

func init() {
	prometheus.MustRegister(routedTotal)
}

// Router turns requests into execution plans.
type Router struct {
	registry *pool.Registry
	log      *logger.Logger
}

// New creates a router over the registry.
func New(registry *pool.Registry, log *logger.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Route resolves the request's target and produces a plan.
//
// Resolution order: explicit server_alias, then server_group, then — for
// reads with available replicas — the replica fleet, then the default
// backend. A role not admitted by the chosen backend's allow list is a
// routing error regardless of how the target was selected.
func (r *Router) Route(req *types.QueryRequest, analysis sqltext.Analysis) (*executor.Plan, error) {
	switch {
	case req.ServerAlias != "" && req.ServerGroup != "":
		return nil, types.NewError(types.KindValidation, "request sets both server_alias and server_group")

	case req.ServerAlias != "":
		b, err := r.registry.Get(req.ServerAlias)
		if err != nil {
			return nil, err
		}
		if !b.Active() {
			return nil, types.Errorf(types.KindRouting, "server %q is not active", req.ServerAlias).WithServer(req.ServerAlias)
		}
		if !b.RoleAllowed(req.Principal.Role) {
			return nil, types.Errorf(types.KindRouting, "role %q is not permitted on server %q", req.Principal.Role, req.ServerAlias)
		}
		return r.localPlan(b, nil), nil

	case req.ServerGroup != "":
		return r.groupPlan(req, analysis)

	default:
		// Reads prefer the replica fleet when one exists.
		if analysis.Type == types.QuerySelect {
			if replicas := r.allowed(r.registry.Replicas(""), req.Principal.Role); len(replicas) > 0 {
				ranked := pool.Rank(replicas)
				return r.localPlan(ranked[0], ranked[1:]), nil
			}
		}
		b, err := r.registry.Default()
		if err != nil {
			return nil, err
		}
		if !b.RoleAllowed(req.Principal.Role) {
			return nil, types.Errorf(types.KindRouting, "role %q is not permitted on server %q", req.Principal.Role, b.Alias())
		}
		return r.localPlan(b, nil), nil
	}
}

// groupPlan builds a distributed plan over a group's available members.
// Reads balance to one member; writes replicate to all; DDL and other
// statements broadcast.
func (r *Router) groupPlan(req *types.QueryRequest, analysis sqltext.Analysis) (*executor.Plan, error) {
	if len(r.registry.Group(req.ServerGroup)) == 0 {
		return nil, types.Errorf(types.KindRouting, "unknown server group %q", req.ServerGroup)
	}

	members := r.allowed(r.registry.AvailableInGroup(req.ServerGroup), req.Principal.Role)
	if len(members) == 0 {
		return nil, types.Errorf(types.KindRouting, "no active servers in group %q", req.ServerGroup)
	}

	mode := executor.ModeBroadcast
	switch {
	case analysis.Type == types.QuerySelect:
		mode = executor.ModeReadAny
	case analysis.Type.IsWrite():
		mode = executor.ModeWriteAll
	}

	routedTotal.WithLabelValues("distributed", string(mode)).Inc()
	r.log.Debug(req.Principal.Username, "", "Routed to server group", map[string]interface{}{
		"group":   req.ServerGroup,
		"mode":    string(mode),
		"members": len(members),
	})
	return &executor.Plan{
		Kind:    executor.PlanDistributed,
		Group:   req.ServerGroup,
		Members: members,
		Mode:    mode,
	}, nil
}

// localPlan wraps one backend and its ranked same-group alternates so the
// executor can retry idempotent statements elsewhere.
func (r *Router) localPlan(target *pool.Backend, alternates []*pool.Backend) *executor.Plan {
	if alternates == nil && target.Group() != "" {
		for _, b := range pool.Rank(r.registry.AvailableInGroup(target.Group())) {
			if b != target {
				alternates = append(alternates, b)
			}
		}
	}
	routedTotal.WithLabelValues("local", "").Inc()
	return &executor.Plan{
		Kind:       executor.PlanLocal,
		Target:     target,
		Alternates: alternates,
	}
}

// allowed filters candidates by the principal's role.
func (r *Router) allowed(backends []*pool.Backend, role string) []*pool.Backend {
	out := backends[:0:0]
	for _, b := range backends {
		if b.RoleAllowed(role) {
			out = append(out, b)
		}
	}
	return out
}
