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

package policy

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

var (
	policyDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_policy_decisions_total",
		Help: "Authorization decisions, by effect.",
	}, []string{"effect"})

	policyReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_policy_reloads_total",
		Help: "Policy snapshot reloads, by outcome.",
	}, []string{"outcome"})

	policiesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_policies_loaded",
		Help: "Policies in the active snapshot.",
	})
)

func init() {
	prometheus.MustRegister(policyDecisions, policyReloads, policiesLoaded)
}

// snapshot is one immutable generation of loaded policies, pre-sorted and
// with every condition function bound.
type snapshot struct {
	policies []*Policy
	loadedAt time.Time
}

// Engine evaluates authorization requests against the current policy
// snapshot. Readers never block: the snapshot is swapped atomically and a
// failed reload keeps the previous generation.
type Engine struct {
	store    Store
	registry *FunctionRegistry
	log      *logger.Logger
	interval time.Duration

	current atomic.Pointer[snapshot]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Call Load before serving traffic, then
// Start for periodic refresh.
func NewEngine(store Store, registry *FunctionRegistry, log *logger.Logger, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Engine{
		store:    store,
		registry: registry,
		log:      log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Load fetches policies from the store, binds every condition function,
// sorts, and swaps the snapshot in one step. On any error the previous
// snapshot stays active.
func (e *Engine) Load(ctx context.Context) error {
	policies, err := e.store.LoadPolicies(ctx)
	if err != nil {
		policyReloads.WithLabelValues("error").Inc()
		return err
	}

	valid := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if err := e.bind(p); err != nil {
			// One malformed policy must not take down the rest; it is
			// dropped from the snapshot and surfaced loudly.
			e.log.ErrorWithErr("", "", "Skipping policy with unbound conditions", err, map[string]interface{}{
				"policy": p.ID,
			})
			continue
		}
		valid = append(valid, p)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority > valid[j].Priority
	})
	for _, p := range valid {
		rules := p.Rules
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
	}

	e.current.Store(&snapshot{policies: valid, loadedAt: time.Now()})
	policiesLoaded.Set(float64(len(valid)))
	policyReloads.WithLabelValues("ok").Inc()
	e.log.Info("", "", "Policy snapshot loaded", map[string]interface{}{
		"policies": len(valid),
		"skipped":  len(policies) - len(valid),
	})
	return nil
}

// bind resolves every function condition in the policy to its handler and
// compiles regex operator patterns. All pattern compilation happens here,
// never on the evaluation path.
func (e *Engine) bind(p *Policy) error {
	for ri := range p.Rules {
		rule := &p.Rules[ri]
		for ci := range rule.Conditions {
			cond := &rule.Conditions[ci]
			if cond.Function != "" {
				fn, err := e.registry.Bind(cond.Function, cond.Params)
				if err != nil {
					return err
				}
				cond.fn = fn
				continue
			}
			if cond.Operator == "regex" {
				re, err := regexp.Compile(stringify(cond.Value))
				if err != nil {
					return types.WrapError(types.KindValidation, "invalid condition regex", err)
				}
				cond.re = re
			}
		}
	}
	return nil
}

// Start launches the refresh loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := e.Load(ctx); err != nil {
					e.log.ErrorWithErr("", "", "Policy reload failed, keeping previous snapshot", err, nil)
				}
				cancel()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// LoadedAt returns when the active snapshot was installed.
func (e *Engine) LoadedAt() time.Time {
	if snap := e.current.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// PolicyCount returns the number of active policies.
func (e *Engine) PolicyCount() int {
	if snap := e.current.Load(); snap != nil {
		return len(snap.policies)
	}
	return 0
}

// Evaluate walks matching policies in priority order. The first rule that
// matches decides; a policy whose rules all miss falls back to its
// default_effect when it has one. When nothing decides, the request is
// denied.
func (e *Engine) Evaluate(authz *AuthorizationContext) *AuthorizationResult {
	snap := e.current.Load()
	if snap == nil {
		policyDecisions.WithLabelValues("deny").Inc()
		return &AuthorizationResult{
			Allowed: false,
			Reason:  "no policies loaded",
			Message: "access denied",
		}
	}

	for _, p := range snap.policies {
		if p.ResourceType != "*" && p.ResourceType != authz.Resource {
			continue
		}

		for ri := range p.Rules {
			rule := &p.Rules[ri]
			if !ruleApplies(rule, authz.Action) {
				continue
			}
			matched := e.ruleMatches(rule, authz, p.ID)
			if !matched {
				continue
			}
			return e.decide(p.ID, rule.ID, rule.Effect, rule.Message)
		}

		if p.DefaultEffect != "" {
			return e.decide(p.ID, "", p.DefaultEffect, "")
		}
	}

	policyDecisions.WithLabelValues("deny").Inc()
	return &AuthorizationResult{
		Allowed: false,
		Reason:  "no policy matched",
		Message: "access denied",
	}
}

func (e *Engine) decide(policyID, ruleID string, effect Effect, message string) *AuthorizationResult {
	allowed := effect == EffectAllow
	label := "deny"
	reason := "denied by policy"
	if allowed {
		label = "allow"
		reason = "allowed by policy"
	}
	policyDecisions.WithLabelValues(label).Inc()
	if message == "" {
		message = reason
	}
	return &AuthorizationResult{
		Allowed:  allowed,
		PolicyID: policyID,
		RuleID:   ruleID,
		Message:  message,
		Reason:   reason,
	}
}

// ruleApplies checks the rule's action filter.
func ruleApplies(rule *Rule, action string) bool {
	if len(rule.Actions) == 0 {
		return true
	}
	for _, a := range rule.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// ruleMatches evaluates the rule's conditions with AND or OR semantics. A
// condition that errors counts as not matched.
func (e *Engine) ruleMatches(rule *Rule, authz *AuthorizationContext, policyID string) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	for ci := range rule.Conditions {
		ok, err := rule.Conditions[ci].evaluate(authz)
		if err != nil {
			e.log.Warn(authz.User, "", "Condition evaluation failed", map[string]interface{}{
				"policy": policyID,
				"rule":   rule.ID,
				"error":  err.Error(),
			})
			ok = false
		}
		if rule.AllConditionsRequired && !ok {
			return false
		}
		if !rule.AllConditionsRequired && ok {
			return true
		}
	}
	return rule.AllConditionsRequired
}
