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
	"regexp"
	"time"

	"querygate/proxy/shared/types"
)

// Effect is a rule or policy outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// AuthorizationContext carries everything the evaluator may inspect for one
// request. It is built once per request and never mutated during
// evaluation.
type AuthorizationContext struct {
	User      string
	Role      string
	Action    string
	Resource  string
	Tables    []string
	Columns   []string
	ClientIP  string
	QueryText string
	QueryType types.QueryType

	// Derived from query analysis so condition functions do not re-parse.
	HasWhere bool
	RowLimit int // -1 when the query has no LIMIT clause

	// Now anchors time-based conditions; the zero value means wall clock.
	Now time.Time
}

// Clock returns the evaluation time.
func (c *AuthorizationContext) Clock() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// Condition is either a field comparison (Field+Operator+Value) or a named
// function call (Function+Params). Function conditions are bound to their
// handler when the policy is loaded.
type Condition struct {
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	Function string                 `json:"function,omitempty" yaml:"function,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	fn ConditionFunc
	re *regexp.Regexp // compiled at load time for the regex operator
}

// Rule is one allow/deny clause inside a policy.
type Rule struct {
	ID       string `json:"id" yaml:"id"`
	Effect   Effect `json:"effect" yaml:"effect"`
	Priority int    `json:"priority" yaml:"priority"`

	// Actions the rule applies to (query, execute, ...). Empty matches all.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`

	// AllConditionsRequired selects AND over the conditions; otherwise any
	// single match fires the rule.
	AllConditionsRequired bool        `json:"all_conditions_required" yaml:"all_conditions_required"`
	Conditions            []Condition `json:"conditions" yaml:"conditions"`

	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Policy groups rules for one resource type. Policies of the same resource
// type are totally ordered by priority.
type Policy struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	ResourceType  string    `json:"resource_type" yaml:"resource_type"`
	Priority      int       `json:"priority" yaml:"priority"`
	DefaultEffect Effect    `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	Rules         []Rule    `json:"rules" yaml:"rules"`
	CreatedAt     time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// clone returns a deep copy so binding never mutates a policy shared with
// an active snapshot.
func (p *Policy) clone() *Policy {
	out := *p
	out.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		rc := r
		rc.Actions = append([]string(nil), r.Actions...)
		rc.Conditions = make([]Condition, len(r.Conditions))
		for j, c := range r.Conditions {
			c.fn = nil
			rc.Conditions[j] = c
		}
		out.Rules[i] = rc
	}
	return &out
}

// AuthorizationResult is the evaluator's verdict.
type AuthorizationResult struct {
	Allowed  bool   `json:"allowed"`
	PolicyID string `json:"policy_id,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
