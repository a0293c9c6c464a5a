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
	"database/sql"
	"encoding/json"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

// Store supplies policy definitions to the engine.
type Store interface {
	LoadPolicies(ctx context.Context) ([]*Policy, error)
}

// PostgresStore loads policies from the access_policies table. Rules are
// stored as a JSON column so operators can manage them without schema
// churn.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgresStore creates the store and its schema if missing.
func NewPostgresStore(db *sql.DB, log *logger.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		return nil, types.WrapError(types.KindInternal, "creating policy schema", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_policies (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		resource_type VARCHAR(64) NOT NULL DEFAULT '*',
		priority INTEGER NOT NULL DEFAULT 0,
		default_effect VARCHAR(8) NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT true,
		rules JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_access_policies_enabled ON access_policies(enabled);
	CREATE INDEX IF NOT EXISTS idx_access_policies_resource ON access_policies(resource_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadPolicies fetches enabled policies ordered by priority. A row that
// fails to scan or parse is skipped and logged so one bad policy cannot
// block a reload.
func (s *PostgresStore) LoadPolicies(ctx context.Context) ([]*Policy, error) {
	query := `
		SELECT id, name, resource_type, priority, default_effect, enabled,
		       rules, created_at, updated_at
		FROM access_policies
		WHERE enabled = true
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "querying access policies", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []*Policy
	for rows.Next() {
		var p Policy
		var rulesJSON json.RawMessage
		var defaultEffect sql.NullString

		if err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.ResourceType,
			&p.Priority,
			&defaultEffect,
			&p.Enabled,
			&rulesJSON,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			s.log.Warn("", "", "Skipping unreadable policy row", map[string]interface{}{"error": err.Error()})
			continue
		}

		if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
			s.log.Warn("", "", "Skipping policy with malformed rules", map[string]interface{}{
				"policy": p.ID,
				"error":  err.Error(),
			})
			continue
		}

		if defaultEffect.Valid {
			p.DefaultEffect = Effect(defaultEffect.String)
		}
		policies = append(policies, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindInternal, "iterating access policies", err)
	}
	return policies, nil
}

// StaticStore serves a fixed policy list, used for YAML-bootstrapped
// deployments and tests.
type StaticStore struct {
	policies []*Policy
}

// NewStaticStore copies the given policies.
func NewStaticStore(policies []*Policy) *StaticStore {
	out := make([]*Policy, len(policies))
	copy(out, policies)
	return &StaticStore{policies: out}
}

// LoadPolicies returns a deep copy of the fixed set, so the engine's
// binding pass never touches policies held by an earlier snapshot.
func (s *StaticStore) LoadPolicies(_ context.Context) ([]*Policy, error) {
	out := make([]*Policy, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.clone()
	}
	return out, nil
}
