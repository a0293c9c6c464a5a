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

package masking

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

var (
	maskedColumns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_masked_columns_total",
		Help: "Columns masked by a column rule, by strategy.",
	}, []string{"strategy"})

	piiCellsMasked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_pii_cells_masked_total",
		Help: "Cells masked by the PII second pass, by detector.",
	}, []string{"detector"})

	maskingReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_masking_reloads_total",
		Help: "Masking rule reloads, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(maskedColumns, piiCellsMasked, maskingReloads)
}

// ruleSnapshot is one immutable generation of compiled rules. The masker
// swaps it atomically so in-flight requests keep the generation they
// started with.
type ruleSnapshot struct {
	rules    []*compiledRule
	loadedAt time.Time
}

// MaskerConfig tunes the masker.
type MaskerConfig struct {
	// RulesFile enables hot reload: when set, StartReload watches the
	// file's mtime and reloads on change.
	RulesFile string

	// DisablePIIScan turns the second-pass detectors off. Column rules
	// still apply.
	DisablePIIScan bool

	// Detectors overrides the default PII detector set when non-nil.
	Detectors []PIIDetector
}

// Masker transforms result rows by applying the highest-priority matching
// rule per column, then running PII detectors over string cells that no
// rule covered. Rule lookups read an atomic snapshot and never block
// reloads.
type Masker struct {
	cfg      MaskerConfig
	log      *logger.Logger
	registry *StrategyRegistry
	tokens   *tokenStore
	pii      []PIIDetector

	current atomic.Pointer[ruleSnapshot]

	fileMtime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMasker creates a masker with no rules loaded. Call LoadRules or
// LoadFile before serving traffic.
func NewMasker(log *logger.Logger, cfg MaskerConfig) *Masker {
	tokens := newTokenStore()
	m := &Masker{
		cfg:      cfg,
		log:      log,
		registry: newStrategyRegistry(tokens),
		tokens:   tokens,
		stopCh:   make(chan struct{}),
	}
	if !cfg.DisablePIIScan {
		m.pii = cfg.Detectors
		if m.pii == nil {
			m.pii = DefaultDetectors()
		}
	}
	m.current.Store(&ruleSnapshot{loadedAt: time.Now()})
	return m
}

// RegisterCustom installs a named CUSTOM strategy handler. Custom handlers
// must be registered before the rules that reference them load.
func (m *Masker) RegisterCustom(name string, fn MaskFunc) error {
	return m.registry.RegisterCustom(name, fn)
}

// LoadRules compiles and installs a rule set atomically. On error the
// previous snapshot stays active.
func (m *Masker) LoadRules(rules []Rule) error {
	compiled, err := compileAll(rules, m.registry)
	if err != nil {
		maskingReloads.WithLabelValues("error").Inc()
		return err
	}
	m.current.Store(&ruleSnapshot{rules: compiled, loadedAt: time.Now()})
	maskingReloads.WithLabelValues("ok").Inc()
	m.log.Info("", "", "Masking rules loaded", map[string]interface{}{"rules": len(compiled)})
	return nil
}

// LoadFile loads rules from the configured YAML file.
func (m *Masker) LoadFile() error {
	if m.cfg.RulesFile == "" {
		return types.NewError(types.KindValidation, "no masking rules file configured")
	}
	info, err := os.Stat(m.cfg.RulesFile)
	if err != nil {
		return types.WrapError(types.KindValidation, "masking rules file", err)
	}
	rules, err := ReadRulesFile(m.cfg.RulesFile)
	if err != nil {
		return err
	}
	if err := m.LoadRules(rules); err != nil {
		return err
	}
	m.fileMtime = info.ModTime()
	return nil
}

// StartReload polls the rules file and reloads when its mtime changes. A
// failed reload keeps the previous snapshot.
func (m *Masker) StartReload(interval time.Duration) {
	if m.cfg.RulesFile == "" {
		return
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				info, err := os.Stat(m.cfg.RulesFile)
				if err != nil || !info.ModTime().After(m.fileMtime) {
					continue
				}
				if err := m.LoadFile(); err != nil {
					m.log.ErrorWithErr("", "", "Masking rule reload failed, keeping previous rules", err, nil)
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reload loop.
func (m *Masker) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RuleCount returns the number of rules in the active snapshot.
func (m *Masker) RuleCount() int {
	return len(m.current.Load().rules)
}

// Apply masks a result in place and records which columns were touched.
// table is the statement's primary table, used to scope rule matching;
// it may be empty for expressions without a resolvable table.
//
// Every cell of a rule-matched column is masked regardless of value; the
// PII pass then scans remaining string cells and masks detector hits even
// where no column rule applied.
func (m *Masker) Apply(res *types.QueryResult, table string) *types.QueryResult {
	if res == nil || len(res.Columns) == 0 {
		return res
	}

	snap := m.current.Load()
	matched := make(map[int]*compiledRule)
	for idx, col := range res.Columns {
		if r := bestRule(snap.rules, table, col); r != nil {
			matched[idx] = r
		}
	}
	if len(matched) == 0 && len(m.pii) == 0 {
		return res
	}

	maskedCols := make(map[int]bool, len(matched))
	for idx, r := range matched {
		for _, row := range res.Rows {
			if idx < len(row) {
				row[idx] = r.fn(row[idx], &r.rule.Options)
			}
		}
		maskedCols[idx] = true
		maskedColumns.WithLabelValues(string(r.rule.Strategy)).Inc()
	}

	// Second pass: sensitive values leaking through unruled columns.
	for _, row := range res.Rows {
		for idx, cell := range row {
			if maskedCols[idx] {
				continue
			}
			s, ok := cell.(string)
			if !ok {
				if b, isBytes := cell.([]byte); isBytes {
					s, ok = string(b), true
				}
			}
			if !ok || s == "" {
				continue
			}
			masked, hit := scanPII(m.pii, s)
			if hit != "" {
				row[idx] = masked
				maskedCols[idx] = true
				piiCellsMasked.WithLabelValues(hit).Inc()
			}
		}
	}

	if len(maskedCols) > 0 {
		res.Masked = true
		for idx := range res.Columns {
			if maskedCols[idx] {
				res.MaskedColumns = append(res.MaskedColumns, res.Columns[idx])
			}
		}
	}
	return res
}

// bestRule picks the highest-priority rule matching (table, column), ties
// resolved by declaration order.
func bestRule(rules []*compiledRule, table, column string) *compiledRule {
	var best *compiledRule
	for _, r := range rules {
		if !r.matches(table, column) {
			continue
		}
		if best == nil || r.rule.Priority > best.rule.Priority {
			best = r
		}
	}
	return best
}
