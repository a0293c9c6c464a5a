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
	"regexp"

	"gopkg.in/yaml.v3"

	"querygate/proxy/shared/types"
)

// Rule maps (table, column) patterns to a masking strategy. When several
// rules match the same column the highest priority wins; ties resolve to
// the rule declared first so the outcome is deterministic.
type Rule struct {
	Name         string   `yaml:"name" json:"name"`
	TableRegex   string   `yaml:"table_regex" json:"table_regex"`
	ColumnRegex  string   `yaml:"column_regex" json:"column_regex"`
	Strategy     Strategy `yaml:"strategy" json:"strategy"`
	DataCategory string   `yaml:"data_category" json:"data_category,omitempty"`
	Priority     int      `yaml:"priority" json:"priority"`
	Options      Options  `yaml:"options" json:"options"`
}

// compiledRule is a Rule with its patterns compiled and its strategy
// resolved. Compilation happens once at load; matching a column is two
// regexp probes and nothing else.
type compiledRule struct {
	rule   Rule
	table  *regexp.Regexp
	column *regexp.Regexp
	fn     MaskFunc
	order  int
}

func (c *compiledRule) matches(table, column string) bool {
	if c.table != nil && !c.table.MatchString(table) {
		return false
	}
	return c.column.MatchString(column)
}

// rulesFile is the YAML shape of a masking rules document.
type rulesFile struct {
	Rules []Rule `yaml:"masking_rules"`
}

// compile validates one rule and resolves its handler against the
// registry. An empty table pattern matches every table.
func compile(r Rule, order int, registry *StrategyRegistry) (*compiledRule, error) {
	if r.ColumnRegex == "" {
		return nil, types.Errorf(types.KindValidation, "masking rule %q has no column pattern", r.Name)
	}

	c := &compiledRule{rule: r, order: order}

	var err error
	if r.TableRegex != "" {
		if c.table, err = regexp.Compile("(?i)" + r.TableRegex); err != nil {
			return nil, types.WrapError(types.KindValidation, "masking rule "+r.Name+": table pattern", err)
		}
	}
	if c.column, err = regexp.Compile("(?i)" + r.ColumnRegex); err != nil {
		return nil, types.WrapError(types.KindValidation, "masking rule "+r.Name+": column pattern", err)
	}

	if c.fn, err = registry.resolve(r.Strategy, r.Options.Function); err != nil {
		return nil, err
	}

	// PSEUDONYMIZE falls back to the rule's data category when the option
	// does not name one.
	if r.Strategy == StrategyPseudonymize && c.rule.Options.Category == "" {
		c.rule.Options.Category = r.DataCategory
	}
	return c, nil
}

// compileAll compiles a rule list. Any bad rule fails the whole load so a
// typo never silently leaves a column unmasked.
func compileAll(rules []Rule, registry *StrategyRegistry) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	for i, r := range rules {
		c, err := compile(r, i, registry)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseRules decodes a YAML masking rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, types.WrapError(types.KindValidation, "parsing masking rules", err)
	}
	return f.Rules, nil
}

// ReadRulesFile loads masking rules from a YAML file.
func ReadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, "reading masking rules file", err)
	}
	return ParseRules(data)
}
