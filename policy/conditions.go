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
	"fmt"
	"strconv"
	"strings"

	"querygate/proxy/shared/types"
)

// evaluate checks one condition against the context. Function conditions
// dispatch to their bound handler; field conditions compare the extracted
// field value with the configured operator.
func (c *Condition) evaluate(ctx *AuthorizationContext) (bool, error) {
	if c.Function != "" {
		if c.fn == nil {
			return false, types.Errorf(types.KindInternal, "condition function %q was not bound at load time", c.Function)
		}
		return c.fn(ctx)
	}

	fieldValue, ok := fieldValue(ctx, c.Field)
	if !ok {
		return false, types.Errorf(types.KindValidation, "unknown condition field %q", c.Field)
	}

	switch c.Operator {
	case "eq":
		return stringify(fieldValue) == stringify(c.Value), nil
	case "neq":
		return stringify(fieldValue) != stringify(c.Value), nil
	case "in":
		return valueIn(c.Value, fieldValue), nil
	case "not_in":
		return !valueIn(c.Value, fieldValue), nil
	case "contains":
		return containsValue(fieldValue, c.Value), nil
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(stringify(fieldValue)), strings.ToLower(stringify(c.Value))), nil
	case "ends_with":
		return strings.HasSuffix(strings.ToLower(stringify(fieldValue)), strings.ToLower(stringify(c.Value))), nil
	case "regex":
		if c.re == nil {
			return false, types.Errorf(types.KindInternal, "condition regex %q was not compiled at load time", stringify(c.Value))
		}
		return c.re.MatchString(stringify(fieldValue)), nil
	case "gt", "gte", "lt", "lte":
		return compareNumeric(fieldValue, c.Value, c.Operator)
	default:
		return false, types.Errorf(types.KindValidation, "unknown condition operator %q", c.Operator)
	}
}

// fieldValue resolves a dotted field path against the context.
func fieldValue(ctx *AuthorizationContext, field string) (interface{}, bool) {
	switch field {
	case "user", "user.name":
		return ctx.User, true
	case "role", "user.role":
		return ctx.Role, true
	case "action":
		return ctx.Action, true
	case "resource":
		return ctx.Resource, true
	case "client_ip":
		return ctx.ClientIP, true
	case "query_text", "query":
		return ctx.QueryText, true
	case "query_type":
		return string(ctx.QueryType), true
	case "tables":
		return ctx.Tables, true
	case "columns":
		return ctx.Columns, true
	case "row_limit":
		return ctx.RowLimit, true
	case "has_where":
		return ctx.HasWhere, true
	case "hour":
		return ctx.Clock().Hour(), true
	default:
		return nil, false
	}
}

// stringify renders a value for string comparison the way the evaluator's
// JSON inputs arrive.
func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// valueIn checks membership of the field value in a configured list. A
// slice-valued field (tables, columns) matches when any element is listed.
func valueIn(list interface{}, fieldValue interface{}) bool {
	items := toStringSet(list)
	if len(items) == 0 {
		return false
	}
	for _, v := range fieldStrings(fieldValue) {
		if _, ok := items[strings.ToLower(v)]; ok {
			return true
		}
	}
	return false
}

// containsValue is substring matching for strings and membership for
// slices, both case-insensitive.
func containsValue(fieldValue, needle interface{}) bool {
	want := strings.ToLower(stringify(needle))
	switch x := fieldValue.(type) {
	case []string:
		for _, v := range x {
			if strings.ToLower(v) == want {
				return true
			}
		}
		return false
	default:
		return strings.Contains(strings.ToLower(stringify(fieldValue)), want)
	}
}

func compareNumeric(fieldValue, want interface{}, op string) (bool, error) {
	a, aok := toFloat64(fieldValue)
	b, bok := toFloat64(want)
	if !aok || !bok {
		return false, types.Errorf(types.KindValidation, "operator %q requires numeric operands", op)
	}
	switch op {
	case "gt":
		return a > b, nil
	case "gte":
		return a >= b, nil
	case "lt":
		return a < b, nil
	case "lte":
		return a <= b, nil
	}
	return false, types.Errorf(types.KindValidation, "unknown numeric operator %q", op)
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toStringSet lowers a configured list (JSON array or single scalar) into a
// lookup set.
func toStringSet(v interface{}) map[string]struct{} {
	set := make(map[string]struct{})
	switch x := v.(type) {
	case nil:
	case []interface{}:
		for _, item := range x {
			set[strings.ToLower(stringify(item))] = struct{}{}
		}
	case []string:
		for _, item := range x {
			set[strings.ToLower(item)] = struct{}{}
		}
	default:
		set[strings.ToLower(stringify(v))] = struct{}{}
	}
	return set
}

// fieldStrings flattens a field value into comparable strings.
func fieldStrings(v interface{}) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, stringify(item))
		}
		return out
	default:
		return []string{stringify(v)}
	}
}
