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
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"querygate/proxy/shared/types"
)

// ConditionFunc is a bound condition check. Parameters are captured at
// bind time so evaluation does no parsing or compilation.
type ConditionFunc func(ctx *AuthorizationContext) (bool, error)

// FunctionFactory validates rule parameters and returns the bound check.
// Binding happens once at policy load; a bad parameter fails the load, not
// the request.
type FunctionFactory func(params map[string]interface{}) (ConditionFunc, error)

// FunctionRegistry maps function names to factories. Built-ins are present
// from construction; custom functions may be registered before policies
// load.
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]FunctionFactory
}

// NewFunctionRegistry returns a registry with all built-ins installed.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{fns: make(map[string]FunctionFactory)}
	r.fns["in_time_window"] = inTimeWindowFactory
	r.fns["match_ip_range"] = matchIPRangeFactory
	r.fns["is_weekend"] = isWeekendFactory
	r.fns["is_business_hours"] = isBusinessHoursFactory
	r.fns["has_role"] = hasRoleFactory
	r.fns["table_in_list"] = tableInListFactory
	r.fns["all_tables_in_list"] = allTablesInListFactory
	r.fns["any_table_in_list"] = anyTablesInListFactory
	r.fns["column_in_list"] = columnInListFactory
	r.fns["has_where_clause"] = hasWhereClauseFactory
	r.fns["row_limit_under"] = rowLimitUnderFactory
	r.fns["match_regex"] = matchRegexFactory
	return r
}

// Register installs a custom function. Re-registering a name is an error so
// built-ins cannot be shadowed silently.
func (r *FunctionRegistry) Register(name string, factory FunctionFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return types.Errorf(types.KindValidation, "condition function %q is already registered", name)
	}
	r.fns[name] = factory
	return nil
}

// Bind resolves a name and binds its parameters. An unknown name is a load
// error per the rule invariant.
func (r *FunctionRegistry) Bind(name string, params map[string]interface{}) (ConditionFunc, error) {
	r.mu.RLock()
	factory, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.KindValidation, "undefined condition function %q", name)
	}
	fn, err := factory(params)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, "binding condition function "+name, err)
	}
	return fn, nil
}

// Names lists registered functions, for diagnostics.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	return out
}

// --- built-ins ---

// in_time_window(start, end): true when the clock falls inside [start,end],
// treating end < start as a window that crosses midnight.
func inTimeWindowFactory(params map[string]interface{}) (ConditionFunc, error) {
	start, err := paramClock(params, "start")
	if err != nil {
		return nil, err
	}
	end, err := paramClock(params, "end")
	if err != nil {
		return nil, err
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		now := ctx.Clock()
		minute := now.Hour()*60 + now.Minute()
		if start <= end {
			return minute >= start && minute <= end, nil
		}
		return minute >= start || minute <= end, nil
	}, nil
}

// match_ip_range(ranges): true when the client IP falls in any range.
// Ranges are "A-B" spans, CIDR blocks, or single addresses, all compared as
// 32-bit integers.
func matchIPRangeFactory(params map[string]interface{}) (ConditionFunc, error) {
	raw := paramStrings(params, "ranges")
	if len(raw) == 0 {
		return nil, fmt.Errorf("match_ip_range requires a non-empty ranges list")
	}
	type span struct{ lo, hi uint32 }
	spans := make([]span, 0, len(raw))
	for _, r := range raw {
		lo, hi, err := parseIPRange(r)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{lo, hi})
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		ip, ok := ipToUint32(ctx.ClientIP)
		if !ok {
			return false, nil
		}
		for _, s := range spans {
			if ip >= s.lo && ip <= s.hi {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

// is_weekend(): Saturday or Sunday.
func isWeekendFactory(_ map[string]interface{}) (ConditionFunc, error) {
	return func(ctx *AuthorizationContext) (bool, error) {
		day := ctx.Clock().Weekday()
		return day == time.Saturday || day == time.Sunday, nil
	}, nil
}

// is_business_hours(start_hour, end_hour, business_days): true inside
// working hours on a working day. Defaults: 9-17, Monday-Friday. The end
// hour is exclusive.
func isBusinessHoursFactory(params map[string]interface{}) (ConditionFunc, error) {
	startHour := int(paramFloat(params, "start_hour", 9))
	endHour := int(paramFloat(params, "end_hour", 17))
	if startHour < 0 || startHour > 23 || endHour < 1 || endHour > 24 || startHour >= endHour {
		return nil, fmt.Errorf("is_business_hours: invalid hours %d-%d", startHour, endHour)
	}

	days := map[time.Weekday]bool{}
	names := paramStrings(params, "business_days")
	if len(names) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			days[d] = true
		}
	} else {
		for _, name := range names {
			d, err := parseWeekday(name)
			if err != nil {
				return nil, err
			}
			days[d] = true
		}
	}

	return func(ctx *AuthorizationContext) (bool, error) {
		now := ctx.Clock()
		if !days[now.Weekday()] {
			return false, nil
		}
		return now.Hour() >= startHour && now.Hour() < endHour, nil
	}, nil
}

// has_role(roles): the requesting role is in the list.
func hasRoleFactory(params map[string]interface{}) (ConditionFunc, error) {
	roles := paramStrings(params, "roles")
	if len(roles) == 0 {
		return nil, fmt.Errorf("has_role requires a non-empty roles list")
	}
	set := lowerSet(roles)
	return func(ctx *AuthorizationContext) (bool, error) {
		_, ok := set[strings.ToLower(ctx.Role)]
		return ok, nil
	}, nil
}

// table_in_list(tables): the query's primary table is in the list.
func tableInListFactory(params map[string]interface{}) (ConditionFunc, error) {
	set, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		if len(ctx.Tables) == 0 {
			return false, nil
		}
		_, ok := set[strings.ToLower(ctx.Tables[0])]
		return ok, nil
	}, nil
}

// all_tables_in_list(tables): every referenced table is in the list. A
// query whose tables could not be extracted does not satisfy this check.
func allTablesInListFactory(params map[string]interface{}) (ConditionFunc, error) {
	set, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		if len(ctx.Tables) == 0 {
			return false, nil
		}
		for _, t := range ctx.Tables {
			if _, ok := set[strings.ToLower(t)]; !ok {
				return false, nil
			}
		}
		return true, nil
	}, nil
}

// any_table_in_list(tables): at least one referenced table is in the list.
func anyTablesInListFactory(params map[string]interface{}) (ConditionFunc, error) {
	set, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		for _, t := range ctx.Tables {
			if _, ok := set[strings.ToLower(t)]; ok {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

// column_in_list(columns): at least one referenced column is in the list.
func columnInListFactory(params map[string]interface{}) (ConditionFunc, error) {
	cols := paramStrings(params, "columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("column_in_list requires a non-empty columns list")
	}
	set := lowerSet(cols)
	return func(ctx *AuthorizationContext) (bool, error) {
		for _, c := range ctx.Columns {
			if _, ok := set[strings.ToLower(c)]; ok {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

// has_where_clause(expected): the query's WHERE presence matches the
// expectation. expected defaults to true; set it false to catch unbounded
// writes.
func hasWhereClauseFactory(params map[string]interface{}) (ConditionFunc, error) {
	expected := paramBool(params, "expected", true)
	return func(ctx *AuthorizationContext) (bool, error) {
		return ctx.HasWhere == expected, nil
	}, nil
}

// row_limit_under(max): the query has an explicit LIMIT at or under max.
func rowLimitUnderFactory(params map[string]interface{}) (ConditionFunc, error) {
	max, ok := params["max"]
	if !ok {
		return nil, fmt.Errorf("row_limit_under requires max")
	}
	limit, numeric := toFloat64(max)
	if !numeric || limit < 0 {
		return nil, fmt.Errorf("row_limit_under: max must be a non-negative number")
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		return ctx.RowLimit >= 0 && float64(ctx.RowLimit) <= limit, nil
	}, nil
}

// match_regex(field, pattern): the named field matches the pattern. The
// pattern compiles once at load.
func matchRegexFactory(params map[string]interface{}) (ConditionFunc, error) {
	field := paramString(params, "field", "query_text")
	pattern := paramString(params, "pattern", "")
	if pattern == "" {
		return nil, fmt.Errorf("match_regex requires pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("match_regex: %w", err)
	}
	return func(ctx *AuthorizationContext) (bool, error) {
		v, ok := fieldValue(ctx, field)
		if !ok {
			return false, types.Errorf(types.KindValidation, "match_regex: unknown field %q", field)
		}
		for _, s := range fieldStrings(v) {
			if re.MatchString(s) {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

// --- parameter helpers ---

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramFloat(params map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		if f, numeric := toFloat64(v); numeric {
			return f
		}
	}
	return fallback
}

func paramBool(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func paramStrings(params map[string]interface{}, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	return fieldStrings(v)
}

func tableParam(params map[string]interface{}) (map[string]struct{}, error) {
	tables := paramStrings(params, "tables")
	if len(tables) == 0 {
		return nil, fmt.Errorf("table list functions require a non-empty tables list")
	}
	return lowerSet(tables), nil
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = struct{}{}
	}
	return set
}

// paramClock parses "HH:MM" into minutes since midnight.
func paramClock(params map[string]interface{}, key string) (int, error) {
	raw := paramString(params, key, "")
	if raw == "" {
		return 0, fmt.Errorf("in_time_window requires %s", key)
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("in_time_window: %s must be HH:MM, got %q", key, raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// parseWeekday accepts full English day names, case-insensitive.
func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unknown weekday %q", name)
	}
}

// parseIPRange resolves "A-B", CIDR, or a single address to inclusive
// uint32 bounds.
func parseIPRange(r string) (uint32, uint32, error) {
	r = strings.TrimSpace(r)
	if strings.Contains(r, "-") {
		parts := strings.SplitN(r, "-", 2)
		lo, ok1 := ipToUint32(strings.TrimSpace(parts[0]))
		hi, ok2 := ipToUint32(strings.TrimSpace(parts[1]))
		if !ok1 || !ok2 {
			return 0, 0, fmt.Errorf("invalid IP range %q", r)
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, nil
	}
	if strings.Contains(r, "/") {
		_, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			return 0, 0, fmt.Errorf("only IPv4 CIDRs are supported, got %q", r)
		}
		lo := binary.BigEndian.Uint32(ip4)
		mask := binary.BigEndian.Uint32(net.IP(ipnet.Mask).To4())
		return lo, lo | ^mask, nil
	}
	v, ok := ipToUint32(r)
	if !ok {
		return 0, 0, fmt.Errorf("invalid IP %q", r)
	}
	return v, v, nil
}

func ipToUint32(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4), true
}
