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

package executor

import (
	"fmt"
	"regexp"
	"strings"

	"querygate/proxy/pool"
	"querygate/proxy/shared/types"
)

// namedParamRe matches :name placeholders. A preceding colon is excluded
// so PostgreSQL ::type casts pass through untouched.
var namedParamRe = regexp.MustCompile(`(^|[^:]):([a-zA-Z_][a-zA-Z0-9_]*)`)

// bindNamed rewrites :name placeholders to the engine's positional style
// and collects arguments in occurrence order. A placeholder without a
// matching parameter is a validation error; unused parameters are ignored
// (an empty map behaves as no parameterisation).
func bindNamed(query string, params map[string]interface{}, engine pool.Engine) (string, []interface{}, error) {
	if !strings.Contains(query, ":") {
		return query, nil, nil
	}

	var args []interface{}
	var missing string
	n := 0
	out := namedParamRe.ReplaceAllStringFunc(query, func(m string) string {
		sub := namedParamRe.FindStringSubmatch(m)
		prefix, name := sub[1], sub[2]
		value, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		args = append(args, value)
		n++
		if engine == pool.EngineMySQL {
			return prefix + "?"
		}
		return prefix + fmt.Sprintf("$%d", n)
	})
	if missing != "" {
		return "", nil, types.Errorf(types.KindValidation, "query references parameter %q which was not supplied", missing)
	}
	return out, args, nil
}
