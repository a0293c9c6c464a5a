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

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"querygate/proxy/sqltext"
)

// Fingerprint derives the cache key for one cacheable query. Two requests
// share a fingerprint iff they would produce the same result: same
// canonical statement, same parameters, same target, same row cap.
//
// The statement is canonicalised through sqltext.Normalize (lowercased
// keywords, collapsed whitespace, uniform placeholders); parameters are
// serialised in sorted key order so map iteration never perturbs the key.
func Fingerprint(query string, params map[string]interface{}, target string, maxRows int) string {
	var b strings.Builder
	b.WriteString(sqltext.Normalize(query))
	b.WriteByte('\x00')
	b.WriteString(canonicalParams(params))
	b.WriteByte('\x00')
	b.WriteString(target)
	b.WriteByte('\x00')
	fmt.Fprintf(&b, "%d", maxRows)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		fmt.Fprintf(&b, "%s=%v", k, params[k])
	}
	return b.String()
}
