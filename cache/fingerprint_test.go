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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintCanonicalisesStatement(t *testing.T) {
	a := Fingerprint("SELECT * FROM users WHERE id = $1", nil, "primary", 1000)
	b := Fingerprint("select  *\nfrom users\twhere id = ?", nil, "primary", 1000)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintParamOrderInsensitive(t *testing.T) {
	a := Fingerprint("select 1", map[string]interface{}{"a": 1, "b": "x", "c": true}, "primary", 0)
	b := Fingerprint("select 1", map[string]interface{}{"c": true, "b": "x", "a": 1}, "primary", 0)
	assert.Equal(t, a, b)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("select * from users", map[string]interface{}{"id": 7}, "primary", 1000)

	assert.NotEqual(t, base, Fingerprint("select * from orders", map[string]interface{}{"id": 7}, "primary", 1000))
	assert.NotEqual(t, base, Fingerprint("select * from users", map[string]interface{}{"id": 8}, "primary", 1000))
	assert.NotEqual(t, base, Fingerprint("select * from users", map[string]interface{}{"id": 7}, "replica-1", 1000))
	assert.NotEqual(t, base, Fingerprint("select * from users", map[string]interface{}{"id": 7}, "primary", 500))
	assert.NotEqual(t, base, Fingerprint("select * from users", nil, "primary", 1000))
}
