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

/*
Package masking transforms query results before they leave the proxy.

Two mechanisms run in sequence. Declarative rules map (table, column)
patterns to a strategy — FULL, PARTIAL, HASH, TOKENIZE, PSEUDONYMIZE,
GENERALIZE, FORMAT_PRESERVING, NULLIFY, REDACT, or a registered CUSTOM
function — and the highest-priority matching rule masks every cell of its
column. A second pass then scans the remaining string cells with PII
detectors (credit card, SSN, email, phone, IP, date of birth, IBAN) and
masks hits in place even where no rule matched.

Rules load from YAML and hot-reload when the file changes; a failed load
keeps the previous rule set. All patterns are compiled at load time.

Tokenisation and pseudonymisation are deterministic within a process for
the same input and category. The token mapping is process-local and is
not persisted across restarts.
*/
package masking
