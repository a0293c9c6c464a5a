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
Package types defines the contracts shared by every stage of the query
execution plane: the logical request and response shapes, the query
classification used for routing and caching decisions, and the closed
error taxonomy.

# Errors

Every failure the proxy surfaces is a *types.Error carrying an ErrorKind.
Callers branch on the kind, never on message text:

	if types.KindOf(err) == types.KindTimeout {
	    // deadline fired during wait or execution
	}

Retry decisions follow the same rule: types.Retryable reports whether an
error is a transient pool or backend failure, and the caller must still
check that the statement is idempotent before retrying it elsewhere.

# Thread safety

All types in this package are plain values; QueryResult.Clone produces a
deep copy for payloads that cross a cache boundary.
*/
package types
