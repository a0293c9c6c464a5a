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
Package logger provides structured JSON logging for the proxy components.

Log entries are emitted as single-line JSON on stdout so the container
runtime and any log aggregation behind it capture them without extra
configuration. Each entry carries the component name, instance identity,
and optionally the user and query ID of the request being served, which
ties a log line back to its audit row.

Create a logger per component:

	log := logger.New("executor")

Log with request correlation:

	log.Info(req.Principal.Username, qid, "Query dispatched", map[string]interface{}{
	    "server": plan.Target.Alias(),
	})

The logger reads INSTANCE_ID and HOSTNAME from the environment for the
instance identity fields. Logger instances are safe for concurrent use.
*/
package logger
