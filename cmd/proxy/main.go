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

// Package main is the entry point for the QueryGate proxy service.
//
// The proxy is the SQL execution plane behind the gateway: it routes
// queries to PostgreSQL and MySQL backends, enforces access policies,
// masks sensitive result columns, caches reads, and writes an audit trail
// for every statement.
//
// Usage:
//
//	./proxy
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8085)
//	PROXY_CONFIG - path to the YAML bootstrap file (backends, policies, masking)
//	DATABASE_URL - PostgreSQL connection string for the audit trail and policy store
//	JWT_SECRET - HMAC secret for bearer-token verification (optional)
//	CACHE_BACKEND - "memory" (default) or "redis"
//	REDIS_ADDR - Redis address when CACHE_BACKEND=redis (default: localhost:6379)
//	CACHE_TTL_SECONDS - result cache entry lifetime (default: 300)
//	POLICY_UPDATE_INTERVAL_SECONDS - policy snapshot refresh (default: 300)
//	HEALTH_CHECK_INTERVAL_SECONDS - backend probe interval (default: 30)
//	AUTOSCALING_ENABLED - enable pool autoscaling (default: false)
//	DISTRIBUTED_MAX_WORKERS - scatter/gather concurrency (default: 8)
//	QUERY_TIMEOUT_<ROLE>_SECONDS - per-role query deadline overrides
//	ANALYTICS_ENABLED - enable the audit anomaly detector (default: true)
package main

import (
	"querygate/proxy/proxy"
)

func main() {
	proxy.Run()
}
