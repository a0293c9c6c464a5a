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

package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	poolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querygate_pool_in_use",
		Help: "Connections currently leased from the pool.",
	}, []string{"server"})

	poolWaiting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querygate_pool_waiting",
		Help: "Callers queued for a connection.",
	}, []string{"server"})

	poolExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_pool_exhausted_total",
		Help: "Acquire attempts that found the pool at capacity.",
	}, []string{"server"})

	poolAcquireErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_pool_acquire_errors_total",
		Help: "Failed acquire attempts, by error kind.",
	}, []string{"server", "kind"})

	backendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querygate_backend_healthy",
		Help: "1 when the backend passes health probes, 0 otherwise.",
	}, []string{"server"})

	poolResizes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_pool_resizes_total",
		Help: "Pool resize operations, by direction.",
	}, []string{"server", "direction"})
)

func init() {
	prometheus.MustRegister(
		poolInUse,
		poolWaiting,
		poolExhausted,
		poolAcquireErrors,
		backendHealthy,
		poolResizes,
	)
}
