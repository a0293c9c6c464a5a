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

import (
	"sync"
	"time"
)

// recentWindow is the sliding window routing decisions score over.
const recentWindow = 5 * time.Minute

const statsBuckets = 6

type statsBucket struct {
	minute  int64
	queries int64
	errors  int64
}

// ServerStats accumulates per-backend query outcomes in one-minute buckets.
// Six buckets cover the five-minute scoring window plus the current partial
// minute. Buckets are reused in place, so memory stays constant.
type ServerStats struct {
	mu           sync.Mutex
	buckets      [statsBuckets]statsBucket
	lastError    time.Time
	totalQueries int64
	totalErrors  int64
	totalLatency time.Duration
}

// StatsSnapshot is a point-in-time view used by stats endpoints.
type StatsSnapshot struct {
	TotalQueries     int64         `json:"total_queries"`
	TotalErrors      int64         `json:"total_errors"`
	RecentErrorRate  float64       `json:"recent_error_rate_pct"`
	QueriesPerMinute float64       `json:"queries_per_minute"`
	AvgLatency       time.Duration `json:"avg_latency"`
	LastErrorAt      time.Time     `json:"last_error_at,omitempty"`
}

// Record adds one query outcome.
func (s *ServerStats) Record(d time.Duration, failed bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketFor(now)
	b.queries++
	s.totalQueries++
	s.totalLatency += d
	if failed {
		b.errors++
		s.totalErrors++
		s.lastError = now
	}
}

// ErrorRate returns the failure percentage over the recent window.
func (s *ServerStats) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	queries, errors := s.windowTotals(time.Now())
	if queries == 0 {
		return 0
	}
	return float64(errors) / float64(queries) * 100
}

// QueriesPerMinute returns the recent query rate.
func (s *ServerStats) QueriesPerMinute() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	queries, _ := s.windowTotals(time.Now())
	return float64(queries) / recentWindow.Minutes()
}

// ErroredWithin reports whether any query failed inside the window.
func (s *ServerStats) ErroredWithin(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastError.IsZero() && time.Since(s.lastError) <= window
}

// Snapshot returns aggregate counters for reporting.
func (s *ServerStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	queries, errors := s.windowTotals(time.Now())
	snap := StatsSnapshot{
		TotalQueries:     s.totalQueries,
		TotalErrors:      s.totalErrors,
		QueriesPerMinute: float64(queries) / recentWindow.Minutes(),
		LastErrorAt:      s.lastError,
	}
	if queries > 0 {
		snap.RecentErrorRate = float64(errors) / float64(queries) * 100
	}
	if s.totalQueries > 0 {
		snap.AvgLatency = s.totalLatency / time.Duration(s.totalQueries)
	}
	return snap
}

// bucketFor returns the live bucket for now, resetting it if it still holds
// counts from an older minute. Caller holds s.mu.
func (s *ServerStats) bucketFor(now time.Time) *statsBucket {
	minute := now.Unix() / 60
	b := &s.buckets[minute%statsBuckets]
	if b.minute != minute {
		b.minute = minute
		b.queries = 0
		b.errors = 0
	}
	return b
}

// windowTotals sums buckets that fall inside the recent window. Caller
// holds s.mu.
func (s *ServerStats) windowTotals(now time.Time) (queries, errors int64) {
	oldest := now.Add(-recentWindow).Unix() / 60
	for i := range s.buckets {
		if s.buckets[i].minute >= oldest {
			queries += s.buckets[i].queries
			errors += s.buckets[i].errors
		}
	}
	return queries, errors
}
