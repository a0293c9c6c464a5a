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

// Package cache memoises SELECT-class results keyed by query fingerprint,
// with single-flight deduplication so at most one build runs per
// fingerprint at a time.
package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_hits_total",
		Help: "Requests served from the result cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_misses_total",
		Help: "Cacheable requests that required a build.",
	})
	cacheShared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_shared_builds_total",
		Help: "Requests that received another caller's in-flight build result.",
	})
	cacheWaitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_wait_timeouts_total",
		Help: "Single-flight waits that timed out and fell through to an unsupervised build.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, cacheShared, cacheWaitTimeouts)
}

// BuildFunc produces the value for a fingerprint on a cache miss.
type BuildFunc func(ctx context.Context) (*types.QueryResult, error)

// Config tunes the result cache.
type Config struct {
	DefaultTTL  time.Duration // default 5m
	WaitTimeout time.Duration // bounded single-flight wait, default 10s
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
}

// ResultCache coordinates the store with per-fingerprint single-flight.
// Error results are never stored; only the caller that built a value
// decides whether it is cacheable.
type ResultCache struct {
	store Store
	cfg   Config
	log   *logger.Logger
	group singleflight.Group
}

// New creates a cache over the given store.
func New(store Store, log *logger.Logger, cfg Config) *ResultCache {
	cfg.applyDefaults()
	return &ResultCache{store: store, cfg: cfg, log: log}
}

// DefaultTTL returns the configured default entry lifetime.
func (c *ResultCache) DefaultTTL() time.Duration { return c.cfg.DefaultTTL }

// Get probes the store directly, bypassing single-flight.
func (c *ResultCache) Get(ctx context.Context, fp string) (*types.QueryResult, bool) {
	value, ok, err := c.store.Get(ctx, fp)
	if err != nil {
		c.log.ErrorWithErr("", "", "Cache read failed", err, nil)
		return nil, false
	}
	return value, ok
}

// Put stores a value. A non-positive ttl selects the default.
func (c *ResultCache) Put(ctx context.Context, fp string, value *types.QueryResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if err := c.store.Put(ctx, fp, value, ttl); err != nil {
		// A failed store write degrades to a miss next time; the request
		// itself already has its result.
		c.log.ErrorWithErr("", "", "Cache write failed", err, nil)
	}
}

// BuildOrWait returns the cached value for fp, or builds it with at most
// one concurrent build per fingerprint. Concurrent callers wait for the
// in-flight build up to the configured bound (or their own deadline) and
// share its value; a wait that times out falls through to an unsupervised
// build. Build failures are returned to every waiter and never cached.
//
// The second return reports whether the value came from the cache or a
// shared build rather than this caller's own execution.
func (c *ResultCache) BuildOrWait(ctx context.Context, fp string, build BuildFunc, ttl time.Duration) (*types.QueryResult, bool, error) {
	if value, ok := c.Get(ctx, fp); ok {
		cacheHits.Inc()
		return value, true, nil
	}
	cacheMisses.Inc()

	type buildOut struct {
		value *types.QueryResult
		owner bool
	}

	owner := false
	ch := c.group.DoChan(fp, func() (interface{}, error) {
		// Double-check: the fingerprint may have been stored between the
		// miss above and this builder winning the flight.
		if value, ok := c.Get(ctx, fp); ok {
			return buildOut{value: value}, nil
		}
		owner = true
		value, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, fp, value, ttl)
		return buildOut{value: value, owner: true}, nil
	})

	timer := time.NewTimer(c.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		out := res.Val.(buildOut)
		// Shared means this caller did not run the build itself: it either
		// received another caller's in-flight result or the double-check
		// found a fresh store entry.
		shared := !owner
		if shared && out.owner {
			cacheShared.Inc()
		}
		return out.value, shared, nil

	case <-ctx.Done():
		c.group.Forget(fp)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, false, types.WrapError(types.KindTimeout, "cache wait", ctx.Err())
		}
		return nil, false, types.WrapError(types.KindCancelled, "cache wait", ctx.Err())

	case <-timer.C:
		// The in-flight build is stuck past the bound; run unsupervised
		// rather than hold the caller hostage.
		cacheWaitTimeouts.Inc()
		c.group.Forget(fp)
		value, err := build(ctx)
		if err != nil {
			return nil, false, err
		}
		c.Put(ctx, fp, value, ttl)
		return value, false, nil
	}
}

// Invalidate drops one fingerprint.
func (c *ResultCache) Invalidate(ctx context.Context, fp string) {
	if err := c.store.Delete(ctx, fp); err != nil {
		c.log.ErrorWithErr("", "", "Cache invalidation failed", err, nil)
	}
}

// Len reports the number of stored entries.
func (c *ResultCache) Len() int { return c.store.Len() }

// Close releases the underlying store.
func (c *ResultCache) Close() error { return c.store.Close() }
