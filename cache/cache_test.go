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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

func newTestCache(t *testing.T, cfg Config) *ResultCache {
	t.Helper()
	store := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logger.New("cache-test"), cfg)
}

func sampleResult(marker string) *types.QueryResult {
	return &types.QueryResult{
		Columns: []string{"v"},
		Rows:    [][]interface{}{{marker}},
	}
}

func TestBuildOrWaitCachesValue(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	builds := 0
	build := func(context.Context) (*types.QueryResult, error) {
		builds++
		return sampleResult("built"), nil
	}

	value, cached, err := c.BuildOrWait(ctx, "fp1", build, 0)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "built", value.Rows[0][0])
	assert.Equal(t, 1, builds)

	value, cached, err = c.BuildOrWait(ctx, "fp1", build, 0)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "built", value.Rows[0][0])
	assert.Equal(t, 1, builds, "second call must be served from the store")
}

// Fifty concurrent misses on one fingerprint must run exactly one build;
// every other caller shares the leader's value.
func TestBuildOrWaitSingleFlight(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	var builds atomic.Int64
	release := make(chan struct{})
	build := func(context.Context) (*types.QueryResult, error) {
		builds.Add(1)
		<-release
		return sampleResult("shared"), nil
	}

	const callers = 50
	var wg sync.WaitGroup
	var sharedCount atomic.Int64
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, shared, err := c.BuildOrWait(ctx, "hot-fp", build, 0)
			if err != nil {
				errs <- err
				return
			}
			if value.Rows[0][0] != "shared" {
				errs <- assert.AnError
				return
			}
			if shared {
				sharedCount.Add(1)
			}
		}()
	}

	// Let every caller join the flight before the build completes.
	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), builds.Load())
	assert.Equal(t, int64(callers-1), sharedCount.Load())
}

func TestBuildOrWaitErrorNotCached(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) (*types.QueryResult, error) {
		calls++
		return nil, types.NewError(types.KindBackend, "backend down")
	}

	_, _, err := c.BuildOrWait(ctx, "fp-err", failing, 0)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	// A later call rebuilds rather than serving the failure.
	_, _, err = c.BuildOrWait(ctx, "fp-err", failing, 0)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestBuildOrWaitContextCancelled(t *testing.T) {
	c := newTestCache(t, Config{WaitTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	stuck := func(bctx context.Context) (*types.QueryResult, error) {
		<-bctx.Done()
		return nil, bctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := c.BuildOrWait(ctx, "fp-cancel", stuck, 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, types.KindCancelled, types.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("BuildOrWait did not return after cancellation")
	}
}

func TestBuildOrWaitDeadlineExceeded(t *testing.T) {
	c := newTestCache(t, Config{WaitTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stuck := func(bctx context.Context) (*types.QueryResult, error) {
		<-bctx.Done()
		return nil, bctx.Err()
	}

	_, _, err := c.BuildOrWait(ctx, "fp-deadline", stuck, 0)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

// A wait that outlives the bound falls through to the caller's own build
// instead of hanging on the stuck leader.
func TestBuildOrWaitTimeoutFallsThrough(t *testing.T) {
	c := newTestCache(t, Config{WaitTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	leaderStarted := make(chan struct{})
	leaderRelease := make(chan struct{})
	var startOnce sync.Once
	slow := func(context.Context) (*types.QueryResult, error) {
		startOnce.Do(func() { close(leaderStarted) })
		<-leaderRelease
		return sampleResult("slow"), nil
	}

	go func() {
		_, _, _ = c.BuildOrWait(ctx, "fp-stuck", slow, 0)
	}()
	<-leaderStarted

	fast := func(context.Context) (*types.QueryResult, error) {
		return sampleResult("fast"), nil
	}
	value, shared, err := c.BuildOrWait(ctx, "fp-stuck", fast, 0)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fast", value.Rows[0][0])

	close(leaderRelease)
}

func TestPutDefaultTTLAndInvalidate(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	c.Put(ctx, "fp", sampleResult("x"), 0)
	_, ok := c.Get(ctx, "fp")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Invalidate(ctx, "fp")
	_, ok = c.Get(ctx, "fp")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
