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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
)

func newTestPool(t *testing.T, maxConns int, acquireTimeout time.Duration) *ConnPool {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := BackendConfig{Alias: "test", MaxConns: maxConns, AcquireTimeout: acquireTimeout}
	cfg.applyDefaults()
	return newConnPool("test", db, cfg, logger.New("pool-test"))
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, 2, time.Second)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())

	p.Release(l1, true)
	assert.Equal(t, 1, p.InUse())
	p.Release(l2, true)
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireNeverExceedsMax(t *testing.T) {
	p := newTestPool(t, 3, 200*time.Millisecond)

	var mu sync.Mutex
	peak := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			if n := p.InUse(); n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			p.Release(l, true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, 1, 50*time.Millisecond)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(l, true)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.KindPool, types.KindOf(err))
	assert.GreaterOrEqual(t, p.Stats().Exhausted, int64(1))
}

func TestAcquireContextCancel(t *testing.T) {
	p := newTestPool(t, 1, time.Minute)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(l, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return p.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	err = <-done
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
	assert.Equal(t, 0, p.Waiting())
}

// Waiters are served oldest-first when slots free up.
func TestWaiterFIFO(t *testing.T) {
	p := newTestPool(t, 1, time.Minute)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	acquired := make(chan struct{}, 2)
	start := func(name string) {
		go func() {
			lease, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			acquired <- struct{}{}
			time.Sleep(10 * time.Millisecond)
			p.Release(lease, true)
		}()
	}

	start("first")
	require.Eventually(t, func() bool { return p.Waiting() == 1 }, time.Second, time.Millisecond)
	start("second")
	require.Eventually(t, func() bool { return p.Waiting() == 2 }, time.Second, time.Millisecond)

	p.Release(l, true)
	<-acquired
	<-acquired

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestResizeGrowWakesWaiters(t *testing.T) {
	p := newTestPool(t, 1, time.Minute)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(l, true)

	done := make(chan error, 1)
	go func() {
		lease, err := p.Acquire(context.Background())
		if err == nil {
			defer p.Release(lease, true)
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Waiting() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Resize(2))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by resize")
	}
	assert.Equal(t, 2, p.Max())
}

func TestResizeShrinkKeepsLeases(t *testing.T) {
	p := newTestPool(t, 3, time.Second)

	l1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Resize(1))
	// Existing leases survive; the pool converges only as they return.
	assert.Equal(t, 2, p.InUse())

	p.Release(l1, true)
	p.Release(l2, true)
	assert.Equal(t, 0, p.InUse())

	l3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(l3, true)
}

func TestResizeRejectsNonPositive(t *testing.T) {
	p := newTestPool(t, 2, time.Second)
	err := p.Resize(0)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestDrainRejectsNewAcquires(t *testing.T) {
	p := newTestPool(t, 2, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.KindPool, types.KindOf(err))
	assert.True(t, p.Draining())
}

func TestDrainWaitsForLeases(t *testing.T) {
	p := newTestPool(t, 1, time.Second)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(l, true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 0, p.InUse())
}

func TestReleaseDiscardUnhealthyConn(t *testing.T) {
	p := newTestPool(t, 1, time.Second)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(l, false)
	assert.Equal(t, 0, p.InUse())

	// The slot is free again even though the connection was discarded.
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(l2, true)
}
