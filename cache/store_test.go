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
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/shared/types"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp", sampleResult("v"), time.Minute))

	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got.Rows[0][0])
	assert.Equal(t, 1, s.Len())

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "fp"))
	_, ok, _ = s.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp", sampleResult("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
	// Lazy expiry on read removed the entry.
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("fp-%d", i), sampleResult("v"), 5*time.Millisecond))
	}
	require.NoError(t, s.Put(ctx, "fresh", sampleResult("v"), time.Hour))

	time.Sleep(20 * time.Millisecond)
	s.sweep(time.Now())
	assert.Equal(t, 1, s.Len())
}

// Stored values must be isolated from caller mutation in both directions.
func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	original := sampleResult("v")
	require.NoError(t, s.Put(ctx, "fp", original, time.Minute))
	original.Rows[0][0] = "mutated-after-put"

	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got.Rows[0][0])

	got.Rows[0][0] = "mutated-after-get"
	again, _, _ := s.Get(ctx, "fp")
	assert.Equal(t, "v", again.Rows[0][0])
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	value := &types.QueryResult{
		Columns:       []string{"id", "email"},
		Rows:          [][]interface{}{{float64(1), "a****@example.com"}},
		RowCount:      1,
		Masked:        true,
		MaskedColumns: []string{"email"},
	}
	require.NoError(t, s.Put(ctx, "fp", value, time.Minute))

	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Columns, got.Columns)
	assert.Equal(t, value.Rows, got.Rows)
	assert.True(t, got.Masked)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "fp"))
	_, ok, _ = s.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp", sampleResult("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreCorruptEntryIsMiss(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(redisKeyPrefix+"fp", "not json"))

	_, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
	// The corrupt key was dropped so the next build can repopulate it.
	assert.False(t, mr.Exists(redisKeyPrefix+"fp"))
}

func TestNewRedisStoreConnectFailure(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "127.0.0.1:1", "", 0)
	require.Error(t, err)
}
