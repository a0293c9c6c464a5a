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
	"hash/fnv"
	"sync"
	"time"

	"querygate/proxy/shared/types"
)

// Store is the persistence behind the result cache. Implementations must
// treat values as immutable once stored.
type Store interface {
	Get(ctx context.Context, fp string) (*types.QueryResult, bool, error)
	Put(ctx context.Context, fp string, value *types.QueryResult, ttl time.Duration) error
	Delete(ctx context.Context, fp string) error
	Len() int
	Close() error
}

const memoryShards = 16

type memoryEntry struct {
	value     *types.QueryResult
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryStore is a sharded in-process store. Expired entries are dropped
// lazily on read and by a periodic sweep, so memory is reclaimed even for
// fingerprints that are never requested again.
type MemoryStore struct {
	shards [memoryShards]*memoryShard

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryStore creates a store and starts its sweep loop.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{stopCh: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}

	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
	return s
}

func (s *MemoryStore) shardFor(fp string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return s.shards[h.Sum32()%memoryShards]
}

// Get returns a deep copy of the stored value so callers can never mutate
// the cached payload.
func (s *MemoryStore) Get(_ context.Context, fp string) (*types.QueryResult, bool, error) {
	shard := s.shardFor(fp)

	shard.mu.RLock()
	entry, ok := shard.entries[fp]
	shard.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		shard.mu.Lock()
		// Re-check under the write lock; a Put may have refreshed it.
		if cur, still := shard.entries[fp]; still && time.Now().After(cur.expiresAt) {
			delete(shard.entries, fp)
		}
		shard.mu.Unlock()
		return nil, false, nil
	}
	return entry.value.Clone(), true, nil
}

// Put stores a copy of the value under the fingerprint.
func (s *MemoryStore) Put(_ context.Context, fp string, value *types.QueryResult, ttl time.Duration) error {
	shard := s.shardFor(fp)
	shard.mu.Lock()
	shard.entries[fp] = memoryEntry{value: value.Clone(), expiresAt: time.Now().Add(ttl)}
	shard.mu.Unlock()
	return nil
}

// Delete removes one entry.
func (s *MemoryStore) Delete(_ context.Context, fp string) error {
	shard := s.shardFor(fp)
	shard.mu.Lock()
	delete(shard.entries, fp)
	shard.mu.Unlock()
	return nil
}

// Len counts live entries across shards, including not-yet-swept expired
// ones.
func (s *MemoryStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}

func (s *MemoryStore) sweep(now time.Time) {
	for _, shard := range s.shards {
		shard.mu.Lock()
		for fp, entry := range shard.entries {
			if now.After(entry.expiresAt) {
				delete(shard.entries, fp)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}
