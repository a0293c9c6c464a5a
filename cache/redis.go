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
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"querygate/proxy/shared/types"
)

const redisKeyPrefix = "querygate:result:"

// RedisStore keeps cached results in Redis so several proxy instances
// share one cache. Entries are JSON-encoded; Redis owns expiry via the
// key TTL, so there is no sweep loop.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.WrapError(types.KindInternal, "connecting to redis", err)
	}
	return &RedisStore{client: client}, nil
}

// Get fetches and decodes one entry. A missing key is a miss, not an
// error; a corrupt payload is dropped and reported as a miss.
func (s *RedisStore) Get(ctx context.Context, fp string) (*types.QueryResult, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+fp).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.WrapError(types.KindInternal, "reading cache entry", err)
	}

	var value types.QueryResult
	if err := json.Unmarshal(raw, &value); err != nil {
		_ = s.client.Del(ctx, redisKeyPrefix+fp).Err()
		return nil, false, nil
	}
	return &value, true, nil
}

// Put stores an encoded entry with the TTL applied by Redis.
func (s *RedisStore) Put(ctx context.Context, fp string, value *types.QueryResult, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return types.WrapError(types.KindInternal, "encoding cache entry", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+fp, raw, ttl).Err(); err != nil {
		return types.WrapError(types.KindInternal, "writing cache entry", err)
	}
	return nil
}

// Delete removes one entry.
func (s *RedisStore) Delete(ctx context.Context, fp string) error {
	return s.client.Del(ctx, redisKeyPrefix+fp).Err()
}

// Len reports the number of cached results in this Redis database.
func (s *RedisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 1000).Result()
		if err != nil {
			return count
		}
		count += len(keys)
		if next == 0 {
			return count
		}
		cursor = next
	}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
