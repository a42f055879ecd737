package kvstore

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore stores each key as a redis string with a sliding TTL.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

const redisKeyPrefix = "cloudchat:"

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Refresh TTL on read so active sessions never expire under the user.
	_ = s.client.Expire(ctx, redisKeyPrefix+key, s.ttl).Err()

	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, redisKeyPrefix+key, value, s.ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *redisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
