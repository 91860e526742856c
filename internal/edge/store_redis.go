package edge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps partitions in Redis so several edge instances share
// one cache. Layout under prefix:
//
//	<prefix>:partitions          SET of partition names
//	<prefix>:k:<partition>       SET of URLs in the partition
//	<prefix>:e:<partition>:<url> gob CacheEntry
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) partitionsKey() string { return s.prefix + ":partitions" }

func (s *RedisStore) keysKey(partition string) string { return s.prefix + ":k:" + partition }

func (s *RedisStore) entryKey(partition, key string) string {
	return s.prefix + ":e:" + partition + ":" + key
}

func (s *RedisStore) Open(ctx context.Context, partition string) error {
	if err := s.client.SAdd(ctx, s.partitionsKey(), partition).Err(); err != nil {
		return fmt.Errorf("redis open partition: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, partition, key string) (CacheEntry, bool, error) {
	b, err := s.client.Get(ctx, s.entryKey(partition, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (s *RedisStore) Put(ctx context.Context, partition, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.entryKey(partition, key), b, 0)
		p.SAdd(ctx, s.keysKey(partition), key)
		p.SAdd(ctx, s.partitionsKey(), partition)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, partition, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.entryKey(partition, key))
		p.SRem(ctx, s.keysKey(partition), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.keysKey(partition)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Drop(ctx context.Context, partition string) error {
	keys, err := s.Keys(ctx, partition)
	if err != nil {
		return err
	}
	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		batch := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, s.entryKey(partition, k))
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis drop entries: %w", err)
		}
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.keysKey(partition))
		p.SRem(ctx, s.partitionsKey(), partition)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis drop partition: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
