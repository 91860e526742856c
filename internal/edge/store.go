package edge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrStoreClosed = errors.New("edge: store closed")

// PartitionStore holds cached responses in named partitions keyed by
// request URL. A partition exists once it has been opened or written to.
// Concurrent writes to the same key are last-write-wins.
type PartitionStore interface {
	Open(ctx context.Context, partition string) error
	Get(ctx context.Context, partition, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, partition, key string, ent CacheEntry) error
	Delete(ctx context.Context, partition, key string) error
	Keys(ctx context.Context, partition string) ([]string, error)
	Partitions(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, partition string) error
	Close() error
}

// OpenStore builds the store selected by storage.backend.
func OpenStore(ctx context.Context, cfg Config, logger *zap.Logger) (PartitionStore, error) {
	st := cfg.Storage
	switch st.Backend {
	case "memory":
		return NewMemoryStore(st.ramMax), nil
	case "leveldb":
		return OpenLevelDBStore(st.Disk.Path, st.diskMax, logger)
	case "redis":
		return openRedis(ctx, cfg, logger)
	case "tiered":
		var back PartitionStore
		var err error
		if st.Tier == "redis" {
			back, err = openRedis(ctx, cfg, logger)
		} else {
			back, err = OpenLevelDBStore(st.Disk.Path, st.diskMax, logger)
		}
		if err != nil {
			return nil, err
		}
		return NewTieredStore(NewMemoryStore(st.ramMax), back), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
}

func openRedis(ctx context.Context, cfg Config, logger *zap.Logger) (PartitionStore, error) {
	rc := cfg.Storage.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	logger.Info("redis connection established", zap.String("addr", rc.Addr))
	return NewRedisStore(client, rc.Prefix), nil
}

// compositeKey joins partition and URL with a byte that cannot appear in
// either.
func compositeKey(partition, key string) string {
	return partition + "\x00" + key
}

func splitCompositeKey(ck string) (partition, key string, ok bool) {
	return strings.Cut(ck, "\x00")
}
