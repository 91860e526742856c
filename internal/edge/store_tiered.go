package edge

import (
	"context"
	"sort"
)

// TieredStore serves reads from a RAM LRU and falls back to a persistent
// store, promoting what it finds. Writes and drops go to both tiers.
type TieredStore struct {
	ram  *MemoryStore
	back PartitionStore
}

func NewTieredStore(ram *MemoryStore, back PartitionStore) *TieredStore {
	return &TieredStore{ram: ram, back: back}
}

func (t *TieredStore) Open(ctx context.Context, partition string) error {
	_ = t.ram.Open(ctx, partition)
	return t.back.Open(ctx, partition)
}

func (t *TieredStore) Get(ctx context.Context, partition, key string) (CacheEntry, bool, error) {
	if ent, ok, _ := t.ram.Get(ctx, partition, key); ok {
		return ent, true, nil
	}
	ent, ok, err := t.back.Get(ctx, partition, key)
	if err != nil || !ok {
		return CacheEntry{}, false, err
	}
	_ = t.ram.Put(ctx, partition, key, ent)
	return ent, true, nil
}

func (t *TieredStore) Put(ctx context.Context, partition, key string, ent CacheEntry) error {
	_ = t.ram.Put(ctx, partition, key, ent)
	return t.back.Put(ctx, partition, key, ent)
}

func (t *TieredStore) Delete(ctx context.Context, partition, key string) error {
	_ = t.ram.Delete(ctx, partition, key)
	return t.back.Delete(ctx, partition, key)
}

// Keys reads the persistent tier, which holds a superset of the RAM tier
// once queued writes land; RAM keys are merged in for writes still in flight.
func (t *TieredStore) Keys(ctx context.Context, partition string) ([]string, error) {
	back, err := t.back.Keys(ctx, partition)
	if err != nil {
		return nil, err
	}
	ram, _ := t.ram.Keys(ctx, partition)
	return union(back, ram), nil
}

func (t *TieredStore) Partitions(ctx context.Context) ([]string, error) {
	back, err := t.back.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	ram, _ := t.ram.Partitions(ctx)
	return union(back, ram), nil
}

func (t *TieredStore) Drop(ctx context.Context, partition string) error {
	_ = t.ram.Drop(ctx, partition)
	return t.back.Drop(ctx, partition)
}

// Flush waits for queued writes of the persistent tier, if it queues any.
func (t *TieredStore) Flush(ctx context.Context) error {
	if f, ok := t.back.(interface{ Flush(context.Context) error }); ok {
		return f.Flush(ctx)
	}
	return nil
}

func (t *TieredStore) Close() error {
	return t.back.Close()
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
