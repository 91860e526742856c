package edge

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	e:<partition>\x00<url>  gob CacheEntry
//	m:<partition>\x00<url>  gob diskMeta
//	p:<partition>           partition marker
const (
	prefixEntry     = "e:"
	prefixMeta      = "m:"
	prefixPartition = "p:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOpKind int

const (
	opPut diskOpKind = iota
	opTouch
	opDelete
	opOpen
	opDrop
	opBarrier
)

type diskOp struct {
	kind      diskOpKind
	key       string // composite
	ent       *CacheEntry
	partition string
	seq       uint64
	done      chan error
}

// pendingWrite is a queued Put (ent set) or Delete (ent nil) that the
// writer has not applied yet.
type pendingWrite struct {
	seq uint64
	ent *CacheEntry
}

// LevelDBStore persists partitions in LevelDB. All writes are applied by a
// single writer goroutine in submission order; Put returns once the write
// is queued. Reads consult the queued writes first, then the database.
type LevelDBStore struct {
	maxBytes int64
	db       *leveldb.DB
	logger   *zap.Logger

	mu         sync.Mutex
	index      map[string]diskMeta
	partitions map[string]struct{}
	pending    map[string]pendingWrite
	totalSize  int64

	// orderMu keeps sequence numbers in submission order.
	orderMu sync.Mutex
	seq     uint64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

func OpenLevelDBStore(path string, maxBytes int64, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &LevelDBStore{
		maxBytes:   maxBytes,
		db:         db,
		logger:     logger,
		index:      map[string]diskMeta{},
		partitions: map[string]struct{}{},
		pending:    map[string]pendingWrite{},
		ops:        make(chan diskOp, 1024),
		done:       make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *LevelDBStore) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *LevelDBStore) loadIndex() error {
	idx := map[string]diskMeta{}
	var total int64

	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	parts := map[string]struct{}{}
	pit := d.db.NewIterator(util.BytesPrefix([]byte(prefixPartition)), nil)
	for pit.Next() {
		parts[string(bytes.TrimPrefix(pit.Key(), []byte(prefixPartition)))] = struct{}{}
	}
	pit.Release()
	if err := pit.Error(); err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.partitions = parts
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDBStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDBStore) Open(ctx context.Context, partition string) error {
	d.mu.Lock()
	_, ok := d.partitions[partition]
	d.mu.Unlock()
	if ok {
		return nil
	}
	return d.submitWait(ctx, diskOp{kind: opOpen, partition: partition})
}

func (d *LevelDBStore) Get(_ context.Context, partition, key string) (CacheEntry, bool, error) {
	ck := compositeKey(partition, key)
	d.mu.Lock()
	pw, queued := d.pending[ck]
	d.mu.Unlock()
	if queued {
		if pw.ent == nil {
			return CacheEntry{}, false, nil
		}
		ent := *pw.ent
		ent.Header = cloneHeader(ent.Header)
		return ent, true, nil
	}

	b, err := d.db.Get([]byte(prefixEntry+ck), nil)
	if err == leveldb.ErrNotFound {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	d.trySubmit(diskOp{kind: opTouch, key: ck})
	return ent, true, nil
}

func (d *LevelDBStore) Put(_ context.Context, partition, key string, ent CacheEntry) error {
	clone := ent
	clone.Header = cloneHeader(ent.Header)
	return d.submitPending(diskOp{kind: opPut, key: compositeKey(partition, key), partition: partition, ent: &clone})
}

func (d *LevelDBStore) Delete(_ context.Context, partition, key string) error {
	return d.submitPending(diskOp{kind: opDelete, key: compositeKey(partition, key)})
}

// submitPending records a Put or Delete as pending before queuing it, so
// reads issued right after see it.
func (d *LevelDBStore) submitPending(op diskOp) error {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()

	d.seq++
	op.seq = d.seq
	d.mu.Lock()
	d.pending[op.key] = pendingWrite{seq: op.seq, ent: op.ent}
	d.mu.Unlock()

	if err := d.submit(op); err != nil {
		d.clearPending(op.key, op.seq)
		return err
	}
	return nil
}

func (d *LevelDBStore) clearPending(ck string, seq uint64) {
	d.mu.Lock()
	if pw, ok := d.pending[ck]; ok && pw.seq == seq {
		delete(d.pending, ck)
	}
	d.mu.Unlock()
}

func (d *LevelDBStore) Keys(_ context.Context, partition string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := map[string]struct{}{}
	for ck := range d.index {
		if p, k, ok := splitCompositeKey(ck); ok && p == partition {
			set[k] = struct{}{}
		}
	}
	for ck, pw := range d.pending {
		p, k, ok := splitCompositeKey(ck)
		if !ok || p != partition {
			continue
		}
		if pw.ent == nil {
			delete(set, k)
		} else {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDBStore) Partitions(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := make(map[string]struct{}, len(d.partitions))
	for p := range d.partitions {
		set[p] = struct{}{}
	}
	for ck, pw := range d.pending {
		if p, _, ok := splitCompositeKey(ck); ok && pw.ent != nil {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDBStore) Drop(ctx context.Context, partition string) error {
	return d.submitWait(ctx, diskOp{kind: opDrop, partition: partition})
}

// Flush waits until every write queued before it has been applied.
func (d *LevelDBStore) Flush(ctx context.Context) error {
	return d.submitWait(ctx, diskOp{kind: opBarrier})
}

func (d *LevelDBStore) submit(op diskOp) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrStoreClosed
	}
	d.ops <- op
	return nil
}

// trySubmit drops the op when the queue is full; used for LRU touches.
func (d *LevelDBStore) trySubmit(op diskOp) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ops <- op:
	default:
	}
}

func (d *LevelDBStore) submitWait(ctx context.Context, op diskOp) error {
	op.done = make(chan error, 1)
	if err := d.submit(op); err != nil {
		return err
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LevelDBStore) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		var err error
		switch op.kind {
		case opPut:
			err = d.applyPut(op.partition, op.key, op.ent)
			d.clearPending(op.key, op.seq)
		case opTouch:
			err = d.applyTouch(op.key)
		case opDelete:
			err = d.applyDelete(op.key)
			d.clearPending(op.key, op.seq)
		case opOpen:
			err = d.applyOpen(op.partition)
		case opDrop:
			err = d.applyDrop(op.partition)
		case opBarrier:
		}
		if err != nil && op.done == nil {
			d.logger.Warn("leveldb write failed", zap.Error(err))
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (d *LevelDBStore) applyOpen(partition string) error {
	if err := d.db.Put([]byte(prefixPartition+partition), []byte{1}, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.partitions[partition] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *LevelDBStore) applyPut(partition, ck string, ent *CacheEntry) error {
	b, err := encodeGob(*ent)
	if err != nil {
		return err
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixPartition+partition), []byte{1})
	batch.Put([]byte(prefixEntry+ck), b)
	batch.Put([]byte(prefixMeta+ck), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.totalSize += meta.Size - d.index[ck].Size
	d.index[ck] = meta
	d.partitions[partition] = struct{}{}
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

func (d *LevelDBStore) applyTouch(ck string) error {
	d.mu.Lock()
	meta, ok := d.index[ck]
	if ok {
		meta.LastAccess = time.Now().Unix()
		d.index[ck] = meta
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	return d.db.Put([]byte(prefixMeta+ck), mb, nil)
}

func (d *LevelDBStore) applyDelete(ck string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + ck))
	batch.Delete([]byte(prefixMeta + ck))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if meta, ok := d.index[ck]; ok {
		d.totalSize -= meta.Size
		delete(d.index, ck)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDBStore) applyDrop(partition string) error {
	d.mu.Lock()
	var keys []string
	for ck := range d.index {
		if p, _, ok := splitCompositeKey(ck); ok && p == partition {
			keys = append(keys, ck)
		}
	}
	d.mu.Unlock()

	for _, ck := range keys {
		if err := d.applyDelete(ck); err != nil {
			return err
		}
	}
	if err := d.db.Delete([]byte(prefixPartition+partition), nil); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.partitions, partition)
	d.mu.Unlock()
	return nil
}

// evictSome removes the least recently used 10% of entries.
func (d *LevelDBStore) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := d.applyDelete(items[i].key); err != nil {
			d.logger.Warn("leveldb eviction failed", zap.Error(err))
			return
		}
	}
}
