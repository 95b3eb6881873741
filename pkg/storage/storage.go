// Package storage wires the write-ahead log, memtable, SSTables,
// compactor, and ledger into the single-node append-only key-value
// engine.
package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/bmetrics"
	"github.com/rishabh-tripathi/blockdb/pkg/compaction"
	"github.com/rishabh-tripathi/blockdb/pkg/config"
	"github.com/rishabh-tripathi/blockdb/pkg/ledger"
	"github.com/rishabh-tripathi/blockdb/pkg/memtable"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
	"github.com/rishabh-tripathi/blockdb/pkg/sstable"
	"github.com/rishabh-tripathi/blockdb/pkg/wal"
)

// cacheTTL bounds read-path staleness to 1 second on whichever node
// serves it; see the read-path design note this implements.
const cacheTTL = time.Second

type cacheEntry struct {
	value    []byte
	seq      uint64
	cachedAt time.Time
}

// Engine is a single node's storage engine: C7 in the component model.
type Engine struct {
	cfg config.Config

	mu        sync.RWMutex
	memtable  *memtable.MemTable
	wal       *wal.WAL
	chain     *ledger.Chain
	compactor *compaction.Compactor

	seq uint64 // atomic

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	stopSync chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates the engine's on-disk state at cfg.DataDir and
// replays the WAL to recover from any unclean shutdown.
func Open(cfg config.Config) (*Engine, error) {
	walPath := filepath.Join(cfg.DataDir, "wal.log")
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}

	chain, err := ledger.Open(filepath.Join(cfg.DataDir, "blockchain.dat"), cfg.BlockchainBatchSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		memtable:  memtable.New(),
		wal:       w,
		chain:     chain,
		compactor: compaction.New(cfg.DataDir, cfg.CompactionThreshold),
		cache:     make(map[string]cacheEntry),
		stopSync:  make(chan struct{}),
	}

	if err := e.compactor.LoadExisting(); err != nil {
		return nil, err
	}
	if err := e.recover(); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.syncLoop()

	return e, nil
}

// recover replays the WAL into the memtable and the ledger's pending
// queue, so records that reached the log but not yet a sealed block
// before a crash are both queryable again and re-eligible for sealing —
// matching the recommended resolution for unsealed-at-crash records.
// Records the chain already sealed before the crash are replayed into
// the memtable only, never re-enqueued, or the chain would hold them
// twice.
func (e *Engine) recover() error {
	records, err := e.wal.Recover()
	if err != nil {
		return err
	}
	sealed := e.chain.SealedRecordHashes()
	var maxSeq uint64
	for _, r := range records {
		e.memtable.Insert(r)
		if _, ok := sealed[r.Hash]; !ok {
			if err := e.chain.AddRecord(r); err != nil {
				return err
			}
		}
		if r.SequenceNumber > maxSeq {
			maxSeq = r.SequenceNumber
		}
	}
	atomic.StoreUint64(&e.seq, maxSeq)
	storageLogger := blog.WithComponent("storage")
	storageLogger.Info().Msg(fmt.Sprintf("recovered %d records from wal", len(records)))
	return nil
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.WALSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.wal.Sync(); err != nil {
				blog.Errorf("periodic wal sync failed", err)
			}
		case <-e.stopSync:
			return
		}
	}
}

// keyExists reports whether key has ever been written: checked against
// the memtable, then every SSTable newest-to-oldest. This backs the
// append-only guard.
func (e *Engine) keyExists(key []byte) (bool, error) {
	if e.memtable.Contains(key) {
		return true, nil
	}
	return e.compactor.ContainsKey(key)
}

// Put writes key/value as a new record. Writing a key that already
// exists anywhere in the engine is rejected — BlockDB never overwrites
// or deletes.
func (e *Engine) Put(key, value []byte) (record.Record, error) {
	timer := bmetrics.NewTimer()
	defer timer.ObserveDuration(bmetrics.PutDuration)

	e.mu.Lock()
	defer e.mu.Unlock()

	exists, err := e.keyExists(key)
	if err != nil {
		return record.Record{}, err
	}
	if exists {
		bmetrics.DuplicateKeyTotal.Inc()
		return record.Record{}, berrors.New(berrors.KindDuplicateKey, fmt.Sprintf("key %q already written", key))
	}

	seq := atomic.AddUint64(&e.seq, 1)
	r := record.New(key, value, uint64(time.Now().UnixMilli()), seq)

	if err := e.wal.Append(r); err != nil {
		return record.Record{}, err
	}
	e.memtable.Insert(r)
	if err := e.chain.AddRecord(r); err != nil {
		return record.Record{}, err
	}

	e.cacheMu.Lock()
	e.cache[string(key)] = cacheEntry{value: value, seq: seq, cachedAt: time.Now()}
	e.cacheMu.Unlock()

	bmetrics.MemTableSizeBytes.Set(float64(e.memtable.Size()))

	if uint64(e.memtable.Size()) >= e.cfg.MemTableSizeLimit {
		if err := e.flushMemtableLocked(); err != nil {
			return record.Record{}, err
		}
	}
	return r, nil
}

// Get returns the value stored under key, checking the memtable and
// then SSTables newest-to-oldest. It does not consult the read cache —
// that is reserved for the bounded-staleness path exposed by the
// cluster-facing facade.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	timer := bmetrics.NewTimer()
	defer timer.ObserveDuration(bmetrics.GetDuration)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if r, ok := e.memtable.Get(key); ok {
		return r.Value, true, nil
	}
	r, ok, err := e.compactor.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return r.Value, true, nil
	}
	return nil, false, nil
}

// CachedGet returns a value from the 1-second bounded-staleness cache
// if present and fresh, falling back to Get otherwise. This is the
// chosen resolution to the linearizability open question: stale reads
// are allowed, bounded to cacheTTL.
func (e *Engine) CachedGet(key []byte) ([]byte, bool, error) {
	e.cacheMu.Lock()
	entry, ok := e.cache[string(key)]
	e.cacheMu.Unlock()
	if ok && time.Since(entry.cachedAt) < cacheTTL {
		return entry.value, true, nil
	}
	return e.Get(key)
}

// ForceFlush flushes the active memtable to a new SSTable regardless of
// its current size, and seals any records still pending in the ledger
// into a block so nothing the caller just flushed is left outside the
// chain.
func (e *Engine) ForceFlush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushMemtableLocked(); err != nil {
		return err
	}
	return e.chain.ForceSeal()
}

func (e *Engine) flushMemtableLocked() error {
	if e.memtable.IsEmpty() {
		return nil
	}
	path := filepath.Join(e.cfg.DataDir, fmt.Sprintf("sstable_%d.sst", time.Now().UnixNano()))
	tbl, err := sstable.CreateFromMemTable(path, e.memtable)
	if err != nil {
		return berrors.Wrap(berrors.KindStorage, "flush memtable", err)
	}
	e.memtable.Clear()
	bmetrics.MemTableSizeBytes.Set(0)

	if err := e.wal.Clear(); err != nil {
		return err
	}
	if err := e.compactor.AddSSTable(0, path, tbl); err != nil {
		return err
	}
	return nil
}

// VerifyIntegrity delegates to the ledger's chain verification.
func (e *Engine) VerifyIntegrity() bool {
	return e.chain.VerifyChain()
}

// FlushAll resets storage to empty state: clears the memtable, the
// WAL, deletes every SSTable file on disk across every level, and
// reinitialises the ledger to a fresh genesis block.
func (e *Engine) FlushAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memtable.Clear()
	if err := e.wal.Clear(); err != nil {
		return err
	}
	if err := e.compactor.Reset(); err != nil {
		return err
	}
	e.cacheMu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.cacheMu.Unlock()
	bmetrics.MemTableSizeBytes.Set(0)
	return e.chain.Clear()
}

// Chain exposes the underlying ledger, used by the Merkle-proof API and
// by tests asserting on chain shape.
func (e *Engine) Chain() *ledger.Chain { return e.chain }

// Close stops background goroutines and closes the WAL file and every
// cached SSTable handle.
func (e *Engine) Close() error {
	close(e.stopSync)
	e.wg.Wait()
	if err := e.compactor.Close(); err != nil {
		return err
	}
	return e.wal.Close()
}
