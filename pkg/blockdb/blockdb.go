// Package blockdb wires the storage engine, transaction manager, and
// Raft consensus node into the public surface a caller drives: Put,
// Get, transactions, and integrity verification against a single
// logical, possibly replicated, database. Raft-specific lifecycle is
// exposed through Node() directly rather than by downcasting a generic
// consensus interface.
package blockdb

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/config"
	"github.com/rishabh-tripathi/blockdb/pkg/consensus"
	"github.com/rishabh-tripathi/blockdb/pkg/lock"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
	"github.com/rishabh-tripathi/blockdb/pkg/storage"
	"github.com/rishabh-tripathi/blockdb/pkg/txn"
)

// DB is a single logical node: storage plus, optionally, replication
// and transactions layered on top.
type DB struct {
	cfg     config.Config
	storage *storage.Engine
	locks   *lock.Manager
	txns    *txn.Manager
	node    *consensus.Node

	cancel context.CancelFunc
}

// Options controls which optional layers Open wires in.
type Options struct {
	Config             config.Config
	EnableTransactions bool
	Consensus          *consensus.Config
	Transport          consensus.Transport
}

// Open constructs a DB over cfg's data directory, wiring the storage
// engine and, if requested, the transaction manager and a Raft node.
func Open(opts Options) (*DB, error) {
	st, err := storage.Open(opts.Config)
	if err != nil {
		return nil, err
	}

	db := &DB{cfg: opts.Config, storage: st}

	if opts.EnableTransactions {
		db.locks = lock.NewManager(opts.Config.LockTimeout)
		txnLogPath := filepath.Join(opts.Config.DataDir, "transaction.log")
		tm, err := txn.NewManager(st, db.locks, txnLogPath, opts.Config.TransactionTimeout)
		if err != nil {
			return nil, err
		}
		db.txns = tm
	}

	if opts.Consensus != nil && opts.Transport != nil {
		storePath := filepath.Join(opts.Config.DataDir, "raft.db")
		raftStore, err := consensus.OpenStore(storePath)
		if err != nil {
			return nil, err
		}
		node, err := consensus.NewNode(*opts.Consensus, opts.Transport, raftStore, db.applyOp)
		if err != nil {
			return nil, err
		}
		db.node = node

		ctx, cancel := context.WithCancel(context.Background())
		db.cancel = cancel
		go node.Run(ctx)
	}

	return db, nil
}

// applyOp is the Raft Applier wired into the consensus node: it turns a
// committed Op into a call against the local storage/transaction
// layer, the single seam between replication and the state machine.
func (db *DB) applyOp(op consensus.Op) error {
	switch op.Kind {
	case consensus.OpPut:
		_, err := db.storage.Put(op.Key, op.Value)
		if err != nil && !berrors.Is(err, berrors.KindDuplicateKey) {
			return err
		}
		return nil
	default:
		return nil
	}
}

// Put writes key/value directly to local storage, or proposes it
// through consensus first when replication is enabled.
func (db *DB) Put(ctx context.Context, key, value []byte) (record.Record, error) {
	if db.node != nil {
		if !db.node.IsLeader() {
			return record.Record{}, berrors.New(berrors.KindConsensus, "not the leader")
		}
		if _, ok := ctx.Deadline(); !ok && db.cfg.ConsensusTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, db.cfg.ConsensusTimeout)
			defer cancel()
		}
		if _, err := db.node.Propose(ctx, consensus.Op{Kind: consensus.OpPut, Key: key, Value: value}); err != nil {
			return record.Record{}, err
		}
		v, ok, err := db.storage.Get(key)
		if err != nil {
			return record.Record{}, err
		}
		if !ok {
			return record.Record{}, berrors.New(berrors.KindStorage, "put committed but not yet visible")
		}
		return record.Record{Key: key, Value: v}, nil
	}
	return db.storage.Put(key, value)
}

// Get reads key, using the bounded-staleness cache when consensus
// replication is enabled and a strict local read otherwise.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if db.node != nil {
		return db.storage.CachedGet(key)
	}
	return db.storage.Get(key)
}

// BeginTx starts a new transaction with the configured default timeout.
// EnableTransactions must have been set in Options.
func (db *DB) BeginTx() (*txn.Transaction, error) {
	if db.txns == nil {
		return nil, berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.Begin(), nil
}

// BeginTxWithTimeout starts a new transaction with an explicit timeout.
func (db *DB) BeginTxWithTimeout(timeout time.Duration) (*txn.Transaction, error) {
	if db.txns == nil {
		return nil, berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.BeginWithTimeout(timeout), nil
}

// TxGet reads key within an active transaction.
func (db *DB) TxGet(ctx context.Context, t *txn.Transaction, key []byte) ([]byte, bool, error) {
	if db.txns == nil {
		return nil, false, berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.Get(ctx, t, key)
}

// TxPut buffers a write within an active transaction.
func (db *DB) TxPut(ctx context.Context, t *txn.Transaction, key, value []byte) error {
	if db.txns == nil {
		return berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.Put(ctx, t, key, value)
}

// Commit applies and commits an active transaction.
func (db *DB) Commit(t *txn.Transaction) error {
	if db.txns == nil {
		return berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.Commit(t)
}

// Abort aborts an active transaction.
func (db *DB) Abort(t *txn.Transaction) error {
	if db.txns == nil {
		return berrors.New(berrors.KindTransaction, "transactions not enabled")
	}
	return db.txns.Abort(t)
}

// VerifyIntegrity checks the ledger's hash chain.
func (db *DB) VerifyIntegrity() bool {
	return db.storage.VerifyIntegrity()
}

// ForceFlush flushes the active memtable to a new SSTable immediately
// and seals any pending ledger records into a block.
func (db *DB) ForceFlush() error {
	return db.storage.ForceFlush()
}

// FlushAll resets the database to an empty state.
func (db *DB) FlushAll() error {
	return db.storage.FlushAll()
}

// Node exposes the underlying Raft node for cluster administration
// (adding/removing peers, checking leadership) without requiring
// callers to downcast a generic consensus interface.
func (db *DB) Node() *consensus.Node { return db.node }

// Close shuts down background goroutines and the storage engine.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
	}
	if db.node != nil {
		db.node.Stop()
	}
	if db.txns != nil {
		if err := db.txns.Close(); err != nil {
			blog.Errorf("failed to close transaction manager", err)
		}
	}
	return db.storage.Close()
}
