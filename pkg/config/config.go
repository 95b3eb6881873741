// Package config holds the plain configuration struct consumed by the
// storage engine, ledger, lock manager, transaction manager and Raft
// node. Loading it from a file format or flag set is left to the
// external request/response server, which is out of scope here.
package config

import "time"

// Config collects the tunables named in the on-disk/operational surface.
type Config struct {
	DataDir string

	MemTableSizeLimit   uint64
	WALSyncInterval     time.Duration
	CompactionThreshold int
	BlockchainBatchSize int

	LockTimeout        time.Duration
	TransactionTimeout time.Duration
	ConsensusTimeout   time.Duration

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
}

// Default mirrors the original BlockDBConfig defaults: a 64MiB memtable,
// a one-second WAL sync interval, compaction once level 0 holds more
// than 4 files (higher levels keep the compactor's fixed thresholds),
// and 1000-record ledger batches.
func Default() Config {
	return Config{
		DataDir:             "./blockdb_data",
		MemTableSizeLimit:   64 * 1024 * 1024,
		WALSyncInterval:     time.Second,
		CompactionThreshold: 4,
		BlockchainBatchSize: 1000,

		LockTimeout:        10 * time.Second,
		TransactionTimeout: 30 * time.Second,
		ConsensusTimeout:   5 * time.Second,

		HeartbeatInterval:  150 * time.Millisecond,
		ElectionTimeoutMin: 300 * time.Millisecond,
		ElectionTimeoutMax: 600 * time.Millisecond,
	}
}
