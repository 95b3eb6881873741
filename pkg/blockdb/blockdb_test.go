package blockdb

import (
	"context"
	"testing"
	"time"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/config"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WALSyncInterval = time.Hour
	cfg.MemTableSizeLimit = 1 << 30
	cfg.BlockchainBatchSize = 1000
	return Options{Config: cfg, EnableTransactions: true}
}

func TestOpenPutGet(t *testing.T) {
	db, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Put(context.Background(), []byte("user:1"), []byte("Alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := db.Get([]byte("user:1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "Alice" {
		t.Fatalf("Get = (%q, %v), want (\"Alice\", true)", val, ok)
	}
	if !db.VerifyIntegrity() {
		t.Fatal("expected integrity check to pass")
	}
}

func TestBeginTxWithTransactionsDisabled(t *testing.T) {
	opts := testOptions(t)
	opts.EnableTransactions = false
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.BeginTx(); !berrors.Is(err, berrors.KindTransaction) {
		t.Fatalf("BeginTx with transactions disabled = %v, want a KindTransaction error", err)
	}
}

func TestTransactionCommitIsVisible(t *testing.T) {
	db, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	tx, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := db.TxPut(ctx, tx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("TxPut: %v", err)
	}

	// Read-your-writes before commit, through the transaction itself.
	val, ok, err := db.TxGet(ctx, tx, []byte("k"))
	if err != nil {
		t.Fatalf("TxGet: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("TxGet before commit = (%q, %v), want (\"v\", true)", val, ok)
	}

	// Not yet visible outside the transaction.
	if _, ok, _ := db.Get([]byte("k")); ok {
		t.Fatal("uncommitted write must not be visible outside its transaction")
	}

	if err := db.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	val, ok, err = db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after commit: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("Get after commit = (%q, %v), want (\"v\", true)", val, ok)
	}
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	db, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	tx, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := db.TxPut(ctx, tx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("TxPut: %v", err)
	}
	if err := db.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, ok, _ := db.Get([]byte("k")); ok {
		t.Fatal("aborted transaction's write must not be visible")
	}
}

func TestFlushAllClearsDatabase(t *testing.T) {
	db, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Put(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, ok, _ := db.Get([]byte("k")); ok {
		t.Fatal("expected key to be gone after FlushAll")
	}
	if !db.VerifyIntegrity() {
		t.Fatal("expected integrity check to pass on a freshly flushed database")
	}
}
