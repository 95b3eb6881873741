package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WALSyncInterval = time.Hour
	cfg.MemTableSizeLimit = 1 << 30
	cfg.BlockchainBatchSize = 1000
	return cfg
}

func TestPutAndGet(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be found")
	}
	if string(val) != "v" {
		t.Fatalf("got %q, want %q", val, "v")
	}
}

func TestPutRejectsDuplicateKey(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err = e.Put([]byte("k"), []byte("v2"))
	if err == nil {
		t.Fatal("expected duplicate key write to be rejected")
	}
	if !berrors.Is(err, berrors.KindDuplicateKey) {
		t.Fatalf("got %v, want a KindDuplicateKey error", err)
	}
}

func TestPutRejectsDuplicateKeyAfterFlush(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	_, err = e.Put([]byte("k"), []byte("v2"))
	if !berrors.Is(err, berrors.KindDuplicateKey) {
		t.Fatalf("expected duplicate key to still be rejected after flushing to an sstable, got %v", err)
	}
}

func TestCachedGetServesStaleValueWithinTTL(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := e.CachedGet([]byte("k"))
	if err != nil {
		t.Fatalf("CachedGet: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("CachedGet = (%q, %v), want (\"v\", true)", val, ok)
	}
}

func TestVerifyIntegrityAfterWrites(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for _, k := range []string{"a", "b", "c"} {
		if _, err := e.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if !e.VerifyIntegrity() {
		t.Fatal("expected chain integrity to hold after writes and a flush")
	}
}

func TestRecoverReplaysWAL(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.wal.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	val, ok, err := e2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after recover: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Fatalf("Get after recover = (%q, %v), want (\"v\", true)", val, ok)
	}
}

func TestBlockchainSealingAtBatchSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockchainBatchSize = 3
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 1; i <= 5; i++ {
		if _, err := e.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put(k%d): %v", i, err)
		}
	}
	if got := e.Chain().Len(); got != 2 {
		t.Fatalf("Chain().Len() = %d, want 2 (genesis + one sealed block of k1..k3)", got)
	}
	if got := e.Chain().PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2 (k4, k5 unsealed)", got)
	}

	if err := e.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := e.Chain().Len(); got != 3 {
		t.Fatalf("Chain().Len() = %d after ForceFlush, want 3 (k4, k5 sealed)", got)
	}
	if got := e.Chain().PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d after ForceFlush, want 0", got)
	}
	if !e.VerifyIntegrity() {
		t.Fatal("expected chain integrity to hold after sealing")
	}
}

func TestRecoverDoesNotReenqueueSealedRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockchainBatchSize = 2

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, err := e.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	if err := e.wal.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// a and b were sealed before the crash; only c may re-enter the
	// pending queue on recovery.
	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	if got := e2.Chain().Len(); got != 2 {
		t.Fatalf("Chain().Len() = %d after recovery, want 2", got)
	}
	if got := e2.Chain().PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d after recovery, want 1 (just c)", got)
	}
	if !e2.VerifyIntegrity() {
		t.Fatal("expected chain integrity to hold after recovery")
	}
}

func TestFlushAllResetsEverything(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	_, ok, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after FlushAll")
	}
	if e.Chain().Len() != 1 {
		t.Fatalf("Chain().Len() = %d, want 1 (fresh genesis)", e.Chain().Len())
	}
}

// TestConcurrentDistinctKeyWriters exercises S5: N goroutines each
// insert their own disjoint set of keys; every put must succeed and
// every key must be readable afterward with the chain still intact.
func TestConcurrentDistinctKeyWriters(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const writers = 10
	const perWriter = 100

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("writer-%d-key-%d", w, i))
				if _, err := e.Put(key, []byte("v")); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected Put error: %v", err)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := []byte(fmt.Sprintf("writer-%d-key-%d", w, i))
			_, ok, err := e.Get(key)
			if err != nil {
				t.Fatalf("Get(%s): %v", key, err)
			}
			if !ok {
				t.Fatalf("key %s not readable after concurrent writes", key)
			}
		}
	}
	if !e.VerifyIntegrity() {
		t.Fatal("expected chain integrity to hold after concurrent distinct-key writes")
	}
}

// TestConcurrentSameKeyRace exercises S6: only one of several
// concurrent writers to the same key may succeed, and the stored
// value must be exactly the winner's.
func TestConcurrentSameKeyRace(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const racers = 10
	var successes int32
	var winner atomic.Value

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val := []byte(fmt.Sprintf("value-%d", i))
			if _, err := e.Put([]byte("k"), val); err == nil {
				atomic.AddInt32(&successes, 1)
				winner.Store(string(val))
			} else if !berrors.Is(err, berrors.KindDuplicateKey) {
				t.Errorf("unexpected error from racing Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	val, ok, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be readable")
	}
	if string(val) != winner.Load().(string) {
		t.Fatalf("stored value %q does not match the winning writer's value %q", val, winner.Load())
	}
}
