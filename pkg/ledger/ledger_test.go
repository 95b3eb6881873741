package ledger

import (
	"path/filepath"
	"testing"

	"github.com/rishabh-tripathi/blockdb/pkg/record"
)

func sampleRecords(n int) []record.Record {
	out := make([]record.Record, n)
	for i := 0; i < n; i++ {
		out[i] = record.New([]byte{byte('a' + i)}, []byte("v"), uint64(i), uint64(i))
	}
	return out
}

func TestOpenCreatesGenesisBlock(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (genesis only)", c.Len())
	}
	if !c.VerifyChain() {
		t.Fatal("fresh genesis chain should verify")
	}
}

func TestAddRecordSealsAtBatchSize(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recs := sampleRecords(2)
	for _, r := range recs {
		if err := c.AddRecord(r); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (genesis + one sealed block)", c.Len())
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", c.PendingCount())
	}
	if !c.VerifyChain() {
		t.Fatal("expected chain to verify after sealing")
	}
}

func TestForceSeal(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.AddRecord(sampleRecords(1)[0]); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 before ForceSeal", c.Len())
	}
	if err := c.ForceSeal(); err != nil {
		t.Fatalf("ForceSeal: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after ForceSeal", c.Len())
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.AddRecord(sampleRecords(1)[0]); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := c.ForceSeal(); err != nil {
		t.Fatalf("ForceSeal: %v", err)
	}

	blocks := c.Blocks()
	blocks[1].Records[0].Value = []byte("tampered")
	if blocks[1].VerifyIntegrity() {
		t.Fatal("expected tampered block to fail integrity check")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.db")
	c, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.AddRecord(sampleRecords(1)[0]); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := c.ForceSeal(); err != nil {
		t.Fatalf("ForceSeal: %v", err)
	}

	reopened, err := Open(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after reopen", reopened.Len())
	}
	if !reopened.VerifyChain() {
		t.Fatal("expected reopened chain to verify")
	}
}

func TestRecordProofRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, r := range sampleRecords(5) {
		if err := c.AddRecord(r); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := c.ForceSeal(); err != nil {
		t.Fatalf("ForceSeal: %v", err)
	}

	proof, root, err := c.RecordProof(1, 2)
	if err != nil {
		t.Fatalf("RecordProof: %v", err)
	}
	if !VerifyProof(proof, root) {
		t.Fatal("expected valid Merkle proof to verify")
	}

	proof.LeafHash[0] ^= 0xFF
	if VerifyProof(proof, root) {
		t.Fatal("expected tampered proof to fail verification")
	}
}

func TestClearResetsToGenesis(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "chain.db"), 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.AddRecord(sampleRecords(1)[0]); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := c.ForceSeal(); err != nil {
		t.Fatalf("ForceSeal: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after Clear", c.Len())
	}
}
