package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rishabh-tripathi/blockdb/pkg/memtable"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
	"github.com/rishabh-tripathi/blockdb/pkg/sstable"
)

func TestIsNewerPrefersLaterTimestamp(t *testing.T) {
	a := record.New([]byte("k"), []byte("a"), 10, 1)
	b := record.New([]byte("k"), []byte("b"), 5, 99)
	if !isNewer(a, b) {
		t.Fatal("expected higher timestamp to win regardless of sequence number")
	}
}

func TestIsNewerTieBreaksOnSequence(t *testing.T) {
	a := record.New([]byte("k"), []byte("a"), 10, 5)
	b := record.New([]byte("k"), []byte("b"), 10, 3)
	if !isNewer(a, b) {
		t.Fatal("expected higher sequence number to win when timestamps tie")
	}
}

func makeSSTable(t *testing.T, dir, name string, recs []record.Record) string {
	t.Helper()
	mt := memtable.New()
	for _, r := range recs {
		mt.Insert(r)
	}
	path := filepath.Join(dir, name)
	tbl, err := sstable.CreateFromMemTable(path, mt)
	if err != nil {
		t.Fatalf("CreateFromMemTable: %v", err)
	}
	tbl.Close()
	return path
}

func TestMergeFilesResolvesCollisionByNewest(t *testing.T) {
	dir := t.TempDir()
	older := record.New([]byte("k"), []byte("old"), 1, 1)
	newer := record.New([]byte("k"), []byte("new"), 2, 1)

	p1 := makeSSTable(t, dir, "1.sst", []record.Record{older})
	p2 := makeSSTable(t, dir, "2.sst", []record.Record{newer})

	merged, err := mergeFiles([]string{p1, p2})
	if err != nil {
		t.Fatalf("mergeFiles: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("got %d records, want 1", len(merged))
	}
	if string(merged[0].Value) != "new" {
		t.Fatalf("got %q, want %q (newest should win)", merged[0].Value, "new")
	}
}

func TestAddSSTableTriggersCompactionAtThreshold(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 4)

	for i := 0; i <= 4; i++ {
		path := makeSSTable(t, dir, fmt.Sprintf("l0_%d.sst", i), []record.Record{
			record.New([]byte(fmt.Sprintf("k%d", i)), []byte("v"), uint64(i), uint64(i)),
		})
		if err := c.AddSSTable(0, path); err != nil {
			t.Fatalf("AddSSTable: %v", err)
		}
	}

	c.mu.Lock()
	l0 := len(c.levels[0])
	l1 := len(c.levels[1])
	c.mu.Unlock()

	if l0 != 0 {
		t.Fatalf("level 0 should be empty after compaction, got %d files", l0)
	}
	if l1 != 1 {
		t.Fatalf("level 1 should hold one compacted file, got %d", l1)
	}
}
