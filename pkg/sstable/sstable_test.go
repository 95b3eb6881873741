package sstable

import (
	"path/filepath"
	"testing"

	"github.com/rishabh-tripathi/blockdb/pkg/memtable"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
)

func buildMemTable() *memtable.MemTable {
	m := memtable.New()
	m.Insert(record.New([]byte("a"), []byte("1"), 1, 1))
	m.Insert(record.New([]byte("b"), []byte("2"), 2, 2))
	m.Insert(record.New([]byte("c"), []byte("3"), 3, 3))
	return m
}

func TestCreateFromMemTableAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")

	s, err := CreateFromMemTable(path, buildMemTable())
	if err != nil {
		t.Fatalf("CreateFromMemTable: %v", err)
	}
	defer s.Close()

	r, ok, err := s.Get([]byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected key b to be found")
	}
	if string(r.Value) != "2" {
		t.Fatalf("got %q, want %q", r.Value, "2")
	}

	_, ok, err = s.Get([]byte("zzz"))
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to not be found")
	}
}

func TestReopenPreservesIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")

	s, err := CreateFromMemTable(path, buildMemTable())
	if err != nil {
		t.Fatalf("CreateFromMemTable: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", reopened.Size())
	}
	first, ok := reopened.FirstKey()
	if !ok || string(first) != "a" {
		t.Fatalf("FirstKey() = %q, ok=%v", first, ok)
	}
	last, ok := reopened.LastKey()
	if !ok || string(last) != "c" {
		t.Fatalf("LastKey() = %q, ok=%v", last, ok)
	}

	r, ok, err := reopened.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) after reopen: ok=%v err=%v", ok, err)
	}
	if string(r.Value) != "1" {
		t.Fatalf("got %q, want %q", r.Value, "1")
	}
}

func TestScanRangeAndIter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	s, err := CreateFromMemTable(path, buildMemTable())
	if err != nil {
		t.Fatalf("CreateFromMemTable: %v", err)
	}
	defer s.Close()

	got, err := s.ScanRange([]byte("a"), []byte("c"))
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	all, err := s.Iter()
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
}

func TestContainsKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	s, err := CreateFromMemTable(path, buildMemTable())
	if err != nil {
		t.Fatalf("CreateFromMemTable: %v", err)
	}
	defer s.Close()

	if !s.ContainsKey([]byte("a")) {
		t.Fatal("expected ContainsKey(a) to be true")
	}
	if s.ContainsKey([]byte("zzz")) {
		t.Fatal("expected ContainsKey(zzz) to be false")
	}
}
