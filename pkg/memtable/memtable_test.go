package memtable

import (
	"testing"

	"github.com/rishabh-tripathi/blockdb/pkg/record"
)

func TestInsertAndGet(t *testing.T) {
	m := New()
	r := record.New([]byte("k1"), []byte("v1"), 1, 1)
	m.Insert(r)

	got, ok := m.Get([]byte("k1"))
	if !ok {
		t.Fatal("expected key to be found")
	}
	if string(got.Value) != "v1" {
		t.Fatalf("got %q, want %q", got.Value, "v1")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestIterIsKeyOrdered(t *testing.T) {
	m := New()
	m.Insert(record.New([]byte("c"), []byte("3"), 3, 3))
	m.Insert(record.New([]byte("a"), []byte("1"), 1, 1))
	m.Insert(record.New([]byte("b"), []byte("2"), 2, 2))

	got := m.Iter()
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(got[i].Key) != want {
			t.Fatalf("Iter()[%d].Key = %q, want %q", i, got[i].Key, want)
		}
	}
}

func TestInsertOverwriteAdjustsSize(t *testing.T) {
	m := New()
	m.Insert(record.New([]byte("k"), []byte("short"), 1, 1))
	sizeBefore := m.Size()
	m.Insert(record.New([]byte("k"), []byte("a much longer value"), 2, 2))
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (overwrite should not add a key)", m.Len())
	}
	if m.Size() <= sizeBefore {
		t.Fatalf("Size() = %d, want greater than %d after overwrite with larger value", m.Size(), sizeBefore)
	}
}

func TestRange(t *testing.T) {
	m := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Insert(record.New([]byte(k), []byte("v"), 1, 1))
	}
	got := m.Range([]byte("b"), []byte("d"))
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if string(got[0].Key) != "b" || string(got[1].Key) != "c" {
		t.Fatalf("unexpected range contents: %+v", got)
	}
}

func TestGetLatestByPrefix(t *testing.T) {
	m := New()
	m.Insert(record.New([]byte("user:1"), []byte("v"), 1, 1))
	m.Insert(record.New([]byte("user:2"), []byte("v"), 1, 2))
	m.Insert(record.New([]byte("user:3"), []byte("v"), 1, 3))

	got, ok := m.GetLatestByPrefix([]byte("user:"))
	if !ok {
		t.Fatal("expected a match")
	}
	if string(got.Key) != "user:3" {
		t.Fatalf("got %q, want %q", got.Key, "user:3")
	}

	_, ok = m.GetLatestByPrefix([]byte("nomatch:"))
	if ok {
		t.Fatal("expected no match")
	}
}

func TestClear(t *testing.T) {
	m := New()
	m.Insert(record.New([]byte("k"), []byte("v"), 1, 1))
	m.Clear()
	if !m.IsEmpty() {
		t.Fatal("expected memtable to be empty after Clear")
	}
	if m.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 after Clear", m.Size())
	}
}
