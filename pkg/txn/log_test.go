package txn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLogAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txn.log")

	l, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}

	id := uuid.New()
	entries := []Entry{
		{Kind: EntryBegin, TxID: id, Timestamp: time.Now().Truncate(time.Second)},
		{Kind: EntryPrepare, TxID: id, Timestamp: time.Now().Truncate(time.Second)},
		{Kind: EntryCommit, TxID: id, Timestamp: time.Now().Truncate(time.Second)},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := OpenLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	got, err := l2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, e := range got {
		if e.Kind != entries[i].Kind || e.TxID != entries[i].TxID {
			t.Fatalf("entry %d = %+v, want %+v", i, e, entries[i])
		}
	}
}

func TestLogTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txn.log")

	l, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	if err := l.Append(Entry{Kind: EntryBegin, TxID: uuid.New(), Timestamp: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	got, err := l.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries after Truncate, want 0", len(got))
	}
}
