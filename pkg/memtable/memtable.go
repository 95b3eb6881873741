// Package memtable implements the in-memory sorted buffer BlockDB fills
// between flushes to an SSTable.
package memtable

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/rishabh-tripathi/blockdb/pkg/record"
)

// MemTable holds records in key order. Go has no built-in ordered map,
// so key order is maintained by keeping a sorted key index alongside a
// plain map, giving the same iteration contract Rust's BTreeMap gives
// the original.
type MemTable struct {
	mu      sync.RWMutex
	data    map[string]record.Record
	keys    []string // kept sorted
	sizeSum int
}

// New returns an empty memtable.
func New() *MemTable {
	return &MemTable{data: make(map[string]record.Record)}
}

// Insert adds or replaces the record stored under r.Key, maintaining
// size accounting and sorted key order. BlockDB's append-only guard
// lives in the storage engine, above this layer — MemTable itself does
// not reject overwrites, mirroring the original's bare BTreeMap.
func (m *MemTable) Insert(r record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(r.Key)
	if old, ok := m.data[k]; ok {
		m.sizeSum -= old.Size()
	} else {
		m.insertSortedKey(k)
	}
	m.data[k] = r
	m.sizeSum += r.Size()
}

func (m *MemTable) insertSortedKey(k string) {
	i := sort.SearchStrings(m.keys, k)
	m.keys = append(m.keys, "")
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = k
}

// Get returns the record stored under key, if any.
func (m *MemTable) Get(key []byte) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[string(key)]
	return r, ok
}

// Contains reports whether this memtable currently holds key (used by
// the append-only guard); keys dropped by Clear are not reported.
func (m *MemTable) Contains(key []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok
}

// Size returns the estimated in-memory footprint in bytes.
func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeSum
}

// Len returns the number of distinct keys held.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// IsEmpty reports whether the memtable holds no records.
func (m *MemTable) IsEmpty() bool {
	return m.Len() == 0
}

// Iter returns every record in key order.
func (m *MemTable) Iter() []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]record.Record, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.data[k])
	}
	return out
}

// Keys returns every key currently held, in sorted order.
func (m *MemTable) Keys() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, []byte(k))
	}
	return out
}

// Range returns every record whose key falls in [start, end).
func (m *MemTable) Range(start, end []byte) []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lo := sort.SearchStrings(m.keys, string(start))
	var out []record.Record
	for _, k := range m.keys[lo:] {
		if end != nil && bytes.Compare([]byte(k), end) >= 0 {
			break
		}
		out = append(out, m.data[k])
	}
	return out
}

// GetLatestByPrefix returns the lexicographically last record whose key
// has the given prefix, mirroring the original's get_latest_by_prefix.
func (m *MemTable) GetLatestByPrefix(prefix []byte) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best string
	var found bool
	for i := len(m.keys) - 1; i >= 0; i-- {
		k := m.keys[i]
		if strings.HasPrefix(k, string(prefix)) {
			best = k
			found = true
			break
		}
	}
	if !found {
		return record.Record{}, false
	}
	return m.data[best], true
}

// Clear empties the memtable, used after a flush to SSTable completes.
func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]record.Record)
	m.keys = nil
	m.sizeSum = 0
}
