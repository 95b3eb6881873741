// Package sstable implements the immutable, sorted, on-disk run that
// memtables flush into: a sequence of framed records followed by a
// sparse-free full index and a fixed footer.
package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/memtable"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
	"github.com/rishabh-tripathi/blockdb/pkg/wireenc"
)

// footerSize is the fixed 16-byte trailer: indexOffset(8) | indexSize(8).
const footerSize = 16

// IndexEntry locates one record's frame within the data section.
type IndexEntry struct {
	Key    []byte
	Offset int64
	Size   int64
}

// SSTable is an opened, immutable sorted run. Reads take the read lock;
// there are no writes once Open/CreateFromMemTable returns.
type SSTable struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	index []IndexEntry // sorted by Key
}

// CreateFromMemTable writes every record in m, in key order, to path,
// followed by a full index and footer.
func CreateFromMemTable(path string, m *memtable.MemTable) (*SSTable, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "create sstable file", err)
	}

	var index []IndexEntry
	var offset int64
	for _, r := range m.Iter() {
		payload := wireenc.EncodeRecord(r)
		frameLen := int64(12 + len(payload))
		if err := wireenc.WriteFrame(f, payload); err != nil {
			f.Close()
			return nil, err
		}
		index = append(index, IndexEntry{Key: r.Key, Offset: offset, Size: frameLen})
		offset += frameLen
	}

	indexOffset := offset
	for _, e := range index {
		buf := make([]byte, 4+len(e.Key)+8+8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(e.Key)))
		copy(buf[4:], e.Key)
		off := 4 + len(e.Key)
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Offset))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.Size))
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return nil, berrors.Wrap(berrors.KindIO, "write sstable index entry", err)
		}
	}
	indexSize := int64(0)
	for _, e := range index {
		indexSize += int64(4 + len(e.Key) + 8 + 8)
	}

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.BigEndian.PutUint64(footer[8:16], uint64(indexSize))
	if _, err := f.Write(footer[:]); err != nil {
		f.Close()
		return nil, berrors.Wrap(berrors.KindIO, "write sstable footer", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, berrors.Wrap(berrors.KindIO, "sync sstable", err)
	}

	return &SSTable{path: path, file: f, index: index}, nil
}

// Open reopens an existing SSTable file, reading just its footer and
// index (not the data section) into memory.
func Open(path string) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "open sstable file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, berrors.Wrap(berrors.KindIO, "stat sstable file", err)
	}
	if info.Size() < footerSize {
		f.Close()
		return nil, berrors.New(berrors.KindInvalidData, "sstable smaller than footer")
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], info.Size()-footerSize); err != nil {
		f.Close()
		return nil, berrors.Wrap(berrors.KindIO, "read sstable footer", err)
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	indexSize := int64(binary.BigEndian.Uint64(footer[8:16]))

	indexBuf := make([]byte, indexSize)
	if _, err := f.ReadAt(indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, berrors.Wrap(berrors.KindIO, "read sstable index", err)
	}

	var index []IndexEntry
	off := 0
	for off < len(indexBuf) {
		if off+4 > len(indexBuf) {
			break
		}
		keyLen := int(binary.BigEndian.Uint32(indexBuf[off : off+4]))
		off += 4
		if off+keyLen+16 > len(indexBuf) {
			break
		}
		key := make([]byte, keyLen)
		copy(key, indexBuf[off:off+keyLen])
		off += keyLen
		entryOffset := int64(binary.BigEndian.Uint64(indexBuf[off : off+8]))
		entrySize := int64(binary.BigEndian.Uint64(indexBuf[off+8 : off+16]))
		off += 16
		index = append(index, IndexEntry{Key: key, Offset: entryOffset, Size: entrySize})
	}

	return &SSTable{path: path, file: f, index: index}, nil
}

// Get returns the record stored under key, if present in this table.
func (s *SSTable) Get(key []byte) (record.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) >= 0
	})
	if i >= len(s.index) || !bytes.Equal(s.index[i].Key, key) {
		return record.Record{}, false, nil
	}
	r, err := s.readAt(s.index[i])
	if err != nil {
		return record.Record{}, false, err
	}
	return r, true, nil
}

// ScanRange returns every record with a key in [start, end).
func (s *SSTable) ScanRange(start, end []byte) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, start) >= 0
	})
	var out []record.Record
	for _, e := range s.index[lo:] {
		if end != nil && bytes.Compare(e.Key, end) >= 0 {
			break
		}
		r, err := s.readAt(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SSTable) readAt(e IndexEntry) (record.Record, error) {
	buf := make([]byte, e.Size)
	if _, err := s.file.ReadAt(buf, e.Offset); err != nil {
		return record.Record{}, berrors.Wrap(berrors.KindIO, "read sstable frame", err)
	}
	payload, err := wireenc.ReadFrame(bytes.NewReader(buf))
	if err != nil {
		return record.Record{}, err
	}
	return wireenc.DecodeRecord(payload)
}

// Iter returns every record in this table, in key order.
func (s *SSTable) Iter() ([]record.Record, error) {
	return s.ScanRange(nil, nil)
}

// ContainsKey reports whether key is present in the index.
func (s *SSTable) ContainsKey(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) >= 0
	})
	return i < len(s.index) && bytes.Equal(s.index[i].Key, key)
}

// FirstKey returns the smallest key in the table, if any.
func (s *SSTable) FirstKey() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.index) == 0 {
		return nil, false
	}
	return s.index[0].Key, true
}

// LastKey returns the largest key in the table, if any.
func (s *SSTable) LastKey() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.index) == 0 {
		return nil, false
	}
	return s.index[len(s.index)-1].Key, true
}

// Size returns the number of distinct keys in the table.
func (s *SSTable) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Path returns the backing file path.
func (s *SSTable) Path() string { return s.path }

// Close closes the backing file.
func (s *SSTable) Close() error {
	return s.file.Close()
}

var _ io.Closer = (*SSTable)(nil)
