// Package record defines the single unit of durable data BlockDB ever
// stores: a key/value pair with an assigned timestamp, sequence number,
// and content hash.
package record

import (
	"crypto/sha256"
	"encoding/binary"
)

// Record is the atomic unit written to the WAL, memtable, SSTables, and
// the ledger. Once written under a given key it is never overwritten or
// deleted — BlockDB is append-only.
type Record struct {
	Key            []byte
	Value          []byte
	Timestamp      uint64
	SequenceNumber uint64
	Hash           [32]byte
}

// New builds a Record and computes its content hash.
func New(key, value []byte, timestamp, sequenceNumber uint64) Record {
	r := Record{
		Key:            key,
		Value:          value,
		Timestamp:      timestamp,
		SequenceNumber: sequenceNumber,
	}
	r.Hash = r.ComputeHash()
	return r
}

// ComputeHash returns SHA-256 over key, value, timestamp, and sequence
// number, in that order, each integer encoded big-endian. This is the
// hash carried in Hash and the one chained into ledger blocks — it is
// never replaced by any non-cryptographic checksum used elsewhere for
// framing.
func (r Record) ComputeHash() [32]byte {
	h := sha256.New()
	h.Write(r.Key)
	h.Write(r.Value)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.Timestamp)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], r.SequenceNumber)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyHash reports whether Hash matches the record's current fields.
func (r Record) VerifyHash() bool {
	return r.ComputeHash() == r.Hash
}

// Size estimates the in-memory footprint of a record, used by the
// memtable to track its total size against the configured limit.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value) + 8 + 8 + len(r.Hash)
}

// Clone returns a deep copy, safe to hold after the original's backing
// slices are reused or mutated.
func (r Record) Clone() Record {
	key := make([]byte, len(r.Key))
	copy(key, r.Key)
	val := make([]byte, len(r.Value))
	copy(val, r.Value)
	return Record{
		Key:            key,
		Value:          val,
		Timestamp:      r.Timestamp,
		SequenceNumber: r.SequenceNumber,
		Hash:           r.Hash,
	}
}
