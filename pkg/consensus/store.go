package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"go.etcd.io/bbolt"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
)

var (
	bucketState = []byte("raft_state")
	bucketLog   = []byte("raft_log")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
)

// Store is the Raft node's persistent state: current term, voted-for,
// and the log entries themselves — the same durability concern the
// teacher covers with a BoltDB-backed store, adapted here to this
// project's own hand-written log entry format instead of a library's.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) a bbolt-backed persistent store
// at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "open raft store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "init raft store buckets", err)
	}
	return &Store{db: db}, nil
}

// CurrentTerm returns the last persisted term, or 0 if none.
func (s *Store) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState).Get(keyCurrentTerm)
		if b == nil {
			return nil
		}
		term = binary.BigEndian.Uint64(b)
		return nil
	})
	return term, err
}

// SetCurrentTerm persists term.
func (s *Store) SetCurrentTerm(term uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		return tx.Bucket(bucketState).Put(keyCurrentTerm, buf[:])
	})
}

// VotedFor returns the candidate this node voted for in the current
// term, if any.
func (s *Store) VotedFor() (NodeID, bool, error) {
	var id NodeID
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get(keyVotedFor)
		if v == nil {
			return nil
		}
		id = NodeID(v)
		found = true
		return nil
	})
	return id, found, err
}

// SetVotedFor persists the candidate voted for.
func (s *Store) SetVotedFor(id NodeID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyVotedFor, []byte(id))
	})
}

// ClearVotedFor removes the persisted vote (called on entering a new
// term).
func (s *Store) ClearVotedFor() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete(keyVotedFor)
	})
}

// AppendLogEntries persists entries, keyed by big-endian log index.
func (s *Store) AppendLogEntries(entries []LogEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(e); err != nil {
				return berrors.Wrap(berrors.KindSerialize, "encode log entry", err)
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], e.Index)
			if err := b.Put(key[:], buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom deletes every log entry at or after index, used when a
// follower's log must be rolled back to match the leader's. Deletion
// goes through the cursor: Bucket.Delete during iteration shifts the
// next key into the current slot and the following Next skips it.
func (s *Store) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		var start [8]byte
		binary.BigEndian.PutUint64(start[:], index)
		for k, _ := c.Seek(start[:]); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLog returns every persisted log entry in index order.
func (s *Store) LoadLog() ([]LogEntry, error) {
	var entries []LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		return b.ForEach(func(k, v []byte) error {
			var e LogEntry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return berrors.Wrap(berrors.KindSerialize, "decode log entry", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
