package txn

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/wireenc"
)

// EntryKind names a transaction log entry's lifecycle event.
type EntryKind uint8

const (
	EntryBegin EntryKind = iota
	EntryPrepare
	EntryCommit
	EntryAbort
)

// Entry is one durable transaction-log record.
type Entry struct {
	Kind      EntryKind
	TxID      uuid.UUID
	Timestamp time.Time
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 1+16+8)
	buf[0] = byte(e.Kind)
	idBytes, _ := e.TxID.MarshalBinary()
	copy(buf[1:17], idBytes)
	binary.BigEndian.PutUint64(buf[17:25], uint64(e.Timestamp.Unix()))
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < 25 {
		return Entry{}, berrors.New(berrors.KindSerialize, "transaction log entry too short")
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(buf[1:17]); err != nil {
		return Entry{}, berrors.Wrap(berrors.KindSerialize, "decode transaction id", err)
	}
	ts := binary.BigEndian.Uint64(buf[17:25])
	return Entry{
		Kind:      EntryKind(buf[0]),
		TxID:      id,
		Timestamp: time.Unix(int64(ts), 0),
	}, nil
}

// Log is the durable, size-prefixed, append-only record of every
// transaction state transition — used to recover in-flight transaction
// outcomes after a crash, the same framing style pkg/wal uses.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// OpenLog opens (creating if absent) the transaction log at path.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "open transaction log", err)
	}
	return &Log{file: f}, nil
}

// Append writes e to the log and flushes the OS write buffer to disk
// before returning.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return berrors.Wrap(berrors.KindIO, "seek transaction log to end", err)
	}
	if err := wireenc.WriteFrame(l.file, encodeEntry(e)); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return berrors.Wrap(berrors.KindIO, "sync transaction log", err)
	}
	return nil
}

// Recover replays every well-formed entry in file order, stopping
// silently at a truncated trailing frame.
func (l *Log) Recover() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "seek transaction log to start", err)
	}
	var entries []Entry
	for {
		payload, err := wireenc.ReadFrame(l.file)
		if err != nil {
			if err == wireenc.ErrTruncatedFrame {
				txnLogLogger := blog.WithComponent("txnlog")
				txnLogLogger.Debug().Msg("stopped recovery at truncated trailing frame")
				break
			}
			return nil, err
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Truncate clears the log to zero length.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return berrors.Wrap(berrors.KindIO, "truncate transaction log", err)
	}
	_, err := l.file.Seek(0, io.SeekStart)
	return err
}

// Close closes the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
