// Package wireenc implements the fixed binary layout used to persist
// records, index entries, and log frames on disk: a big-endian u32
// length prefix and a big-endian xxhash64 of the payload, followed by a
// flat field encoding, the shape the write-ahead log, SSTables, and the
// transaction log share. The ledger is persisted with encoding/gob
// instead.
package wireenc

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
)

// EncodeRecord flattens a record into its on-disk representation:
// keyLen(4) | key | valLen(4) | val | timestamp(8) | seq(8) | hash(32).
func EncodeRecord(r record.Record) []byte {
	buf := make([]byte, 4+len(r.Key)+4+len(r.Value)+8+8+32)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	copy(buf[off:], r.Key)
	off += len(r.Key)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	off += len(r.Value)
	binary.BigEndian.PutUint64(buf[off:], r.Timestamp)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], r.SequenceNumber)
	off += 8
	copy(buf[off:], r.Hash[:])
	return buf
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(buf []byte) (record.Record, error) {
	if len(buf) < 8 {
		return record.Record{}, berrors.New(berrors.KindSerialize, "record frame too short")
	}
	off := 0
	keyLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if off+int(keyLen) > len(buf) {
		return record.Record{}, berrors.New(berrors.KindSerialize, "record key overruns frame")
	}
	key := make([]byte, keyLen)
	copy(key, buf[off:off+int(keyLen)])
	off += int(keyLen)

	if off+4 > len(buf) {
		return record.Record{}, berrors.New(berrors.KindSerialize, "record frame truncated before value length")
	}
	valLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if off+int(valLen) > len(buf) {
		return record.Record{}, berrors.New(berrors.KindSerialize, "record value overruns frame")
	}
	val := make([]byte, valLen)
	copy(val, buf[off:off+int(valLen)])
	off += int(valLen)

	if off+8+8+32 > len(buf) {
		return record.Record{}, berrors.New(berrors.KindSerialize, "record frame truncated before trailer")
	}
	ts := binary.BigEndian.Uint64(buf[off:])
	off += 8
	seq := binary.BigEndian.Uint64(buf[off:])
	off += 8
	var hash [32]byte
	copy(hash[:], buf[off:off+32])

	return record.Record{Key: key, Value: val, Timestamp: ts, SequenceNumber: seq, Hash: hash}, nil
}

// WriteFrame writes size(4 BE) | xxhash64(8 BE) | payload to w. The
// xxhash is a corruption check over the frame only; it is never used in
// place of a record's own content hash.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(header[4:12], xxhash.Sum64(payload))
	if _, err := w.Write(header[:]); err != nil {
		return berrors.Wrap(berrors.KindIO, "write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return berrors.Wrap(berrors.KindIO, "write frame payload", err)
	}
	return nil
}

// ErrTruncatedFrame signals that a frame was cut off mid-write — the
// expected shape of the last record after a crash, and the caller's cue
// to stop reading rather than treat it as corruption.
var ErrTruncatedFrame = berrors.New(berrors.KindInvalidData, "truncated trailing frame")

// ReadFrame reads one frame written by WriteFrame. Both a short header
// read and a short payload read are treated identically as
// ErrTruncatedFrame — any incomplete trailing frame, not just one cut
// off at the very start, is silently droppable by the caller.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, berrors.Wrap(berrors.KindIO, "read frame header", err)
	}
	size := binary.BigEndian.Uint32(header[0:4])
	wantSum := binary.BigEndian.Uint64(header[4:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, berrors.Wrap(berrors.KindIO, "read frame payload", err)
	}

	if xxhash.Sum64(payload) != wantSum {
		return nil, berrors.New(berrors.KindSerialize, "frame checksum mismatch")
	}
	return payload, nil
}
