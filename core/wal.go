package core

// wal.go - the durable write-ahead log. Format and recovery semantics are
// grounded line-for-line on
// _examples/original_source/src/persistence/wal.c (pc_wal_init,
// pc_wal_log_tx, pc_wal_log_genesis, pc_wal_checkpoint, pc_wal_recover):
// a fixed header, checksummed entries, checkpoint-aware replay that skips
// entries at or below the checkpoint sequence and tolerates corrupt
// entries by skipping rather than halting. The on-disk layout matches
// spec §6 exactly. Durability contract: every append flushes the
// user-space buffer and fsyncs before returning to the caller (the
// teacher's own core/ledger.go only bufio-scans without an explicit
// fsync per write; per the Design Notes instruction to pick the most
// hardened behavior among drafts, we add the fsync here).

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	walMagic   uint32 = 0x57414C50 // "WALP"
	walVersion uint32 = 2
)

// WALEntryType enumerates the kinds of WAL record.
type WALEntryType uint32

const (
	WALGenesis WALEntryType = iota + 1
	WALTransaction
	WALCheckpoint
	WALSyncMarker
)

// WALHeader is the fixed file header: magic, version, creation timestamp,
// entry count and the last state hash recorded by a checkpoint.
type WALHeader struct {
	Magic         uint32
	Version       uint32
	CreatedAt     uint64
	EntryCount    uint64
	LastStateHash [32]byte
	Flags         uint32
}

const walHeaderSize = 4 + 4 + 8 + 8 + 32 + 4
const walEntryHeaderSize = 4 + 8 + 8 + 4 + 32

// WALEntry is one logged record: a typed, checksummed, sequenced payload.
type WALEntry struct {
	Type         WALEntryType
	Timestamp    uint64
	SequenceNum  uint64
	PayloadSize  uint32
	Checksum     [32]byte
	Payload      []byte
}

// WAL is the append-only durable log backing a Ledger. All appends are
// serialized by the caller's lock (typically the owning Ledger's writer
// lock); WAL itself adds no further locking.
type WAL struct {
	f        *os.File
	header   WALHeader
	nextSeq  uint64
	log      *logrus.Logger
}

// OpenWAL opens path, creating it (and writing a fresh header) if it does
// not exist, or validating the existing header's magic if it does.
func OpenWAL(path string, log *logrus.Logger) (*WAL, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	w := &WAL{f: f, log: log}
	if exists {
		if err := w.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		w.nextSeq = w.header.EntryCount
		log.WithFields(logrus.Fields{"entries": w.header.EntryCount}).Info("opened existing WAL")
	} else {
		w.header = WALHeader{Magic: walMagic, Version: walVersion, CreatedAt: nowUnix()}
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		log.Info("created new WAL")
	}
	return w, nil
}

func (w *WAL) readHeader() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek WAL header: %w", err)
	}
	buf := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(w.f, buf); err != nil {
		return fmt.Errorf("read WAL header: %w", err)
	}
	w.header.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if w.header.Magic != walMagic {
		return fmt.Errorf("WAL header: bad magic %x", w.header.Magic)
	}
	w.header.Version = binary.LittleEndian.Uint32(buf[4:8])
	w.header.CreatedAt = binary.LittleEndian.Uint64(buf[8:16])
	w.header.EntryCount = binary.LittleEndian.Uint64(buf[16:24])
	copy(w.header.LastStateHash[:], buf[24:56])
	w.header.Flags = binary.LittleEndian.Uint32(buf[56:60])
	return nil
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], w.header.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], w.header.Version)
	binary.LittleEndian.PutUint64(buf[8:16], w.header.CreatedAt)
	binary.LittleEndian.PutUint64(buf[16:24], w.header.EntryCount)
	copy(buf[24:56], w.header.LastStateHash[:])
	binary.LittleEndian.PutUint32(buf[56:60], w.header.Flags)
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return w.f.Sync()
}

// append writes one entry: seeks to EOF, writes the entry header and
// payload, then fsyncs before updating and persisting the file header.
// This is the durability contract: the append is on stable storage
// before the call returns.
func (w *WAL) append(typ WALEntryType, payload []byte) (uint64, error) {
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seek WAL end: %w", err)
	}
	seq := w.nextSeq
	w.nextSeq++

	sum := sha256.Sum256(payload)
	hdr := make([]byte, walEntryHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.LittleEndian.PutUint64(hdr[4:12], nowUnix())
	binary.LittleEndian.PutUint64(hdr[12:20], seq)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(payload)))
	copy(hdr[24:56], sum[:])

	bw := bufio.NewWriter(w.f)
	if _, err := bw.Write(hdr); err != nil {
		return 0, fmt.Errorf("write WAL entry header: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return 0, fmt.Errorf("write WAL entry payload: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("flush WAL entry: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, fmt.Errorf("fsync WAL entry: %w", ResultIOError)
	}

	w.header.EntryCount = w.nextSeq
	if typ == WALCheckpoint && len(payload) == 32 {
		copy(w.header.LastStateHash[:], payload)
	}
	if err := w.writeHeader(); err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendGenesis logs the genesis event (founder pubkey, supply).
func (w *WAL) AppendGenesis(founder Address, supply float64) (uint64, error) {
	payload := make([]byte, 32+8)
	copy(payload[0:32], founder[:])
	binary.LittleEndian.PutUint64(payload[32:40], math.Float64bits(supply))
	return w.append(WALGenesis, payload)
}

// AppendTransaction logs a full transaction record ahead of execution.
func (w *WAL) AppendTransaction(tx *Transaction) (uint64, error) {
	return w.append(WALTransaction, tx.Bytes())
}

// AppendCheckpoint logs a checkpoint marker carrying the state hash at
// which the side-file snapshot was taken.
func (w *WAL) AppendCheckpoint(stateHash [32]byte) (uint64, error) {
	return w.append(WALCheckpoint, stateHash[:])
}

// AppendSyncMarker logs a durability point with no state effect.
func (w *WAL) AppendSyncMarker(timestamp uint64) (uint64, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, timestamp)
	return w.append(WALSyncMarker, payload)
}

// Close flushes the header and closes the underlying file.
func (w *WAL) Close() error {
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// replayEntry is one decoded WAL record with any checksum-verification
// outcome recorded for the caller.
type replayEntry struct {
	Type      WALEntryType
	Sequence  uint64
	Payload   []byte
	Corrupt   bool
}

// Replay streams every entry in order, verifying each payload checksum.
// Corrupt entries are reported (Corrupt=true) rather than causing Replay
// to stop: forward progress during recovery is required by spec §4.3.
func (w *WAL) Replay(fn func(replayEntry) error) error {
	if _, err := w.f.Seek(int64(walHeaderSize), io.SeekStart); err != nil {
		return fmt.Errorf("seek past WAL header: %w", err)
	}
	r := bufio.NewReader(w.f)
	for {
		hdr := make([]byte, walEntryHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("read WAL entry header: %w", err)
		}
		typ := WALEntryType(binary.LittleEndian.Uint32(hdr[0:4]))
		seq := binary.LittleEndian.Uint64(hdr[12:20])
		size := binary.LittleEndian.Uint32(hdr[20:24])
		var checksum [32]byte
		copy(checksum[:], hdr[24:56])

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				w.log.WithFields(logrus.Fields{"sequence": seq}).Warn("WAL truncated mid-entry, stopping replay")
				break
			}
			return fmt.Errorf("read WAL entry payload: %w", err)
		}

		sum := sha256.Sum256(payload)
		entry := replayEntry{Type: typ, Sequence: seq, Payload: payload, Corrupt: sum != checksum}
		if entry.Corrupt {
			w.log.WithFields(logrus.Fields{"sequence": seq, "type": typ}).Warn("corrupt WAL entry, skipping")
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}
