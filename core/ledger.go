package core

// ledger.go - Ledger composes a State engine with a WAL and checkpoint
// file into the durable, recoverable unit spec §4.3 describes. The
// constructor/open/close shape and the "defer-close-WAL-on-error" idiom
// are grounded on the teacher's core/ledger.go (NewLedger/OpenLedger);
// the recovery algorithm itself (checkpoint-then-replay,
// tolerate-corrupt-entries, tolerate-already-applied-transactions) is
// grounded on
// _examples/original_source/src/persistence/wal.c's pc_wal_recover.

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// LedgerConfig configures where a Ledger's durable files live and how
// often it checkpoints.
type LedgerConfig struct {
	WALPath          string
	SnapshotPath     string
	SnapshotInterval uint64 // checkpoint every N applied transactions; 0 disables auto-checkpoint
	Logger           *logrus.Logger
}

// Ledger is the durable, single-writer unit: one State engine, one WAL.
// Section 4.3's contract is enforced by ApplyTransaction/ApplyGenesis:
// lock -> append WAL (fsync'd) -> apply to State -> unlock.
type Ledger struct {
	mu  sync.Mutex
	cfg LedgerConfig
	log *logrus.Logger

	State *State
	wal   *WAL

	txSinceCheckpoint uint64
}

// OpenLedger opens (or creates) the WAL at cfg.WALPath, loads the most
// recent checkpoint if present, replays the WAL forward from it, and
// returns a ready-to-use Ledger. This single entry point implements both
// fresh-start and crash-recovery paths per spec §4.3.
func OpenLedger(cfg LedgerConfig) (ledger *Ledger, err error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir := filepath.Dir(cfg.WALPath); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create WAL dir: %w", mkErr)
		}
	}

	wal, err := OpenWAL(cfg.WALPath, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()

	l := &Ledger{cfg: cfg, log: log, State: NewState(log), wal: wal}

	if cfg.SnapshotPath != "" {
		if snap, rerr := ReadSnapshot(cfg.SnapshotPath); rerr == nil {
			l.State.mu.Lock()
			l.State.restoreLocked(snap)
			l.State.mu.Unlock()
			log.WithFields(logrus.Fields{"version": snap.Version}).Info("loaded checkpoint snapshot")
		} else if !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("read checkpoint: %w", rerr)
		}
	}

	if err = l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// recover streams the WAL, replaying every entry whose sequence exceeds
// the last checkpoint marker in the log when a checkpoint snapshot was
// loaded. Corrupt entries are skipped (not fatal); genesis is replayed
// only into an empty state; transaction failures are tolerated since they
// may represent entries invalidated after logging, or transactions already
// folded into a loaded checkpoint.
func (l *Ledger) recover() error {
	var checkpointSeq uint64
	var txCount, skipCount int

	// A checkpoint marker is logged after the entries its snapshot covers,
	// so find the last one before replaying anything.
	if l.State.AccountCount() > 0 {
		if err := l.wal.Replay(func(e replayEntry) error {
			if !e.Corrupt && e.Type == WALCheckpoint && len(e.Payload) == 32 {
				checkpointSeq = e.Sequence
			}
			return nil
		}); err != nil {
			return fmt.Errorf("WAL replay: %w", err)
		}
	}

	err := l.wal.Replay(func(e replayEntry) error {
		if e.Corrupt {
			return nil
		}
		switch e.Type {
		case WALCheckpoint:
			if len(e.Payload) == 32 {
				checkpointSeq = e.Sequence
			}
			return nil
		case WALSyncMarker:
			return nil
		case WALGenesis:
			if e.Sequence <= checkpointSeq {
				return nil
			}
			if l.State.AccountCount() != 0 {
				return nil
			}
			var founder Address
			copy(founder[:], e.Payload[0:32])
			supply := decodeFloat64LE(e.Payload[32:40])
			l.State.Genesis(founder, supply, nowUnix())
			return nil
		case WALTransaction:
			if e.Sequence <= checkpointSeq {
				skipCount++
				return nil
			}
			tx, derr := DecodeTransaction(e.Payload)
			if derr != nil {
				l.log.WithFields(logrus.Fields{"sequence": e.Sequence}).Warn("undecodable WAL transaction, skipping")
				return nil
			}
			if res := l.State.Execute(tx); res == ResultOK {
				txCount++
			}
			return nil
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("WAL replay: %w", err)
	}

	if l.State.AccountCount() > 0 {
		if res := l.State.VerifyConservation(); res != ResultOK {
			return fmt.Errorf("recovery failed post-replay conservation check: %w", res)
		}
	}
	l.log.WithFields(logrus.Fields{"replayed": txCount, "skipped": skipCount}).Info("WAL recovery complete")
	return nil
}

// ApplyGenesis durably logs and applies the genesis event.
func (l *Ledger) ApplyGenesis(founder Address, supply float64) TxResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if supply <= 0 {
		return ResultInvalidAmount
	}
	if _, err := l.wal.AppendGenesis(founder, supply); err != nil {
		l.log.WithError(err).Fatal("WAL genesis append failed; durability contract broken")
		return ResultIOError
	}
	return l.State.Genesis(founder, supply, nowUnix())
}

// ApplyTransaction durably logs tx ahead of execution (per spec §4.3's
// lock -> append -> fsync -> apply -> unlock contract), then applies it.
// A transaction that fails validation is still logged: the log is a
// record of what was submitted, not only what succeeded, which is what
// lets recovery tolerate entries that "were logged but later invalidated".
func (l *Ledger) ApplyTransaction(tx *Transaction) TxResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.wal.AppendTransaction(tx); err != nil {
		l.log.WithError(err).Fatal("WAL append failed; durability contract broken")
		return ResultIOError
	}
	res := l.State.Execute(tx)
	if res == ResultOK {
		l.txSinceCheckpoint++
		if l.cfg.SnapshotInterval > 0 && l.txSinceCheckpoint >= l.cfg.SnapshotInterval {
			if err := l.checkpointLocked(); err != nil {
				l.log.WithError(err).Error("automatic checkpoint failed")
			}
		}
	}
	return res
}

// Checkpoint writes a full-state snapshot side file and logs a checkpoint
// marker in the WAL. Per Open Question (c), checkpoints may only occur
// between finalized heights; callers driving consensus must not call
// this while a proposal is outstanding. Neither the Ledger (which has no
// notion of "outstanding proposal") nor ConsensusEngine checks this.
func (l *Ledger) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointLocked()
}

func (l *Ledger) checkpointLocked() error {
	if l.cfg.SnapshotPath == "" {
		return fmt.Errorf("checkpoint: no snapshot path configured")
	}
	l.State.mu.RLock()
	snap := l.State.snapshotLocked()
	l.State.mu.RUnlock()

	if err := WriteSnapshot(l.cfg.SnapshotPath, snap); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if _, err := l.wal.AppendCheckpoint(snap.StateHash); err != nil {
		return fmt.Errorf("log checkpoint marker: %w", err)
	}
	l.txSinceCheckpoint = 0
	l.log.WithFields(logrus.Fields{"version": snap.Version, "accounts": len(snap.Accounts)}).Info("checkpoint written")
	return nil
}

// Close flushes and closes the underlying WAL.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wal.Close()
}

func decodeFloat64LE(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
