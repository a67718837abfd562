package core

// state.go - the state engine: genesis, account creation, atomic transfer
// execution, deterministic state hashing and conservation verification.
// Grounded on _examples/original_source/src/core/state.c's operation set
// (pc_state_genesis / pc_state_execute_tx / pc_state_compute_hash) for
// exact semantics, expressed in the teacher's idiom: a single
// sync.RWMutex guarding the whole structure the way core/ledger.go's
// Ledger does, logrus.WithFields for structural events.

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the account/balance data model: the account set, total supply
// and the hash chain committing to both. Mutation (Genesis, CreateAccount,
// Execute, ApplyDelta, snapshot restore and ShardedLedger's cross-shard
// path) takes the writer lock; readers take the shared lock.
type State struct {
	mu sync.RWMutex

	Version     uint64
	Timestamp   uint64
	accounts    *accountStore
	TotalSupply float64
	StateHash   [32]byte
	PrevHash    [32]byte

	log *logrus.Logger
}

// NewState constructs an empty, ungenesis'd state engine.
func NewState(log *logrus.Logger) *State {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &State{accounts: newAccountStore(), log: log}
}

// Genesis creates the first account holding the entire supply and seals
// the initial state hash. It fails if supply is not strictly positive or
// genesis has already run.
func (s *State) Genesis(founder Address, supply float64, timestamp uint64) TxResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if supply <= 0 {
		return ResultInvalidAmount
	}
	if len(s.accounts.order) != 0 || s.Version != 0 {
		return ResultAccountExists
	}
	if res := s.accounts.create(founder, supply); res != ResultOK {
		return res
	}
	s.TotalSupply = supply
	s.Version = 1
	s.Timestamp = timestamp
	s.recomputeHashLocked()
	s.log.WithFields(logrus.Fields{"founder": founder.Short(), "supply": supply}).Info("genesis applied")
	return ResultOK
}

// CreateAccount adds a zero-balance account. A nonzero initial balance is
// only legal from within Genesis; any other caller must pass zero and
// fund the account via a transfer, which preserves conservation because a
// zero-balance creation never changes TotalSupply.
func (s *State) CreateAccount(addr Address, initialBalance float64) TxResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if initialBalance != 0 {
		return ResultInvalidAmount
	}
	return s.accounts.create(addr, 0)
}

// GetAccount returns a read-only snapshot of addr's account, if present.
func (s *State) GetAccount(addr Address) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts.get(addr)
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Execute verifies and applies a signed transfer. On any failure the
// in-memory state is left exactly as it was before the call (rolled back
// bit-for-bit); on success the hash chain advances.
func (s *State) Execute(tx *Transaction) TxResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Amount <= 0 {
		return ResultInvalidAmount
	}
	sender, ok := s.accounts.get(tx.From)
	if !ok {
		return ResultAccountNotFound
	}
	if tx.Nonce != sender.Nonce {
		return ResultInvalidSignature
	}
	if !VerifySignature(tx) {
		return ResultInvalidSignature
	}
	if sender.Balance < tx.Amount {
		return ResultInsufficientFunds
	}

	// Snapshot the two accounts touched so a conservation anomaly can be
	// rolled back bit-for-bit.
	senderBefore := *sender
	_, receiverExisted := s.accounts.get(tx.To)
	receiver := s.accounts.getOrCreate(tx.To)
	receiverBefore := *receiver
	sumBefore := senderBefore.Balance + receiverBefore.Balance

	sender.Balance -= tx.Amount
	receiver.Balance += tx.Amount
	sender.Nonce++

	// Paranoia re-check against floating-point anomalies: the pair sum
	// must be unchanged (self-transfer included, where sender==receiver).
	var sumAfter float64
	if tx.From == tx.To {
		sumAfter = sender.Balance
	} else {
		sumAfter = sender.Balance + receiver.Balance
	}
	if math.Abs(sumAfter-sumBefore) > transferEpsilon {
		*sender = senderBefore
		*receiver = receiverBefore
		if !receiverExisted {
			delete(s.accounts.byKey, tx.To)
			s.accounts.order = s.accounts.order[:len(s.accounts.order)-1]
		}
		s.log.WithFields(logrus.Fields{"from": tx.From.Short(), "to": tx.To.Short()}).Error("conservation violated mid-transfer, rolled back")
		return ResultConservationViolated
	}

	s.PrevHash = s.StateHash
	s.Version++
	s.Timestamp = tx.Timestamp
	s.recomputeHashLocked()
	return ResultOK
}

// VerifyConservation recomputes Σbalances and reports ok iff it is within
// conservationEpsilon of TotalSupply.
func (s *State) VerifyConservation() TxResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyConservationLocked()
}

func (s *State) verifyConservationLocked() TxResult {
	var sum float64
	for _, addr := range s.accounts.order {
		a := s.accounts.byKey[addr]
		if a.Balance < 0 {
			return ResultConservationViolated
		}
		sum += a.Balance
	}
	if math.Abs(sum-s.TotalSupply) > conservationEpsilon {
		return ResultConservationViolated
	}
	return ResultOK
}

// AccountCount returns the number of accounts, in insertion order.
func (s *State) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts.order)
}

// Accounts returns a snapshot of all accounts in insertion order.
func (s *State) Accounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accounts.order))
	for _, addr := range s.accounts.order {
		out = append(out, *s.accounts.byKey[addr])
	}
	return out
}

// recomputeHashLocked implements the state_hash contract from spec §3:
// SHA-256(version ‖ timestamp ‖ |accounts| ‖ total_supply ‖ prev_hash ‖
// for each account in insertion order: (pubkey ‖ balance ‖ nonce)).
// Balance is serialized as its raw little-endian IEEE-754 bit pattern so
// replicas agree on bytes despite floating-point representation.
func (s *State) recomputeHashLocked() {
	h := sha256.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], s.Version)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], s.Timestamp)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(s.accounts.order)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.TotalSupply))
	h.Write(buf[:])
	h.Write(s.PrevHash[:])

	for _, addr := range s.accounts.order {
		a := s.accounts.byKey[addr]
		h.Write(a.PubKey[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(a.Balance))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], a.Nonce)
		h.Write(buf[:])
	}

	sum := h.Sum(nil)
	copy(s.StateHash[:], sum)
}

// Hashes returns the current (state_hash, prev_hash) pair.
func (s *State) Hashes() (stateHash, prevHash [32]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.StateHash, s.PrevHash
}

// snapshot captures everything needed to serialize or clone the state.
type stateSnapshot struct {
	Version     uint64
	Timestamp   uint64
	TotalSupply float64
	StateHash   [32]byte
	PrevHash    [32]byte
	Accounts    []Account
}

func (s *State) snapshotLocked() stateSnapshot {
	accs := make([]Account, 0, len(s.accounts.order))
	for _, addr := range s.accounts.order {
		accs = append(accs, *s.accounts.byKey[addr])
	}
	return stateSnapshot{
		Version: s.Version, Timestamp: s.Timestamp, TotalSupply: s.TotalSupply,
		StateHash: s.StateHash, PrevHash: s.PrevHash, Accounts: accs,
	}
}

// restoreLocked replaces the state's contents with snap's, e.g. after
// loading a checkpoint or accepting a trusted snapshot.
func (s *State) restoreLocked(snap stateSnapshot) {
	s.Version = snap.Version
	s.Timestamp = snap.Timestamp
	s.TotalSupply = snap.TotalSupply
	s.StateHash = snap.StateHash
	s.PrevHash = snap.PrevHash
	s.accounts = newAccountStore()
	for _, a := range snap.Accounts {
		cp := a
		s.accounts.byKey[a.PubKey] = &cp
		s.accounts.order = append(s.accounts.order, a.PubKey)
	}
}
