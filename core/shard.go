package core

// shard.go - wallet-prefix sharded execution. Grounded on
// _examples/original_source/src/network/sharding.c: 16 shards keyed by
// the top 4 bits of the address, intra-shard transfers executed directly,
// cross-shard transfers via a two-phase deduct/credit that keeps
// Σ shard_total_supplies invariant. The cross-shard lock table (keyed on
// sender/source/destination/amount/sequence, 5-minute expiry) is new
// material grounded on poc_consensus.h's POCCrossShardLock struct, since
// the C sharding prototype itself doesn't implement the lock — it's the
// consensus layer's job per spec §4.4.

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const NumShards = 16

// ShardID selects one of the 16 shards from the top 4 bits of an address.
func ShardID(addr Address) uint8 {
	return addr[0] >> 4
}

// ShardedLedger partitions accounts across NumShards independent Ledgers.
type ShardedLedger struct {
	shards [NumShards]*Ledger
	locks  *crossShardLockTable
	log    *logrus.Logger
}

// OpenShardedLedger opens (or creates) one Ledger per shard under
// baseDir/shard-<n>/.
func OpenShardedLedger(baseDir string, log *logrus.Logger) (*ShardedLedger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sl := &ShardedLedger{locks: newCrossShardLockTable(), log: log}
	for i := 0; i < NumShards; i++ {
		dir := fmt.Sprintf("%s/shard-%02d", baseDir, i)
		l, err := OpenLedger(LedgerConfig{
			WALPath:      dir + "/ledger.wal",
			SnapshotPath: dir + "/ledger.snap",
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		sl.shards[i] = l
	}
	return sl, nil
}

// Shard returns the Ledger owning addr.
func (sl *ShardedLedger) Shard(addr Address) *Ledger {
	return sl.shards[ShardID(addr)]
}

// ShardByIndex returns the i'th shard's Ledger directly, for callers that
// need to address a specific shard rather than derive it from an address
// (e.g. binding a ConsensusEngine to one shard).
func (sl *ShardedLedger) ShardByIndex(i int) *Ledger {
	return sl.shards[i]
}

// NetworkTotalSupply sums every shard's TotalSupply; this must equal the
// sum each shard reported before and after any cross-shard transfer.
func (sl *ShardedLedger) NetworkTotalSupply() float64 {
	var total float64
	for _, s := range sl.shards {
		s.State.mu.RLock()
		total += s.State.TotalSupply
		s.State.mu.RUnlock()
	}
	return total
}

// VerifyConservation checks every shard independently; there is no
// separate network-wide check.
func (sl *ShardedLedger) VerifyConservation() TxResult {
	for i, s := range sl.shards {
		if res := s.State.VerifyConservation(); res != ResultOK {
			sl.log.WithFields(logrus.Fields{"shard": i}).Error("shard conservation violated")
			return res
		}
	}
	return ResultOK
}

// ExecuteTransfer routes tx to the intra-shard or cross-shard path
// depending on whether From and To hash to the same shard.
func (sl *ShardedLedger) ExecuteTransfer(tx *Transaction) TxResult {
	fromShard := ShardID(tx.From)
	toShard := ShardID(tx.To)
	if fromShard == toShard {
		return sl.shards[fromShard].ApplyTransaction(tx)
	}
	return sl.executeCrossShard(tx, fromShard, toShard)
}

// executeCrossShard implements the two-phase transfer of spec §4.4:
// phase 1 deducts from the sender and decrements the source shard's
// total supply; phase 2 credits the receiver (auto-creating it if
// absent) and increments the destination shard's total supply. A
// cross-shard lock refuses any second cross-shard transfer from the same
// sender while phase 2 is outstanding.
func (sl *ShardedLedger) executeCrossShard(tx *Transaction, fromShard, toShard uint8) TxResult {
	lockKey := crossShardLockKey{
		Sender: tx.From, Source: fromShard, Destination: toShard,
		Amount: tx.Amount, Sequence: tx.Nonce,
	}
	if !sl.locks.acquire(lockKey) {
		return ResultCapacityExceeded
	}

	source := sl.shards[fromShard]
	dest := sl.shards[toShard]

	source.mu.Lock()
	if tx.Amount <= 0 {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultInvalidAmount
	}
	sender, ok := source.State.GetAccount(tx.From)
	if !ok {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultAccountNotFound
	}
	if tx.Nonce != sender.Nonce {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultInvalidSignature
	}
	if !VerifySignature(tx) {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultInvalidSignature
	}
	if sender.Balance < tx.Amount {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultInsufficientFunds
	}

	if _, err := source.wal.AppendTransaction(tx); err != nil {
		source.mu.Unlock()
		sl.locks.release(lockKey)
		return ResultIOError
	}
	source.State.mu.Lock()
	acc := source.State.accounts.byKey[tx.From]
	acc.Balance -= tx.Amount
	acc.Nonce++
	source.State.TotalSupply -= tx.Amount
	source.State.PrevHash = source.State.StateHash
	source.State.Version++
	source.State.Timestamp = tx.Timestamp
	source.State.recomputeHashLocked()
	source.State.mu.Unlock()
	source.mu.Unlock()

	// Phase 2: credit the destination shard. This step has no failure
	// path, so phase 1 is never reversed.
	dest.mu.Lock()
	dest.State.mu.Lock()
	recv := dest.State.accounts.getOrCreate(tx.To)
	recv.Balance += tx.Amount
	dest.State.TotalSupply += tx.Amount
	dest.State.PrevHash = dest.State.StateHash
	dest.State.Version++
	dest.State.Timestamp = tx.Timestamp
	dest.State.recomputeHashLocked()
	dest.State.mu.Unlock()
	dest.mu.Unlock()

	sl.locks.commit(lockKey)
	return ResultOK
}

// Close closes every shard's ledger.
func (sl *ShardedLedger) Close() error {
	var firstErr error
	for _, s := range sl.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- cross-shard lock table -------------------------------------------------

type crossShardLockKey struct {
	Sender      Address
	Source      uint8
	Destination uint8
	Amount      float64
	Sequence    uint64
}

type crossShardLockTable struct {
	mu     sync.Mutex
	locks  map[crossShardLockKey]time.Time // value: expiry
	ttl    time.Duration
}

func newCrossShardLockTable() *crossShardLockTable {
	return &crossShardLockTable{locks: make(map[crossShardLockKey]time.Time), ttl: 5 * time.Minute}
}

// acquire takes the lock for key if unheld or expired, and additionally
// refuses a second transfer from the same sender while ANY unexpired lock
// for that sender is outstanding, per spec §4.4.
func (t *crossShardLockTable) acquire(key crossShardLockKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, expiry := range t.locks {
		if now.After(expiry) {
			delete(t.locks, k)
			continue
		}
		if k.Sender == key.Sender && k != key {
			return false
		}
	}
	if expiry, ok := t.locks[key]; ok && now.Before(expiry) {
		return false
	}
	t.locks[key] = now.Add(t.ttl)
	return true
}

// commit releases the lock after phase 2 succeeds.
func (t *crossShardLockTable) commit(key crossShardLockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, key)
}

// release is used on phase-1 failure/rollback.
func (t *crossShardLockTable) release(key crossShardLockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, key)
}
