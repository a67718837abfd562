package core

// consensus_driver.go wires ConsensusEngine and Node together into the
// running process spec §5 describes: "a consensus timer that advances
// rounds on timeout" plus the message dispatch that turns inbound wire
// frames into ReceiveProposal/ReceiveVote calls. ConsensusEngine and Node
// are deliberately transport/timer-agnostic (see their own doc comments);
// this is the composition root, using the same background-goroutine-plus
// -time.Ticker run-loop shape as core/system_health_logging.go's
// RunMetricsCollector, rather than an event-driven reactor.
//
// Transactions accepted off the wire are held in a small in-memory
// mempool keyed by the signing signature (cheap, collision-free dedup)
// rather than applied to the ledger directly: per spec §4.5, a
// transition only becomes part of the hash chain once a proposal
// referencing it clears quorum, so holding candidates in a mempool until
// the leader batches them is what keeps every replica's Ledger.ApplyTransaction
// calls confined to Finalize.

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultProposeBatchSize caps how many pending transactions one
// proposal carries.
const DefaultProposeBatchSize = 64

// ConsensusDriver is the per-shard run loop: it feeds the mempool from
// inbound MsgTx frames, proposes batches when this node is
// leader, applies inbound MsgProposal/MsgVote frames to the engine, and
// finalizes or advances the round as the tally dictates.
type ConsensusDriver struct {
	engine *ConsensusEngine
	node   *Node
	log    *logrus.Logger

	mu      sync.Mutex
	pending []*Transaction
	seen    map[[64]byte]bool

	tickInterval time.Duration
	batchSize    int

	lastProgress time.Time
}

// NewConsensusDriver binds an engine to a node. Call Run to start the
// background loop; until then SubmitTransaction still queues locally.
func NewConsensusDriver(engine *ConsensusEngine, node *Node, log *logrus.Logger) *ConsensusDriver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConsensusDriver{
		engine:       engine,
		node:         node,
		log:          log,
		seen:         make(map[[64]byte]bool),
		tickInterval: 200 * time.Millisecond,
		batchSize:    DefaultProposeBatchSize,
		lastProgress: time.Now(),
	}
}

// SetTickInterval overrides the default 200ms poll period; tests use a
// much shorter one.
func (d *ConsensusDriver) SetTickInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickInterval = interval
}

// SubmitTransaction validates tx's signature and queues it for the next
// proposal this node leads, then relays it to peers so a non-leader
// submitter's transaction reaches whoever is leader.
func (d *ConsensusDriver) SubmitTransaction(tx *Transaction) error {
	if !VerifySignature(tx) {
		return ResultInvalidSignature
	}
	d.enqueue(tx)
	if d.node != nil {
		d.node.Broadcast(MsgTx, tx.Bytes())
	}
	return nil
}

func (d *ConsensusDriver) enqueue(tx *Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[tx.Signature] {
		return
	}
	d.seen[tx.Signature] = true
	d.pending = append(d.pending, tx)
}

func (d *ConsensusDriver) drainBatch() []*Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.batchSize
	if n > len(d.pending) {
		n = len(d.pending)
	}
	if n == 0 {
		return nil
	}
	batch := append([]*Transaction(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	return batch
}

// requeue puts a proposed-but-not-finalized batch back at the front of
// the mempool, e.g. after a round timeout discards the proposal.
func (d *ConsensusDriver) requeue(batch []*Transaction) {
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(append([]*Transaction(nil), batch...), d.pending...)
}

// Run wires the node's inbound message handler to the engine and starts
// the round-timeout/propose ticker; it blocks until ctx is canceled.
func (d *ConsensusDriver) Run(ctx context.Context) {
	if d.node != nil {
		d.node.OnMessage(d.handleMessage)
	}
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *ConsensusDriver) handleMessage(from Address, typ MessageType, payload []byte) {
	switch typ {
	case MsgTx:
		tx, err := DecodeTransaction(payload)
		if err != nil || !VerifySignature(tx) {
			return
		}
		d.enqueue(tx)
	case MsgProposal:
		p, err := decodeProposal(payload)
		if err != nil {
			d.log.WithError(err).Warn("consensus driver: dropping malformed proposal frame")
			return
		}
		if _, err := d.engine.ReceiveProposal(p); err != nil {
			d.log.WithFields(logrus.Fields{"from": from.Short()}).WithError(err).Debug("proposal not accepted")
			return
		}
		d.tryFinalize()
	case MsgVote:
		v, err := decodeVote(payload)
		if err != nil {
			d.log.WithError(err).Warn("consensus driver: dropping malformed vote frame")
			return
		}
		status, err := d.engine.ReceiveVote(v)
		if err != nil {
			d.log.WithFields(logrus.Fields{"from": from.Short()}).WithError(err).Debug("vote not accepted")
			return
		}
		switch status {
		case QuorumApproved:
			d.tryFinalize()
		case QuorumRejected:
			var batch []*Transaction
			if p := d.engine.currentProposalSnapshot(); p != nil && d.engine.IsLeader() {
				batch = p.Transactions
			}
			d.engine.AdvanceRound()
			d.requeue(batch)
			d.mu.Lock()
			d.lastProgress = time.Now()
			d.mu.Unlock()
		}
	}
}

// tryFinalize finalizes the engine's current proposal once the tally has
// moved it to the commit phase. Before that it does nothing: the batch
// stays in the outstanding proposal, and tick requeues it if the round
// times out.
func (d *ConsensusDriver) tryFinalize() {
	_, _, phase := d.engine.Snapshot()
	if phase != PhaseCommit {
		return
	}
	if err := d.engine.Finalize(); err != nil {
		d.log.WithError(err).Warn("consensus driver: finalize failed after quorum")
		return
	}
	d.mu.Lock()
	d.lastProgress = time.Now()
	d.mu.Unlock()
}

// tick is the periodic heartbeat: propose a batch if leading and idle
// with pending work, otherwise advance the round on timeout.
func (d *ConsensusDriver) tick() {
	_, _, phase := d.engine.Snapshot()

	if phase == PhaseIdle {
		if !d.engine.IsLeader() {
			return
		}
		batch := d.drainBatch()
		if len(batch) == 0 {
			return
		}
		if _, err := d.engine.ProposeTransition(batch); err != nil {
			d.log.WithError(err).Warn("consensus driver: propose failed")
			d.requeue(batch)
			return
		}
		d.mu.Lock()
		d.lastProgress = time.Now()
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	stale := time.Since(d.lastProgress) > d.engine.RoundTimeout()
	d.mu.Unlock()
	if !stale {
		return
	}
	var batch []*Transaction
	if p := d.engine.currentProposalSnapshot(); p != nil && d.engine.IsLeader() {
		batch = p.Transactions
	}
	d.engine.AdvanceRound()
	d.requeue(batch)
	d.mu.Lock()
	d.lastProgress = time.Now()
	d.mu.Unlock()
}

// PendingCount reports how many transactions are queued but not yet
// proposed, for status reporting.
func (d *ConsensusDriver) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
