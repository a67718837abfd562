package core

// consensus.go - Proof-of-Conservation BFT consensus: validator set,
// round-robin leader rotation, propose/validate/vote/finalize. The
// validity predicate is the conservation law itself (delta_sum == 0),
// not a generic application-level check. Grounded on
// _examples/original_source/include/poc_consensus.h and
// src/consensus/poc_consensus.c (POCValidator, POCProposal, POCVote,
// pc_consensus_propose/pc_consensus_vote/pc_consensus_finalize) for the
// data model and algorithm, expressed in the teacher's adapter-interface
// style from core/consensus.go (networkAdapter/securityAdapter/
// authorityAdapter let the engine stay decoupled from transport and
// signing concerns - here that is the broadcaster interface).

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConsensusPhase enumerates the five phases of one consensus round.
type ConsensusPhase int

const (
	PhaseIdle ConsensusPhase = iota
	PhasePrePrepare
	PhasePrepare
	PhaseCommit
	PhaseFinalized
)

func (p ConsensusPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// VoteChoice is the three-way ballot spec §3 defines for a Vote.
type VoteChoice uint8

const (
	VoteApprove VoteChoice = iota
	VoteReject
	VoteAbstain
)

func (c VoteChoice) String() string {
	switch c {
	case VoteApprove:
		return "approve"
	case VoteReject:
		return "reject"
	case VoteAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

// Validator is one registered member of the active set (spec §3). Up to
// 100 may be registered; ActiveCount determines the quorum denominator.
type Validator struct {
	PubKey          Address
	Name            string
	JoinedAt        uint64
	LastSeen        uint64
	ProposalsMade   uint64
	ValidationsMade uint64
	Reputation      float64
	Active          bool
}

// MaxValidators is the spec §4.5 cap on the registered validator set.
const MaxValidators = 100

// Proposal is the consensus unit (spec §3): a signed, syntactically
// checkable claim that the state transitions from PrevStateHash to
// NewStateHash while preserving total supply (DeltaSum == 0). The
// Transactions slice is not part of the signed digest: it is the
// engine's chosen replication mechanism so every validator can apply the
// identical transition by replaying the same ordered batch, rather than
// requiring a separate state-sync round trip for every height.
type Proposal struct {
	SequenceNum       uint64
	Round             uint64
	PrevStateHash     [32]byte
	NewStateHash      [32]byte
	TotalSupply       float64
	DeltaSum          float64
	Timestamp         uint64
	ProposerPubKey    Address
	ProposerSignature [64]byte
	NumTransactions   uint32

	Transactions []*Transaction
}

// proposalDigestMessage builds the canonical byte layout signed by the
// proposer and checked by every validator: every field but the signature
// itself and the replication-only transaction batch, in declaration
// order.
func proposalDigestMessage(p *Proposal) []byte {
	buf := make([]byte, 0, 8+8+32+32+8+8+8+32+4)
	buf = appendUint64(buf, p.SequenceNum)
	buf = appendUint64(buf, p.Round)
	buf = append(buf, p.PrevStateHash[:]...)
	buf = append(buf, p.NewStateHash[:]...)
	buf = appendUint64(buf, math.Float64bits(p.TotalSupply))
	buf = appendUint64(buf, math.Float64bits(p.DeltaSum))
	buf = appendUint64(buf, p.Timestamp)
	buf = append(buf, p.ProposerPubKey[:]...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], p.NumTransactions)
	buf = append(buf, n[:]...)
	return buf
}

// Hash returns the proposal's content digest: SHA-256 over the proposal
// fields in canonical order (spec §4.5 step 4), what the proposer signs
// and what a Vote's ProposalHash references.
func (p *Proposal) Hash() [32]byte {
	return sha256.Sum256(proposalDigestMessage(p))
}

func signProposal(kp *KeyPair, p *Proposal) {
	h := p.Hash()
	sig := ed25519.Sign(kp.Private, h[:])
	copy(p.ProposerSignature[:], sig)
}

func verifyProposalSignature(p *Proposal) bool {
	h := p.Hash()
	return ed25519.Verify(ed25519.PublicKey(p.ProposerPubKey[:]), h[:], p.ProposerSignature[:])
}

// Vote is one validator's signed ballot on a proposal (spec §3).
type Vote struct {
	SequenceNum     uint64
	Round           uint64
	ProposalHash    [32]byte
	ValidatorPubKey Address
	Signature       [64]byte
	Choice          VoteChoice
	Timestamp       uint64
	Reason          string
}

func voteDigestMessage(v *Vote) []byte {
	buf := make([]byte, 0, 8+8+32+32+1+8)
	buf = appendUint64(buf, v.SequenceNum)
	buf = appendUint64(buf, v.Round)
	buf = append(buf, v.ProposalHash[:]...)
	buf = append(buf, v.ValidatorPubKey[:]...)
	buf = append(buf, byte(v.Choice))
	buf = appendUint64(buf, v.Timestamp)
	return buf
}

func signVote(kp *KeyPair, v *Vote) {
	sig := ed25519.Sign(kp.Private, voteDigestMessage(v))
	copy(v.Signature[:], sig)
}

func verifyVoteSignature(v *Vote) bool {
	return ed25519.Verify(ed25519.PublicKey(v.ValidatorPubKey[:]), voteDigestMessage(v), v.Signature[:])
}

// QuorumStatus is the outcome of folding one more vote into the tally
// (spec §4.5 "Quorum evaluation").
type QuorumStatus int

const (
	QuorumPending QuorumStatus = iota
	QuorumApproved
	QuorumRejected
)

// broadcaster decouples the engine from the transport layer, the way the
// teacher's networkAdapter decouples core/consensus.go from libp2p.
type broadcaster interface {
	BroadcastProposal(p *Proposal)
	BroadcastVote(v *Vote)
}

// noopBroadcaster is used when the engine runs without a wired node
// (single-node test harnesses, CLI dry runs).
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastProposal(*Proposal) {}
func (noopBroadcaster) BroadcastVote(*Vote)         {}

// ConsensusEngine drives one ledger shard's agreement on the next state
// transition through idle -> pre_prepare -> prepare -> commit ->
// finalized, with round timeouts rotating the leader without advancing
// height. The conservation law (delta_sum == 0) is the validity
// predicate: ProposeTransition refuses to build a proposal that would
// violate it, and ReceiveProposal rejects any proposal that fails the
// same syntactic check, regardless of how many validators sign off.
type ConsensusEngine struct {
	mu sync.Mutex

	ledger     *Ledger
	validators []Validator
	self       *KeyPair

	height uint64
	round  uint64
	phase  ConsensusPhase

	currentProposal *Proposal
	votes           map[Address]Vote

	roundTimeout time.Duration
	net          broadcaster
	log          *logrus.Logger
}

// NewConsensusEngine constructs an engine bound to ledger and an initial
// validator set. self is this process's own keypair, used both to
// identify which validator it is (for leader rotation) and to sign
// proposals/votes it originates.
func NewConsensusEngine(ledger *Ledger, validators []Validator, self *KeyPair, log *logrus.Logger) *ConsensusEngine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConsensusEngine{
		ledger:       ledger,
		validators:   append([]Validator(nil), validators...),
		self:         self,
		phase:        PhaseIdle,
		roundTimeout: 5 * time.Second,
		net:          noopBroadcaster{},
		log:          log,
	}
}

// SetBroadcaster wires the engine to a real transport; called once the
// node's peer layer is ready.
func (e *ConsensusEngine) SetBroadcaster(b broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.net = b
}

// selfAddress is the address identifying which validator this process is.
func (e *ConsensusEngine) selfAddress() Address {
	if e.self == nil {
		return Address{}
	}
	return e.self.Address()
}

// activeValidators returns the sorted-by-pubkey active subset, since
// round-robin leader selection and quorum must be computed over a
// stable, deterministic ordering every replica agrees on.
func (e *ConsensusEngine) activeValidators() []Validator {
	active := make([]Validator, 0, len(e.validators))
	for _, v := range e.validators {
		if v.Active {
			active = append(active, v)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return string(active[i].PubKey[:]) < string(active[j].PubKey[:])
	})
	return active
}

func (e *ConsensusEngine) findValidator(addr Address) (Validator, bool) {
	for _, v := range e.validators {
		if v.PubKey == addr {
			return v, true
		}
	}
	return Validator{}, false
}

// quorum is ceil(2/3 * N) of the active validator set.
func quorum(activeCount int) int {
	return (2*activeCount + 2) / 3
}

// leaderFor returns the round-robin leader for (height, round) over the
// active validator set: leader_index = (height+round) mod active_count.
func (e *ConsensusEngine) leaderFor(height, round uint64) (Address, error) {
	active := e.activeValidators()
	if len(active) == 0 {
		return Address{}, fmt.Errorf("consensus: no active validators")
	}
	idx := (height + round) % uint64(len(active))
	return active[idx].PubKey, nil
}

// IsLeader reports whether self is the leader for the current height and
// round.
func (e *ConsensusEngine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	leader, err := e.leaderFor(e.height, e.round)
	return err == nil && leader == e.selfAddress()
}

// transitionDigest is a lightweight view of a state used by
// ProposeTransition to compute delta_sum between a before/after pair
// without holding the live State's lock across a multi-transaction
// simulation.
type transitionDigest struct {
	stateHash   [32]byte
	totalSupply float64
	balances    map[Address]float64
}

func digestOf(s *State) transitionDigest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal := make(map[Address]float64, len(s.accounts.order))
	for _, addr := range s.accounts.order {
		bal[addr] = s.accounts.byKey[addr].Balance
	}
	return transitionDigest{stateHash: s.StateHash, totalSupply: s.TotalSupply, balances: bal}
}

// simulationState clones a State so a batch of transactions can be
// executed against a scratch copy to discover the resulting hash/supply
// without ever mutating or durably logging the real ledger - the real
// commit happens only once the proposal actually finalizes.
func simulationState(s *State) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &State{
		Version:     s.Version,
		Timestamp:   s.Timestamp,
		accounts:    s.accounts.clone(),
		TotalSupply: s.TotalSupply,
		StateHash:   s.StateHash,
		PrevHash:    s.PrevHash,
		log:         s.log,
	}
	return clone
}

// ProposeTransition is called by the current leader to begin a round. It
// simulates txBatch against a scratch copy of the ledger's state,
// verifies the resulting transition preserves conservation (spec §4.5
// steps 2-3), computes delta_sum, signs the proposal and records the
// proposer's own auto-approve vote.
func (e *ConsensusEngine) ProposeTransition(txBatch []*Transaction) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active := e.activeValidators()
	if len(active) < 3 {
		return nil, fmt.Errorf("consensus: requires at least 3 active validators, have %d", len(active))
	}
	leader, err := e.leaderFor(e.height, e.round)
	if err != nil {
		return nil, err
	}
	if e.self == nil || leader != e.selfAddress() {
		return nil, fmt.Errorf("consensus: %s is not leader for height %d round %d", e.selfAddress().Short(), e.height, e.round)
	}

	before := digestOf(e.ledger.State)
	scratch := simulationState(e.ledger.State)

	applied := make([]*Transaction, 0, len(txBatch))
	for _, tx := range txBatch {
		if res := scratch.Execute(tx); res == ResultOK {
			applied = append(applied, tx)
		}
	}
	after := digestOf(scratch)

	if math.Abs(before.totalSupply-after.totalSupply) > transferEpsilon {
		return nil, fmt.Errorf("consensus: proposed transition changes total supply by %g, exceeding tolerance", after.totalSupply-before.totalSupply)
	}
	if res := scratch.VerifyConservation(); res != ResultOK {
		return nil, fmt.Errorf("consensus: proposed transition fails conservation: %w", res)
	}

	var deltaSum float64
	for addr, bal := range after.balances {
		deltaSum += bal - before.balances[addr]
	}
	if math.Abs(deltaSum) > transferEpsilon {
		return nil, fmt.Errorf("consensus: proposed transition has nonzero delta_sum %g", deltaSum)
	}

	p := &Proposal{
		SequenceNum:     e.height + 1,
		Round:           e.round,
		PrevStateHash:   before.stateHash,
		NewStateHash:    after.stateHash,
		TotalSupply:     after.totalSupply,
		DeltaSum:        deltaSum,
		Timestamp:       nowUnix(),
		ProposerPubKey:  e.selfAddress(),
		NumTransactions: uint32(len(applied)),
		Transactions:    applied,
	}
	signProposal(e.self, p)

	e.currentProposal = p
	e.phase = PhasePrePrepare
	e.votes = map[Address]Vote{}

	selfVote := Vote{SequenceNum: p.SequenceNum, Round: p.Round, ProposalHash: p.Hash(), ValidatorPubKey: e.selfAddress(), Choice: VoteApprove, Timestamp: nowUnix()}
	signVote(e.self, &selfVote)
	e.votes[selfVote.ValidatorPubKey] = selfVote

	e.log.WithFields(logrus.Fields{"sequence": p.SequenceNum, "round": p.Round, "txs": len(applied)}).Info("proposal broadcast")
	e.net.BroadcastProposal(p)
	e.net.BroadcastVote(&selfVote)
	return p, nil
}

// validateProposalLocked implements spec §4.5's six-step proposal
// validation. Caller must hold e.mu.
func (e *ConsensusEngine) validateProposalLocked(p *Proposal) error {
	proposer, ok := e.findValidator(p.ProposerPubKey)
	if !ok || !proposer.Active {
		return fmt.Errorf("proposer %s is not an active registered validator", p.ProposerPubKey.Short())
	}
	if p.SequenceNum != e.height+1 {
		return fmt.Errorf("sequence_num %d != current_height+1 (%d)", p.SequenceNum, e.height+1)
	}
	currentHash, _ := e.ledger.State.Hashes()
	if p.PrevStateHash != currentHash {
		return fmt.Errorf("prev_state_hash does not match current state hash")
	}
	if math.Abs(p.TotalSupply-e.ledger.State.TotalSupply) > transferEpsilon {
		return fmt.Errorf("total supply changed by %g, exceeding tolerance", p.TotalSupply-e.ledger.State.TotalSupply)
	}
	if math.Abs(p.DeltaSum) > transferEpsilon {
		return fmt.Errorf("delta_sum %g is nonzero", p.DeltaSum)
	}
	if !verifyProposalSignature(p) {
		return fmt.Errorf("proposer signature does not verify")
	}
	return nil
}

// ReceiveProposal is called by a validator on receiving the leader's
// proposal. It runs validateProposalLocked and returns a signed vote:
// approve if every check passes, reject otherwise (spec §4.5 "any
// failure rejects the proposal"). The vote is also folded into this
// engine's own tally before being returned, so the proposer's and every
// validator's local view stay consistent without a second round trip.
func (e *ConsensusEngine) ReceiveProposal(p *Proposal) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p == nil {
		return nil, fmt.Errorf("consensus: nil proposal")
	}
	if e.self == nil {
		return nil, fmt.Errorf("consensus: engine has no signing key")
	}

	choice := VoteApprove
	if verr := e.validateProposalLocked(p); verr != nil {
		choice = VoteReject
		e.log.WithFields(logrus.Fields{"sequence": p.SequenceNum, "proposer": p.ProposerPubKey.Short()}).WithError(verr).Warn("proposal rejected")
	}

	e.currentProposal = p
	if e.phase == PhaseIdle {
		e.phase = PhasePrePrepare
	}
	if e.votes == nil {
		e.votes = map[Address]Vote{}
	}

	v := Vote{SequenceNum: p.SequenceNum, Round: p.Round, ProposalHash: p.Hash(), ValidatorPubKey: e.selfAddress(), Choice: choice, Timestamp: nowUnix()}
	signVote(e.self, &v)
	e.recordVoteLocked(v, p.ProposerPubKey)
	e.net.BroadcastVote(&v)
	return &v, nil
}

// recordVoteLocked folds one vote into the tally, silently dropping
// duplicates from the same validator (spec §4.5 "Voting"). proposer
// identifies the current proposal's leader, used only to decide when the
// phase advances from pre_prepare to prepare (spec's "first non-leader
// vote received").
func (e *ConsensusEngine) recordVoteLocked(v Vote, proposer Address) {
	if _, dup := e.votes[v.ValidatorPubKey]; dup {
		return
	}
	if e.votes == nil {
		e.votes = map[Address]Vote{}
	}
	e.votes[v.ValidatorPubKey] = v
	if e.phase == PhasePrePrepare && v.ValidatorPubKey != proposer {
		e.phase = PhasePrepare
	}
}

// tallyLocked counts approvals and rejects across the current vote set.
func (e *ConsensusEngine) tallyLocked() (approvals, rejects int) {
	for _, v := range e.votes {
		switch v.Choice {
		case VoteApprove:
			approvals++
		case VoteReject:
			rejects++
		}
	}
	return
}

// ReceiveVote folds in a peer's vote (spec §4.5 "Voting"/"Quorum
// evaluation"). Votes from non-validators are rejected; duplicate votes
// from an already-recorded validator are silently dropped.
func (e *ConsensusEngine) ReceiveVote(v *Vote) (QuorumStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentProposal == nil || v.SequenceNum != e.currentProposal.SequenceNum || v.Round != e.currentProposal.Round {
		return QuorumPending, fmt.Errorf("consensus: vote for stale or unknown round")
	}
	validator, ok := e.findValidator(v.ValidatorPubKey)
	if !ok || !validator.Active {
		return QuorumPending, fmt.Errorf("consensus: vote from non-validator %s rejected", v.ValidatorPubKey.Short())
	}
	if !verifyVoteSignature(v) {
		return QuorumPending, fmt.Errorf("consensus: vote signature does not verify")
	}

	e.recordVoteLocked(*v, e.currentProposal.ProposerPubKey)

	active := e.activeValidators()
	required := quorum(len(active))
	approvals, rejects := e.tallyLocked()

	switch {
	case approvals >= required:
		if e.phase != PhaseFinalized {
			e.phase = PhaseCommit
		}
		return QuorumApproved, nil
	case rejects > len(active)-required:
		return QuorumRejected, nil
	default:
		return QuorumPending, nil
	}
}

// Finalize commits the current proposal's transaction batch to the
// ledger and advances height/leader (spec §4.5 "Finalize"). It is only
// valid once ReceiveVote (or the proposer's own tally) has returned
// QuorumApproved.
func (e *ConsensusEngine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentProposal == nil {
		return fmt.Errorf("consensus: no active proposal to finalize")
	}
	if e.phase != PhaseCommit {
		return fmt.Errorf("consensus: cannot finalize from phase %s, quorum not yet reached", e.phase)
	}

	p := e.currentProposal
	applied := 0
	for _, tx := range p.Transactions {
		if res := e.ledger.ApplyTransaction(tx); res == ResultOK {
			applied++
		}
	}

	newHash, _ := e.ledger.State.Hashes()
	if newHash != p.NewStateHash {
		e.log.WithFields(logrus.Fields{"sequence": p.SequenceNum}).Error("post-commit state hash does not match the finalized proposal's new_state_hash")
		return fmt.Errorf("consensus: state hash mismatch after applying finalized batch")
	}

	e.phase = PhaseFinalized
	e.log.WithFields(logrus.Fields{"sequence": p.SequenceNum, "applied": applied, "total": len(p.Transactions)}).Info("height finalized")

	e.height++
	e.round = 0
	e.phase = PhaseIdle
	e.currentProposal = nil
	e.votes = map[Address]Vote{}
	return nil
}

// AdvanceRound is called by a round timer when no quorum was reached
// within roundTimeout, or when ReceiveVote returned QuorumRejected; it
// increments the round (rotating the leader) but keeps the same height.
func (e *ConsensusEngine) AdvanceRound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.round++
	e.phase = PhaseIdle
	e.currentProposal = nil
	e.votes = map[Address]Vote{}
	e.log.WithFields(logrus.Fields{"height": e.height, "round": e.round}).Warn("round timed out, advancing")
}

// Snapshot returns the engine's current height, round and phase for
// status reporting.
func (e *ConsensusEngine) Snapshot() (height, round uint64, phase ConsensusPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height, e.round, e.phase
}

// RoundTimeout reports the configured round timeout.
func (e *ConsensusEngine) RoundTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roundTimeout
}

// SetRoundTimeout overrides the default round timeout (tests use a much
// shorter value than production).
func (e *ConsensusEngine) SetRoundTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roundTimeout = d
}

// SetValidators replaces the registered validator set, e.g. after an
// authority-layer membership change. Per spec §4.5, membership changes
// must only happen between finalized heights, never during an active
// proposal; callers are responsible for not calling this mid-round.
func (e *ConsensusEngine) SetValidators(vs []Validator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(vs) > MaxValidators {
		vs = vs[:MaxValidators]
	}
	e.validators = append([]Validator(nil), vs...)
}

// currentProposalSnapshot returns the proposal currently under vote, if
// any, so a round-timeout handler can recover its transaction batch
// before discarding it.
func (e *ConsensusEngine) currentProposalSnapshot() *Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentProposal
}
