package core

import (
	"testing"
	"time"
)

// TestConsensusDriverEndToEnd submits a transaction to the leader's
// driver, lets its tick propose it, hands the proposal to the other three
// engines directly (bypassing the network layer, which node_test.go
// already covers independently), folds their votes into the leader's
// tally, and checks that the leader's driver finalizes the batch onto the
// shared ledger and drains its mempool.
func TestConsensusDriverEndToEnd(t *testing.T) {
	l := newTestConsensusLedger(t)
	vals, kps := fourValidators(t)

	founder, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	if res := l.ApplyGenesis(founder.Address(), 1000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}

	leader := findActualLeader(t, l, vals, kps, 0, 0)
	leaderDriver := NewConsensusDriver(leader, nil, nil)

	replicas := make([]*ConsensusDriver, 0, len(kps)-1)
	for _, kp := range kps {
		if kp.Address() == leader.selfAddress() {
			continue
		}
		e := NewConsensusEngine(l, vals, kp, nil)
		replicas = append(replicas, NewConsensusDriver(e, nil, nil))
	}

	tx := NewTransaction(founder.Address(), to.Address(), 25, 0, uint64(time.Now().Unix()))
	founder.Sign(tx)

	if err := leaderDriver.SubmitTransaction(tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if leaderDriver.PendingCount() != 1 {
		t.Fatalf("expected 1 pending tx, got %d", leaderDriver.PendingCount())
	}

	leaderDriver.tick() // proposes, since leader.IsLeader() and idle with pending work
	p := leader.currentProposalSnapshot()
	if p == nil {
		t.Fatal("expected leader to have proposed after tick")
	}

	// Feed the proposal to every replica and fold its vote straight back
	// into the leader's tally, mirroring what node.go's Broadcast would do
	// over the wire.
	for _, r := range replicas {
		vote, err := r.engine.ReceiveProposal(p)
		if err != nil {
			t.Fatalf("ReceiveProposal: %v", err)
		}
		if _, err := leader.ReceiveVote(vote); err != nil {
			t.Fatalf("ReceiveVote: %v", err)
		}
	}

	leaderDriver.tryFinalize()
	height, _, phase := leader.Snapshot()
	if height != 1 || phase != PhaseIdle {
		t.Fatalf("leader did not finalize: height=%d phase=%v", height, phase)
	}

	acct, ok := l.State.GetAccount(to.Address())
	if !ok || acct.Balance != 25 {
		t.Fatalf("expected finalized transfer to land, got %+v ok=%v", acct, ok)
	}
	if leaderDriver.PendingCount() != 0 {
		t.Fatalf("expected mempool drained, got %d pending", leaderDriver.PendingCount())
	}
}

func TestConsensusDriverRequeuesOnRoundTimeout(t *testing.T) {
	l := newTestConsensusLedger(t)
	vals, kps := fourValidators(t)
	founder, _ := GenerateKeyPair()
	if res := l.ApplyGenesis(founder.Address(), 1000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}
	leader := findActualLeader(t, l, vals, kps, 0, 0)
	leader.SetRoundTimeout(10 * time.Millisecond)
	d := NewConsensusDriver(leader, nil, nil)

	to, _ := GenerateKeyPair()
	tx := NewTransaction(founder.Address(), to.Address(), 5, 0, uint64(time.Now().Unix()))
	founder.Sign(tx)
	if err := d.SubmitTransaction(tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}

	d.tick() // proposes
	if leader.currentProposalSnapshot() == nil {
		t.Fatal("expected a proposal to be outstanding")
	}

	time.Sleep(20 * time.Millisecond)
	d.tick() // no quorum ever arrived; should advance the round and requeue

	_, round, phase := leader.Snapshot()
	if round != 1 || phase != PhaseIdle {
		t.Fatalf("expected round advance to (round=1, idle), got (round=%d, phase=%v)", round, phase)
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected the timed-out batch requeued, got %d pending", d.PendingCount())
	}
}
