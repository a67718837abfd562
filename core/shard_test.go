package core

import "testing"

// addrInShard returns a keypair whose derived address falls in the given
// shard (top 4 bits of the address equal shard), generating fresh keys
// until one lands in the target shard.
func addrInShard(t *testing.T, shard uint8) *KeyPair {
	t.Helper()
	for i := 0; i < 100000; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		if ShardID(kp.Address()) == shard {
			return kp
		}
	}
	t.Fatalf("could not find a keypair in shard %d after many attempts", shard)
	return nil
}

func TestShardIDUsesTopNibble(t *testing.T) {
	var a Address
	a[0] = 0xA5
	if got := ShardID(a); got != 0xA {
		t.Fatalf("ShardID = %d, want 10", got)
	}
}

func openTestShardedLedger(t *testing.T) *ShardedLedger {
	t.Helper()
	sl, err := OpenShardedLedger(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenShardedLedger: %v", err)
	}
	t.Cleanup(func() { sl.Close() })
	return sl
}

func TestIntraShardTransfer(t *testing.T) {
	sl := openTestShardedLedger(t)

	founder := addrInShard(t, 0)
	receiver := addrInShard(t, 0)

	if res := sl.Shard(founder.Address()).ApplyGenesis(founder.Address(), 1000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}

	tx := NewTransaction(founder.Address(), receiver.Address(), 200, 0, 10)
	founder.Sign(tx)
	if res := sl.ExecuteTransfer(tx); res != ResultOK {
		t.Fatalf("ExecuteTransfer intra-shard: %v", res)
	}

	acct, _ := sl.Shard(receiver.Address()).State.GetAccount(receiver.Address())
	if acct.Balance != 200 {
		t.Fatalf("receiver balance = %v, want 200", acct.Balance)
	}
	if res := sl.VerifyConservation(); res != ResultOK {
		t.Fatalf("VerifyConservation: %v", res)
	}
}

func TestCrossShardTransferPreservesNetworkSupply(t *testing.T) {
	sl := openTestShardedLedger(t)

	founder := addrInShard(t, 1)
	receiver := addrInShard(t, 2)

	if res := sl.Shard(founder.Address()).ApplyGenesis(founder.Address(), 1000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}
	before := sl.NetworkTotalSupply()

	tx := NewTransaction(founder.Address(), receiver.Address(), 300, 0, 10)
	founder.Sign(tx)
	if res := sl.ExecuteTransfer(tx); res != ResultOK {
		t.Fatalf("ExecuteTransfer cross-shard: %v", res)
	}

	after := sl.NetworkTotalSupply()
	if after != before {
		t.Fatalf("network total supply changed across a cross-shard transfer: before %v after %v", before, after)
	}

	senderAcct, _ := sl.Shard(founder.Address()).State.GetAccount(founder.Address())
	if senderAcct.Balance != 700 {
		t.Fatalf("sender balance = %v, want 700", senderAcct.Balance)
	}
	receiverAcct, _ := sl.Shard(receiver.Address()).State.GetAccount(receiver.Address())
	if receiverAcct.Balance != 300 {
		t.Fatalf("receiver balance = %v, want 300", receiverAcct.Balance)
	}
	if res := sl.VerifyConservation(); res != ResultOK {
		t.Fatalf("VerifyConservation: %v", res)
	}
}

func TestCrossShardTransferRejectsInsufficientFunds(t *testing.T) {
	sl := openTestShardedLedger(t)
	founder := addrInShard(t, 3)
	receiver := addrInShard(t, 4)

	sl.Shard(founder.Address()).ApplyGenesis(founder.Address(), 100)

	tx := NewTransaction(founder.Address(), receiver.Address(), 500, 0, 10)
	founder.Sign(tx)
	if res := sl.ExecuteTransfer(tx); res != ResultInsufficientFunds {
		t.Fatalf("expected ResultInsufficientFunds, got %v", res)
	}

	receiverAcct, ok := sl.Shard(receiver.Address()).State.GetAccount(receiver.Address())
	if ok && receiverAcct.Balance != 0 {
		t.Fatalf("receiver must not be credited on a failed cross-shard transfer, got %+v", receiverAcct)
	}
}

func TestCrossShardLockRejectsConcurrentTransferFromSameSender(t *testing.T) {
	table := newCrossShardLockTable()
	key1 := crossShardLockKey{Sender: Address{1}, Source: 0, Destination: 1, Amount: 10, Sequence: 0}
	key2 := crossShardLockKey{Sender: Address{1}, Source: 0, Destination: 2, Amount: 20, Sequence: 1}

	if !table.acquire(key1) {
		t.Fatal("expected first acquire to succeed")
	}
	if table.acquire(key2) {
		t.Fatal("expected a second outstanding transfer from the same sender to be refused")
	}
	table.commit(key1)
	if !table.acquire(key2) {
		t.Fatal("expected acquire to succeed once the first lock is committed")
	}
}

func TestCrossShardLockAllowsDifferentSenders(t *testing.T) {
	table := newCrossShardLockTable()
	key1 := crossShardLockKey{Sender: Address{1}, Source: 0, Destination: 1, Amount: 10, Sequence: 0}
	key2 := crossShardLockKey{Sender: Address{2}, Source: 0, Destination: 1, Amount: 10, Sequence: 0}

	if !table.acquire(key1) {
		t.Fatal("expected acquire for sender 1 to succeed")
	}
	if !table.acquire(key2) {
		t.Fatal("expected acquire for a different sender to succeed concurrently")
	}
}

func TestShardByIndexMatchesShard(t *testing.T) {
	sl := openTestShardedLedger(t)
	kp := addrInShard(t, 5)
	if sl.ShardByIndex(5) != sl.Shard(kp.Address()) {
		t.Fatal("ShardByIndex(5) should be the same Ledger as Shard(addr in shard 5)")
	}
}
