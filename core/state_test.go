package core

import "testing"

func newTestState(t *testing.T) (*State, Address, float64) {
	t.Helper()
	s := NewState(nil)
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	const supply = 1_000_000.0
	if res := s.Genesis(kp.Address(), supply, 1); res != ResultOK {
		t.Fatalf("Genesis: %v", res)
	}
	return s, kp.Address(), supply
}

func TestGenesisRejectsNonPositiveSupply(t *testing.T) {
	s := NewState(nil)
	var addr Address
	if res := s.Genesis(addr, 0, 1); res != ResultInvalidAmount {
		t.Fatalf("expected ResultInvalidAmount, got %v", res)
	}
	if res := s.Genesis(addr, -5, 1); res != ResultInvalidAmount {
		t.Fatalf("expected ResultInvalidAmount, got %v", res)
	}
}

func TestGenesisOnlyOnce(t *testing.T) {
	s, founder, supply := newTestState(t)
	if res := s.Genesis(founder, supply, 2); res != ResultAccountExists {
		t.Fatalf("expected ResultAccountExists on double genesis, got %v", res)
	}
}

func TestExecuteTransferUpdatesBalancesAndHash(t *testing.T) {
	_, _, supply := newTestState(t)
	to, _ := GenerateKeyPair()

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	s2 := NewState(nil)
	if res := s2.Genesis(kp.Address(), supply, 1); res != ResultOK {
		t.Fatalf("Genesis: %v", res)
	}
	before, _ := s2.Hashes()

	tx := NewTransaction(kp.Address(), to.Address(), 100, 0, 2)
	if err := kp.Sign(tx); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res := s2.Execute(tx); res != ResultOK {
		t.Fatalf("Execute: %v", res)
	}

	sender, _ := s2.GetAccount(kp.Address())
	receiver, _ := s2.GetAccount(to.Address())
	if sender.Balance != supply-100 {
		t.Fatalf("sender balance = %v, want %v", sender.Balance, supply-100)
	}
	if receiver.Balance != 100 {
		t.Fatalf("receiver balance = %v, want 100", receiver.Balance)
	}
	if sender.Nonce != 1 {
		t.Fatalf("sender nonce = %d, want 1", sender.Nonce)
	}

	after, prev := s2.Hashes()
	if after == before {
		t.Fatal("expected state hash to change after a successful transfer")
	}
	if prev != before {
		t.Fatal("expected PrevHash to chain to the pre-transfer state hash")
	}

	if res := s2.VerifyConservation(); res != ResultOK {
		t.Fatalf("VerifyConservation: %v", res)
	}
}

func TestExecuteRejectsInsufficientFunds(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 50, 1)

	tx := NewTransaction(kp.Address(), to.Address(), 100, 0, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultInsufficientFunds {
		t.Fatalf("expected ResultInsufficientFunds, got %v", res)
	}
}

func TestExecuteRejectsStaleNonce(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)

	tx := NewTransaction(kp.Address(), to.Address(), 10, 5, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultInvalidSignature {
		t.Fatalf("expected ResultInvalidSignature for nonce mismatch, got %v", res)
	}
}

func TestExecuteRejectsUnknownSender(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(to.Address(), 1000, 1)

	tx := NewTransaction(kp.Address(), to.Address(), 10, 0, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultAccountNotFound {
		t.Fatalf("expected ResultAccountNotFound, got %v", res)
	}
}

func TestExecuteLeavesStateUntouchedOnFailure(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)
	before, _ := s.Hashes()

	tx := NewTransaction(kp.Address(), to.Address(), 5000, 0, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultInsufficientFunds {
		t.Fatalf("expected ResultInsufficientFunds, got %v", res)
	}

	after, _ := s.Hashes()
	if after != before {
		t.Fatal("state hash must not change on a rejected transfer")
	}
	acct, _ := s.GetAccount(kp.Address())
	if acct.Balance != 1000 || acct.Nonce != 0 {
		t.Fatalf("sender account mutated on rejected transfer: %+v", acct)
	}
}

func TestSelfTransferPreservesConservation(t *testing.T) {
	kp, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)

	tx := NewTransaction(kp.Address(), kp.Address(), 100, 0, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultOK {
		t.Fatalf("Execute self-transfer: %v", res)
	}
	acct, _ := s.GetAccount(kp.Address())
	if acct.Balance != 1000 {
		t.Fatalf("self-transfer should leave balance unchanged, got %v", acct.Balance)
	}
	if res := s.VerifyConservation(); res != ResultOK {
		t.Fatalf("VerifyConservation: %v", res)
	}
}

func TestCreateAccountRejectsNonzeroBalance(t *testing.T) {
	s := NewState(nil)
	var addr Address
	addr[0] = 1
	if res := s.CreateAccount(addr, 10); res != ResultInvalidAmount {
		t.Fatalf("expected ResultInvalidAmount, got %v", res)
	}
	if res := s.CreateAccount(addr, 0); res != ResultOK {
		t.Fatalf("CreateAccount with zero balance: %v", res)
	}
}

func TestSnapshotRoundTripViaRestore(t *testing.T) {
	s, founder, supply := newTestState(t)
	to, _ := GenerateKeyPair()
	s.CreateAccount(to.Address(), 0)
	_ = founder
	_ = supply

	s.mu.RLock()
	snap := s.snapshotLocked()
	s.mu.RUnlock()

	restored := NewState(nil)
	restored.mu.Lock()
	restored.restoreLocked(snap)
	restored.mu.Unlock()

	if restored.Version != s.Version || restored.TotalSupply != s.TotalSupply {
		t.Fatal("restored state does not match snapshot source")
	}
	if restored.AccountCount() != s.AccountCount() {
		t.Fatalf("account count mismatch: got %d, want %d", restored.AccountCount(), s.AccountCount())
	}
}
