package core

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := OpenLedger(LedgerConfig{
		WALPath:      filepath.Join(dir, "ledger.wal"),
		SnapshotPath: filepath.Join(dir, "ledger.snap"),
	})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	return l
}

func TestLedgerApplyGenesisAndTransfer(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir)
	defer l.Close()

	founder, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	if res := l.ApplyGenesis(founder.Address(), 1000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}

	tx := NewTransaction(founder.Address(), to.Address(), 50, 0, 10)
	founder.Sign(tx)
	if res := l.ApplyTransaction(tx); res != ResultOK {
		t.Fatalf("ApplyTransaction: %v", res)
	}

	acct, _ := l.State.GetAccount(to.Address())
	if acct.Balance != 50 {
		t.Fatalf("receiver balance = %v, want 50", acct.Balance)
	}
}

func TestLedgerRecoversFromWALAfterClose(t *testing.T) {
	dir := t.TempDir()
	founder, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()

	l := openTestLedger(t, dir)
	l.ApplyGenesis(founder.Address(), 1000)
	tx := NewTransaction(founder.Address(), to.Address(), 75, 0, 10)
	founder.Sign(tx)
	if res := l.ApplyTransaction(tx); res != ResultOK {
		t.Fatalf("ApplyTransaction: %v", res)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestLedger(t, dir)
	defer reopened.Close()

	acct, ok := reopened.State.GetAccount(to.Address())
	if !ok {
		t.Fatal("expected receiver account to survive recovery")
	}
	if acct.Balance != 75 {
		t.Fatalf("recovered balance = %v, want 75", acct.Balance)
	}
	if res := reopened.State.VerifyConservation(); res != ResultOK {
		t.Fatalf("VerifyConservation after recovery: %v", res)
	}
}

func TestLedgerCheckpointThenRecoverSkipsAppliedEntries(t *testing.T) {
	dir := t.TempDir()
	founder, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()

	l := openTestLedger(t, dir)
	l.ApplyGenesis(founder.Address(), 1000)
	tx := NewTransaction(founder.Address(), to.Address(), 100, 0, 10)
	founder.Sign(tx)
	l.ApplyTransaction(tx)

	if err := l.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	tx2 := NewTransaction(founder.Address(), to.Address(), 25, 1, 11)
	founder.Sign(tx2)
	if res := l.ApplyTransaction(tx2); res != ResultOK {
		t.Fatalf("ApplyTransaction 2: %v", res)
	}
	l.Close()

	reopened := openTestLedger(t, dir)
	defer reopened.Close()

	acct, _ := reopened.State.GetAccount(to.Address())
	if acct.Balance != 125 {
		t.Fatalf("recovered balance = %v, want 125", acct.Balance)
	}
	founderAcct, _ := reopened.State.GetAccount(founder.Address())
	if founderAcct.Nonce != 2 {
		t.Fatalf("founder nonce after recovery = %d, want 2", founderAcct.Nonce)
	}
}

func TestLedgerAutoCheckpointOnInterval(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(LedgerConfig{
		WALPath:          filepath.Join(dir, "ledger.wal"),
		SnapshotPath:     filepath.Join(dir, "ledger.snap"),
		SnapshotInterval: 2,
	})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer l.Close()

	founder, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	l.ApplyGenesis(founder.Address(), 1000)

	for i := uint64(0); i < 2; i++ {
		tx := NewTransaction(founder.Address(), to.Address(), 1, i, 10+i)
		founder.Sign(tx)
		if res := l.ApplyTransaction(tx); res != ResultOK {
			t.Fatalf("ApplyTransaction %d: %v", i, res)
		}
	}

	if _, err := ReadSnapshot(filepath.Join(dir, "ledger.snap")); err != nil {
		t.Fatalf("expected auto-checkpoint to have written a snapshot: %v", err)
	}
}
