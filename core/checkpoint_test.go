package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func sampleSnapshot() stateSnapshot {
	var a1, a2 Address
	a1[0], a2[0] = 0x11, 0x22
	return stateSnapshot{
		Version:     7,
		Timestamp:   12345,
		TotalSupply: 2500,
		StateHash:   [32]byte{1, 2, 3},
		PrevHash:    [32]byte{4, 5, 6},
		Accounts: []Account{
			{PubKey: a1, Balance: 1000, Nonce: 3},
			{PubKey: a2, Balance: 1500, Nonce: 0},
		},
	}
}

func TestWriteReadSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.snap")
	want := sampleSnapshot()

	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if got.Version != want.Version || got.Timestamp != want.Timestamp || got.TotalSupply != want.TotalSupply {
		t.Fatalf("scalar fields mismatch: got %+v, want %+v", got, want)
	}
	if got.StateHash != want.StateHash || got.PrevHash != want.PrevHash {
		t.Fatal("hash fields mismatch")
	}
	if len(got.Accounts) != len(want.Accounts) {
		t.Fatalf("account count mismatch: got %d, want %d", len(got.Accounts), len(want.Accounts))
	}
	for i := range want.Accounts {
		if got.Accounts[i] != want.Accounts[i] {
			t.Fatalf("account %d mismatch: got %+v, want %+v", i, got.Accounts[i], want.Accounts[i])
		}
	}
}

func TestReadSnapshotRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap")
	if err := WriteSnapshot(path, sampleSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[0] ^= 0xFF
	if _, err := DecodeSnapshot(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected DecodeSnapshot to reject a corrupted magic number")
	}
}

func TestReadSnapshotMissingFile(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "missing.snap")); err == nil {
		t.Fatal("expected an error reading a nonexistent snapshot file")
	}
}
