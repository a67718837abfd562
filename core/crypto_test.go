package core

import "testing"

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	to, _ := GenerateKeyPair()

	tx := NewTransaction(kp.Address(), to.Address(), 10, 0, 1234)
	if err := kp.Sign(tx); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !VerifySignature(tx) {
		t.Fatal("expected signature to verify")
	}

	tx.Amount = 11
	if VerifySignature(tx) {
		t.Fatal("expected verification to fail after mutating amount")
	}
}

func TestSignRejectsMismatchedKeypair(t *testing.T) {
	kp, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	tx := NewTransaction(other.Address(), kp.Address(), 1, 0, 0)
	if err := kp.Sign(tx); err == nil {
		t.Fatal("expected Sign to reject a keypair that does not match tx.From")
	}
}

func TestVerifySignatureRejectsZeroSignature(t *testing.T) {
	kp, _ := GenerateKeyPair()
	tx := NewTransaction(kp.Address(), kp.Address(), 1, 0, 0)
	if VerifySignature(tx) {
		t.Fatal("expected an all-zero signature to fail verification")
	}
}

func TestBatchVerify(t *testing.T) {
	const n = 200
	txs := make([]*Transaction, n)
	for i := 0; i < n; i++ {
		kp, _ := GenerateKeyPair()
		to, _ := GenerateKeyPair()
		tx := NewTransaction(kp.Address(), to.Address(), float64(i), 0, uint64(i))
		if err := kp.Sign(tx); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		txs[i] = tx
	}
	// Corrupt one signature to confirm per-index results line up correctly
	// under the parallel fan-out path.
	txs[150].Signature[0] ^= 0xFF

	results := BatchVerify(txs)
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, ok := range results {
		want := i != 150
		if ok != want {
			t.Errorf("index %d: got %v, want %v", i, ok, want)
		}
	}
}

func TestTransactionBytesRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	tx := NewTransaction(kp.Address(), to.Address(), 3.5, 7, 99)
	if err := kp.Sign(tx); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	decoded, err := DecodeTransaction(tx.Bytes())
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if decoded.From != tx.From || decoded.To != tx.To || decoded.Amount != tx.Amount ||
		decoded.Nonce != tx.Nonce || decoded.Timestamp != tx.Timestamp || decoded.Signature != tx.Signature {
		t.Fatal("round-tripped transaction does not match original")
	}
	if !VerifySignature(decoded) {
		t.Fatal("round-tripped transaction should still verify")
	}
}
