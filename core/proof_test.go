package core

import "testing"

func TestGenerateAndVerifyProof(t *testing.T) {
	kp, _ := GenerateKeyPair()
	s := NewState(nil)
	if res := s.Genesis(kp.Address(), 1000, 1); res != ResultOK {
		t.Fatalf("Genesis: %v", res)
	}

	p, err := s.GenerateProof(kp.Address())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	if p.Balance != 1000 || p.Version != 1 {
		t.Fatalf("unexpected proof fields: %+v", p)
	}
	if !VerifyProof(p) {
		t.Fatal("expected a freshly generated proof to verify")
	}
	if !VerifyProofAgainstState(p, s) {
		t.Fatal("expected the proof to verify against the state it was generated from")
	}
}

func TestGenerateProofUnknownAccount(t *testing.T) {
	s := NewState(nil)
	var addr Address
	addr[0] = 7
	if _, err := s.GenerateProof(addr); err == nil {
		t.Fatal("expected an error proving an unknown account")
	}
}

func TestVerifyProofRejectsTampering(t *testing.T) {
	kp, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)
	p, _ := s.GenerateProof(kp.Address())

	p.Balance = 9999
	if VerifyProof(p) {
		t.Fatal("expected tampered proof to fail verification")
	}
}

func TestVerifyProofAgainstStateRejectsStaleProof(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)

	p, err := s.GenerateProof(kp.Address())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}

	tx := NewTransaction(kp.Address(), to.Address(), 100, 0, 2)
	kp.Sign(tx)
	if res := s.Execute(tx); res != ResultOK {
		t.Fatalf("Execute: %v", res)
	}

	if !VerifyProof(p) {
		t.Fatal("the proof itself is still internally consistent")
	}
	if VerifyProofAgainstState(p, s) {
		t.Fatal("expected a proof generated against an earlier version to be rejected as stale")
	}
}

func TestEncodeDecodeProofRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	s := NewState(nil)
	s.Genesis(kp.Address(), 1000, 1)
	p, err := s.GenerateProof(kp.Address())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}

	encoded := EncodeProof(p)
	if len(encoded) != 32+32+8+8+8+32+8 {
		t.Fatalf("unexpected encoded length %d", len(encoded))
	}
	decoded, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof: %v", err)
	}
	if decoded != p {
		t.Fatalf("decoded proof does not match original: got %+v, want %+v", decoded, p)
	}
	if !VerifyProof(decoded) {
		t.Fatal("expected round-tripped proof to still verify")
	}
}

func TestDecodeProofRejectsWrongLength(t *testing.T) {
	if _, err := DecodeProof([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a short buffer")
	}
}
