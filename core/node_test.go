package core

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello peer")
	if err := writeFrame(&buf, MsgPing, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	typ, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if typ != MsgPing {
		t.Fatalf("type = %d, want MsgPing", typ)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, frameHeaderSize))
	if _, _, err := readFrame(&buf); err == nil {
		t.Fatal("expected readFrame to reject a bad magic number")
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, MsgTx, nil)
	raw := buf.Bytes()
	// Overwrite the length field (bytes 5-8, after magic(4)+type(1)) with
	// something beyond maxFrameSize.
	raw[5], raw[6], raw[7], raw[8] = 0xFF, 0xFF, 0xFF, 0x7F
	if _, _, err := readFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected readFrame to reject an oversized length")
	}
}

func TestProposalEncodeDecodeRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	to, _ := GenerateKeyPair()
	tx := NewTransaction(kp.Address(), to.Address(), 5, 0, 1)
	kp.Sign(tx)

	p := &Proposal{
		SequenceNum: 10, Round: 2, PrevStateHash: [32]byte{1}, NewStateHash: [32]byte{9},
		TotalSupply: 1000, DeltaSum: 0, Timestamp: 42, ProposerPubKey: kp.Address(),
		NumTransactions: 1, Transactions: []*Transaction{tx},
	}
	signProposal(kp, p)
	decoded, err := decodeProposal(encodeProposal(p))
	if err != nil {
		t.Fatalf("decodeProposal: %v", err)
	}
	if decoded.SequenceNum != p.SequenceNum || decoded.Round != p.Round || decoded.ProposerPubKey != p.ProposerPubKey ||
		decoded.PrevStateHash != p.PrevStateHash || decoded.NewStateHash != p.NewStateHash ||
		decoded.TotalSupply != p.TotalSupply || decoded.DeltaSum != p.DeltaSum || decoded.ProposerSignature != p.ProposerSignature {
		t.Fatalf("scalar fields mismatch: got %+v", decoded)
	}
	if len(decoded.Transactions) != 1 || decoded.Transactions[0].Amount != 5 {
		t.Fatalf("tx batch not round-tripped: %+v", decoded.Transactions)
	}
	if !verifyProposalSignature(decoded) {
		t.Fatal("decoded proposal's signature should still verify")
	}
}

func TestVoteEncodeDecodeRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	v := &Vote{SequenceNum: 3, Round: 1, ProposalHash: [32]byte{7}, ValidatorPubKey: kp.Address(), Choice: VoteReject, Timestamp: 9, Reason: "bad delta_sum"}
	signVote(kp, v)
	decoded, err := decodeVote(encodeVote(v))
	if err != nil {
		t.Fatalf("decodeVote: %v", err)
	}
	if *decoded != *v {
		t.Fatalf("decoded vote = %+v, want %+v", decoded, v)
	}
	if !verifyVoteSignature(decoded) {
		t.Fatal("decoded vote's signature should still verify")
	}
}

func TestNodeConnectHandshake(t *testing.T) {
	serverKP, _ := GenerateKeyPair()
	clientKP, _ := GenerateKeyPair()

	server := NewNode(serverKP.Address(), nil)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("server Listen: %v", err)
	}
	defer server.Close()

	client := NewNode(clientKP.Address(), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, server.listener.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if peer.Address != serverKP.Address() {
		t.Fatalf("handshake learned address %s, want %s", peer.Address.Short(), serverKP.Address().Short())
	}

	// Give the server's accept goroutine a moment to register the peer.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.Peers()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	serverPeers := server.Peers()
	if len(serverPeers) != 1 || serverPeers[0].Address != clientKP.Address() {
		t.Fatalf("server did not register the client as a peer: %+v", serverPeers)
	}
}
