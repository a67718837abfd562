package core

// crypto.go - keypair generation, detached Ed25519 signatures and the
// canonical transaction signing message. Grounded on
// _examples/original_source/src/crypto/crypto.c (create_message's byte
// layout and the all-zero short-circuit in pc_transaction_verify) and on
// the teacher's core/wallet.go for the Go idiom (stdlib crypto/ed25519).

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
)

// KeyPair holds an Ed25519 keypair. The public half is also the account
// Address.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Address returns the Address corresponding to this keypair's public key.
func (k *KeyPair) Address() Address {
	var a Address
	copy(a[:], k.Public)
	return a
}

// signingMessage builds the canonical 88-byte message covered by a
// transaction signature: from(32) || to(32) || amount(8 raw bits) ||
// nonce(8) || timestamp(8). Amount is serialized as its raw IEEE-754 bit
// pattern, not a decimal string, so replicas agree byte-for-byte.
func signingMessage(from, to Address, amount float64, nonce uint64, timestamp uint64) []byte {
	msg := make([]byte, 88)
	copy(msg[0:32], from[:])
	copy(msg[32:64], to[:])
	binary.LittleEndian.PutUint64(msg[64:72], math.Float64bits(amount))
	binary.LittleEndian.PutUint64(msg[72:80], nonce)
	binary.LittleEndian.PutUint64(msg[80:88], timestamp)
	return msg
}

// Sign produces a detached Ed25519 signature over tx's canonical message.
// It refuses to sign when the keypair's public key does not equal
// tx.From, preventing producer-side impersonation bugs.
func (k *KeyPair) Sign(tx *Transaction) error {
	var from Address
	copy(from[:], k.Public)
	if from != tx.From {
		return fmt.Errorf("sign: keypair does not match tx.From")
	}
	msg := signingMessage(tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp)
	sig := ed25519.Sign(k.Private, msg)
	copy(tx.Signature[:], sig)
	return nil
}

// VerifySignature checks tx's signature against tx.From. It rejects
// signatures whose first 16 bytes are all zero, a cheap short-circuit for
// uninitialized/placeholder fields (ported from the C prototype's
// pc_transaction_verify).
func VerifySignature(tx *Transaction) bool {
	allZero := true
	for _, b := range tx.Signature[:16] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return false
	}
	msg := signingMessage(tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp)
	return ed25519.Verify(ed25519.PublicKey(tx.From[:]), msg, tx.Signature[:])
}

// batchVerifyThreshold is the minimum batch size at which BatchVerify
// parallelizes across cores rather than verifying serially.
const batchVerifyThreshold = 64

// BatchVerify verifies N transactions, returning a parallel slice of
// booleans. For N at or above batchVerifyThreshold it fans out across
// GOMAXPROCS goroutines; results are always written to deterministic,
// per-index slots so the output does not depend on scheduling order.
func BatchVerify(txs []*Transaction) []bool {
	out := make([]bool, len(txs))
	if len(txs) < batchVerifyThreshold {
		for i, tx := range txs {
			out[i] = VerifySignature(tx)
		}
		return out
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(txs) {
		workers = len(txs)
	}
	var wg sync.WaitGroup
	chunk := (len(txs) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(txs) {
			break
		}
		end := start + chunk
		if end > len(txs) {
			end = len(txs)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				out[i] = VerifySignature(txs[i])
			}
		}(start, end)
	}
	wg.Wait()
	return out
}
