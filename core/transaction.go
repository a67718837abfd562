package core

// transaction.go - the signed transfer record. Structural fields mirror
// spec §3 exactly; canonical signing lives in crypto.go.

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Transaction is a signed transfer from From to To. Signature covers the
// canonical byte concatenation From‖To‖Amount‖Nonce‖Timestamp.
type Transaction struct {
	From      Address
	To        Address
	Amount    float64
	Nonce     uint64
	Timestamp uint64
	Signature [64]byte
}

// NewTransaction builds an unsigned transaction ready for KeyPair.Sign.
func NewTransaction(from, to Address, amount float64, nonce uint64, timestamp uint64) *Transaction {
	return &Transaction{From: from, To: to, Amount: amount, Nonce: nonce, Timestamp: timestamp}
}

// Bytes serializes the transaction for WAL / wire storage: the 88-byte
// canonical message followed by the 64-byte signature, so the record is
// self-describing and the signature can be re-checked from the stored
// bytes alone.
func (tx *Transaction) Bytes() []byte {
	buf := make([]byte, 88+64)
	copy(buf[0:88], signingMessage(tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp))
	copy(buf[88:], tx.Signature[:])
	return buf
}

// DecodeTransaction parses the format written by Bytes.
func DecodeTransaction(b []byte) (*Transaction, error) {
	if len(b) != 88+64 {
		return nil, fmt.Errorf("decode transaction: want %d bytes, got %d", 88+64, len(b))
	}
	tx := &Transaction{}
	copy(tx.From[:], b[0:32])
	copy(tx.To[:], b[32:64])
	tx.Amount = math.Float64frombits(binary.LittleEndian.Uint64(b[64:72]))
	tx.Nonce = binary.LittleEndian.Uint64(b[72:80])
	tx.Timestamp = binary.LittleEndian.Uint64(b[80:88])
	copy(tx.Signature[:], b[88:152])
	return tx, nil
}
