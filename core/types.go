package core

// types.go centralises the small shared value types referenced across the
// ledger core: addresses, the transaction-outcome enum and the floating
// point tolerances the conservation law is checked against.

import (
	"encoding/hex"
	"fmt"
)

// Address is a 32-byte public key identifying an account. For all signed
// operations it is the account's Ed25519 public key.
type Address [32]byte

// String renders the address as a lower-case 64 char hex string, the
// canonical textual form used at every boundary (CLI, wire, files).
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns an abbreviated form for log lines.
func (a Address) Short() string {
	full := a.String()
	return fmt.Sprintf("%s..%s", full[:6], full[len(full)-6:])
}

// IsZero reports whether a carries no key material.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a hex-encoded 32-byte address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("parse address: want %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Tolerances used throughout the core per the conservation law's two
// granularities: a tight bound for single-transfer/delta arithmetic and a
// looser bound for aggregate Σbalances checks, where float64 rounding
// accumulates across many accounts.
const (
	transferEpsilon    = 1e-12
	conservationEpsilon = 1e-9
)

// TxResult is the outcome of executing a transaction or evaluating a state
// transition. It doubles as an error so existing `if err != nil` call sites
// keep working, while still letting callers switch on the concrete kind.
type TxResult int

const (
	ResultOK TxResult = iota
	ResultInsufficientFunds
	ResultInvalidSignature
	ResultAccountNotFound
	ResultAccountExists
	ResultCapacityExceeded
	ResultInvalidAmount
	ResultConservationViolated
	ResultIOError
	ResultCryptoError
)

func (r TxResult) Error() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultInsufficientFunds:
		return "insufficient funds"
	case ResultInvalidSignature:
		return "invalid signature"
	case ResultAccountNotFound:
		return "account not found"
	case ResultAccountExists:
		return "account exists"
	case ResultCapacityExceeded:
		return "capacity exceeded"
	case ResultInvalidAmount:
		return "invalid amount"
	case ResultConservationViolated:
		return "conservation violated"
	case ResultIOError:
		return "io error"
	case ResultCryptoError:
		return "crypto error"
	default:
		return "unknown result"
	}
}

// Ok reports whether the result represents success.
func (r TxResult) Ok() bool { return r == ResultOK }

// AsError returns nil for ResultOK and the TxResult itself otherwise, for
// the common idiom `if err := AsError(res); err != nil { ... }`.
func AsError(r TxResult) error {
	if r == ResultOK {
		return nil
	}
	return r
}
