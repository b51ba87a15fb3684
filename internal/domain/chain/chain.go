// Package chain holds the chain-facing shapes the wallet exchanges with its ledger client.
package chain

import (
	"errors"
	"time"
)

// ErrNotIndexed is returned by UTXO lookups that found no output yet.
var ErrNotIndexed = errors.New("chain: output not indexed yet")

// TxResult is the outcome of a broadcast transaction. A zero Code is success.
type TxResult struct {
	Hash string
	Code uint32
	Log  string
}

// OK reports whether the transaction was accepted.
func (r TxResult) OK() bool { return r.Code == 0 }

// Output is one recipient of a transfer.
type Output struct {
	Address string
	Amount  uint64
}

// Utxo is the current chain output held by an account.
type Utxo struct {
	Address   string
	IOType    string
	OutputID  string
	Payload   []byte
	FetchedAt time.Time
}
