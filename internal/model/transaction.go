// Package model defines the canonical chain records produced by the
// upstream adapters and consumed by the trace engine.
package model

import (
	"strings"
	"time"
)

// ScriptType is the canonical output script classification.
type ScriptType string

const (
	ScriptP2PKH   ScriptType = "p2pkh"
	ScriptP2SH    ScriptType = "p2sh"
	ScriptP2WPKH  ScriptType = "p2wpkh"
	ScriptP2WSH   ScriptType = "p2wsh"
	ScriptP2TR    ScriptType = "p2tr"
	ScriptUnknown ScriptType = "unknown"
)

// TxInput is a resolved transaction input. ValueKnown is false when the
// upstream could not resolve the previous output (or the input is coinbase).
type TxInput struct {
	PrevTxID   string     `json:"prev_txid"`
	PrevVout   uint32     `json:"prev_vout"`
	Address    string     `json:"address"`
	Value      int64      `json:"value"`
	ValueKnown bool       `json:"value_known"`
	ScriptType ScriptType `json:"script_type"`
	IsCoinbase bool       `json:"is_coinbase"`
}

// TxOutput is a transaction output with its value in satoshis.
type TxOutput struct {
	Index      uint32     `json:"index"`
	Address    string     `json:"address"`
	Value      int64      `json:"value"`
	ScriptType ScriptType `json:"script_type"`
}

// Transaction is the canonical transaction shape shared by every upstream
// schema. BlockHeight/BlockTime are nil for unconfirmed transactions.
type Transaction struct {
	TxID        string     `json:"txid"`
	Inputs      []TxInput  `json:"inputs"`
	Outputs     []TxOutput `json:"outputs"`
	Fee         *int64     `json:"fee"`
	BlockHeight *uint32    `json:"block_height"`
	BlockTime   *time.Time `json:"block_time"`
	Size        uint32     `json:"size"`
	Weight      uint32     `json:"weight"`
}

// Confirmed reports whether the transaction has a confirmation height.
func (t *Transaction) Confirmed() bool {
	return t.BlockHeight != nil
}

// TotalInput sums input values; known is false if any input value is
// unresolved, in which case the sum covers only resolved inputs.
func (t *Transaction) TotalInput() (sum int64, known bool) {
	known = true
	for _, in := range t.Inputs {
		if in.IsCoinbase {
			continue
		}
		if !in.ValueKnown {
			known = false
			continue
		}
		sum += in.Value
	}
	return sum, known
}

// TotalOutput sums output values.
func (t *Transaction) TotalOutput() int64 {
	var sum int64
	for _, out := range t.Outputs {
		sum += out.Value
	}
	return sum
}

// ReconcileFee fills Fee from input/output totals when the upstream did not
// supply it. It only does so when every input value is resolved, so the
// identity sum(outputs) + fee == sum(inputs) holds whenever Fee is set.
func (t *Transaction) ReconcileFee() {
	if t.Fee != nil {
		return
	}
	in, known := t.TotalInput()
	if !known || len(t.Inputs) == 0 {
		return
	}
	fee := in - t.TotalOutput()
	if fee < 0 {
		return
	}
	t.Fee = &fee
}

// AddressSummary is the canonical per-address aggregate. TxCount drives
// pagination early-termination.
type AddressSummary struct {
	Address  string `json:"address"`
	TxCount  int    `json:"tx_count"`
	Funded   int64  `json:"funded"`
	Spent    int64  `json:"spent"`
	Balance  int64  `json:"balance"`
	TipSeen  uint32 `json:"tip_seen,omitempty"`
	Cluster  *int   `json:"cluster,omitempty"`
	IsChange bool   `json:"is_change,omitempty"`
}

// ScriptTypeForAddress infers the canonical script type from the address
// encoding. Used by upstream schemas that carry addresses without script
// type information.
func ScriptTypeForAddress(addr string) ScriptType {
	switch {
	case addr == "":
		return ScriptUnknown
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "m"), strings.HasPrefix(addr, "n"):
		return ScriptP2PKH
	case strings.HasPrefix(addr, "3"), strings.HasPrefix(addr, "2"):
		return ScriptP2SH
	case strings.HasPrefix(addr, "bc1p"), strings.HasPrefix(addr, "tb1p"):
		return ScriptP2TR
	case strings.HasPrefix(addr, "bc1q"), strings.HasPrefix(addr, "tb1q"):
		if len(addr) > 50 {
			return ScriptP2WSH
		}
		return ScriptP2WPKH
	default:
		return ScriptUnknown
	}
}
