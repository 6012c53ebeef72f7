package explorer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/pkg/safe"
)

// esplora-style mirrors (mempool.space, blockstream.info) report values as
// integer satoshis and carry resolved prevouts on every input.

type esploraVout struct {
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type esploraVin struct {
	TxID       string       `json:"txid"`
	Vout       uint32       `json:"vout"`
	Prevout    *esploraVout `json:"prevout"`
	IsCoinbase bool         `json:"is_coinbase"`
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
	BlockTime   int64 `json:"block_time"`
}

type esploraTx struct {
	TxID   string        `json:"txid"`
	Size   int64         `json:"size"`
	Weight int64         `json:"weight"`
	Fee    *int64        `json:"fee"`
	Vin    []esploraVin  `json:"vin"`
	Vout   []esploraVout `json:"vout"`
	Status esploraStatus `json:"status"`
}

type esploraAddress struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int   `json:"tx_count"`
	} `json:"chain_stats"`
}

func parseEsplora(req dispatch.Request, body []byte) (*dispatch.Result, error) {
	switch req.Op {
	case dispatch.OpAddressSummary:
		var raw esploraAddress
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("esplora address summary: %w", err)
		}
		if raw.Address == "" {
			return nil, fmt.Errorf("esplora address summary: missing address field")
		}
		sum := model.AddressSummary{
			Address: raw.Address,
			TxCount: raw.ChainStats.TxCount,
			Funded:  raw.ChainStats.FundedTxoSum,
			Spent:   raw.ChainStats.SpentTxoSum,
			Balance: raw.ChainStats.FundedTxoSum - raw.ChainStats.SpentTxoSum,
		}
		return &dispatch.Result{Summary: &sum}, nil

	case dispatch.OpAddressTxIDs:
		var raw []esploraTx
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("esplora address txs page: %w", err)
		}
		ids := make([]string, 0, len(raw))
		for _, tx := range raw {
			if tx.TxID == "" {
				return nil, fmt.Errorf("esplora address txs page: entry missing txid")
			}
			ids = append(ids, tx.TxID)
		}
		return &dispatch.Result{TxIDs: ids}, nil

	case dispatch.OpTransaction:
		var raw esploraTx
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("esplora transaction: %w", err)
		}
		tx, err := esploraToCanonical(raw)
		if err != nil {
			return nil, err
		}
		return &dispatch.Result{Tx: &tx}, nil

	case dispatch.OpTipHeight:
		// The tip endpoint returns a bare decimal number.
		var height int64
		if err := json.Unmarshal(body, &height); err != nil {
			return nil, fmt.Errorf("esplora tip height: %w", err)
		}
		h, err := safe.Uint32(height)
		if err != nil {
			return nil, fmt.Errorf("esplora tip height: %w", err)
		}
		return &dispatch.Result{TipHeight: h}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Op)
	}
}

func esploraToCanonical(raw esploraTx) (model.Transaction, error) {
	if raw.TxID == "" {
		return model.Transaction{}, fmt.Errorf("esplora transaction: missing txid")
	}
	size, err := safe.Uint32(raw.Size)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("tx %s size: %w", raw.TxID, err)
	}
	weight, err := safe.Uint32(raw.Weight)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("tx %s weight: %w", raw.TxID, err)
	}

	tx := model.Transaction{
		TxID:    raw.TxID,
		Inputs:  make([]model.TxInput, 0, len(raw.Vin)),
		Outputs: make([]model.TxOutput, 0, len(raw.Vout)),
		Fee:     raw.Fee,
		Size:    size,
		Weight:  weight,
	}

	if raw.Status.Confirmed {
		height, err := safe.Uint32(raw.Status.BlockHeight)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("tx %s block height: %w", raw.TxID, err)
		}
		blockTime := time.Unix(raw.Status.BlockTime, 0).UTC()
		tx.BlockHeight = &height
		tx.BlockTime = &blockTime
	}

	for _, vin := range raw.Vin {
		in := model.TxInput{
			PrevTxID:   vin.TxID,
			PrevVout:   vin.Vout,
			IsCoinbase: vin.IsCoinbase,
			ScriptType: model.ScriptUnknown,
		}
		if vin.Prevout != nil {
			in.Address = vin.Prevout.ScriptPubKeyAddress
			in.Value = vin.Prevout.Value
			in.ValueKnown = true
			in.ScriptType = esploraScriptType(vin.Prevout.ScriptPubKeyType)
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	for i, vout := range raw.Vout {
		tx.Outputs = append(tx.Outputs, model.TxOutput{
			Index:      uint32(i),
			Address:    vout.ScriptPubKeyAddress,
			Value:      vout.Value,
			ScriptType: esploraScriptType(vout.ScriptPubKeyType),
		})
	}

	tx.ReconcileFee()
	return tx, nil
}

func esploraScriptType(s string) model.ScriptType {
	switch s {
	case "p2pkh":
		return model.ScriptP2PKH
	case "p2sh":
		return model.ScriptP2SH
	case "v0_p2wpkh":
		return model.ScriptP2WPKH
	case "v0_p2wsh":
		return model.ScriptP2WSH
	case "v1_p2tr":
		return model.ScriptP2TR
	default:
		return model.ScriptUnknown
	}
}
