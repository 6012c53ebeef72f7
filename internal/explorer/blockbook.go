package explorer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/pkg/safe"
)

// blockbook-style mirrors express monetary values as decimal strings in
// whole-coin units and identify outputs by address lists rather than script
// type, so both need normalizing.

type blockbookVin struct {
	TxID      string   `json:"txid"`
	Vout      uint32   `json:"vout"`
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
	Value     string   `json:"value"`
	Coinbase  string   `json:"coinbase"`
}

type blockbookVout struct {
	Value     string   `json:"value"`
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
}

type blockbookTx struct {
	TxID          string          `json:"txid"`
	Vin           []blockbookVin  `json:"vin"`
	Vout          []blockbookVout `json:"vout"`
	BlockHeight   int64           `json:"blockHeight"`
	Confirmations int64           `json:"confirmations"`
	BlockTime     int64           `json:"blockTime"`
	Fees          string          `json:"fees"`
	Size          int64           `json:"size"`
	VSize         int64           `json:"vsize"`
}

type blockbookAddress struct {
	Address       string   `json:"address"`
	Balance       string   `json:"balance"`
	TotalReceived string   `json:"totalReceived"`
	TotalSent     string   `json:"totalSent"`
	Txs           int      `json:"txs"`
	TxIDs         []string `json:"txids"`
}

type blockbookStatus struct {
	Blockbook struct {
		BestHeight int64 `json:"bestHeight"`
	} `json:"blockbook"`
}

func parseBlockbook(req dispatch.Request, body []byte) (*dispatch.Result, error) {
	switch req.Op {
	case dispatch.OpAddressSummary:
		var raw blockbookAddress
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("blockbook address summary: %w", err)
		}
		if raw.Address == "" {
			return nil, fmt.Errorf("blockbook address summary: missing address field")
		}
		funded, err := coinStringToSatoshis(raw.TotalReceived)
		if err != nil {
			return nil, fmt.Errorf("blockbook address %s totalReceived: %w", raw.Address, err)
		}
		spent, err := coinStringToSatoshis(raw.TotalSent)
		if err != nil {
			return nil, fmt.Errorf("blockbook address %s totalSent: %w", raw.Address, err)
		}
		balance, err := coinStringToSatoshis(raw.Balance)
		if err != nil {
			return nil, fmt.Errorf("blockbook address %s balance: %w", raw.Address, err)
		}
		sum := model.AddressSummary{
			Address: raw.Address,
			TxCount: raw.Txs,
			Funded:  funded,
			Spent:   spent,
			Balance: balance,
		}
		return &dispatch.Result{Summary: &sum}, nil

	case dispatch.OpAddressTxIDs:
		var raw blockbookAddress
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("blockbook address txids page: %w", err)
		}
		return &dispatch.Result{TxIDs: raw.TxIDs}, nil

	case dispatch.OpTransaction:
		var raw blockbookTx
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("blockbook transaction: %w", err)
		}
		tx, err := blockbookToCanonical(raw)
		if err != nil {
			return nil, err
		}
		return &dispatch.Result{Tx: &tx}, nil

	case dispatch.OpTipHeight:
		var raw blockbookStatus
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("blockbook status: %w", err)
		}
		h, err := safe.Uint32(raw.Blockbook.BestHeight)
		if err != nil {
			return nil, fmt.Errorf("blockbook best height: %w", err)
		}
		return &dispatch.Result{TipHeight: h}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Op)
	}
}

func blockbookToCanonical(raw blockbookTx) (model.Transaction, error) {
	if raw.TxID == "" {
		return model.Transaction{}, fmt.Errorf("blockbook transaction: missing txid")
	}
	size, err := safe.Uint32(raw.Size)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("tx %s size: %w", raw.TxID, err)
	}
	vsize := raw.VSize
	if vsize == 0 {
		vsize = raw.Size
	}
	// Weight is not reported directly; reconstruct it from vsize.
	weight, err := safe.Uint32(vsize * 4)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("tx %s weight: %w", raw.TxID, err)
	}

	tx := model.Transaction{
		TxID:    raw.TxID,
		Inputs:  make([]model.TxInput, 0, len(raw.Vin)),
		Outputs: make([]model.TxOutput, 0, len(raw.Vout)),
		Size:    size,
		Weight:  weight,
	}

	if raw.Fees != "" {
		fee, err := coinStringToSatoshis(raw.Fees)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("tx %s fees: %w", raw.TxID, err)
		}
		tx.Fee = &fee
	}

	if raw.Confirmations > 0 && raw.BlockHeight > 0 {
		height, err := safe.Uint32(raw.BlockHeight)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("tx %s block height: %w", raw.TxID, err)
		}
		blockTime := time.Unix(raw.BlockTime, 0).UTC()
		tx.BlockHeight = &height
		tx.BlockTime = &blockTime
	}

	for _, vin := range raw.Vin {
		in := model.TxInput{
			PrevTxID:   vin.TxID,
			PrevVout:   vin.Vout,
			IsCoinbase: vin.Coinbase != "",
			ScriptType: model.ScriptUnknown,
		}
		if len(vin.Addresses) > 0 {
			in.Address = vin.Addresses[0]
			in.ScriptType = model.ScriptTypeForAddress(in.Address)
		}
		if !in.IsCoinbase && vin.Value != "" {
			value, err := coinStringToSatoshis(vin.Value)
			if err != nil {
				return model.Transaction{}, fmt.Errorf("tx %s input %d value: %w", raw.TxID, vin.N, err)
			}
			in.Value = value
			in.ValueKnown = true
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	for _, vout := range raw.Vout {
		value, err := coinStringToSatoshis(vout.Value)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("tx %s output %d value: %w", raw.TxID, vout.N, err)
		}
		out := model.TxOutput{
			Index:      uint32(vout.N),
			Value:      value,
			ScriptType: model.ScriptUnknown,
		}
		if len(vout.Addresses) > 0 {
			out.Address = vout.Addresses[0]
			out.ScriptType = model.ScriptTypeForAddress(out.Address)
		}
		tx.Outputs = append(tx.Outputs, out)
	}

	tx.ReconcileFee()
	return tx, nil
}

// coinStringToSatoshis scales a decimal whole-coin amount to integer
// satoshis, rounding to the nearest integer.
func coinStringToSatoshis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	coins, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	amt, err := btcutil.NewAmount(coins)
	if err != nil {
		return 0, fmt.Errorf("amount %q out of range: %w", s, err)
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	return int64(amt), nil
}
