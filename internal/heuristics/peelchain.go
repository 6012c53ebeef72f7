package heuristics

import "github.com/goodnatureofminers/wallettrace7000-backend/internal/model"

const (
	// PeelChainMinLength is the shortest run of transactions reported as a
	// peel chain.
	PeelChainMinLength = 3

	peelChainConfidence = 0.75

	// The dominant output must carry at least twice the value of any other
	// output for the transaction to look like a peel step.
	peelDominanceFactor = 2
)

// PeelChainAnalyzer detects descending chains of small payments peeled off
// one large UTXO: each transaction's dominant output funds the next
// transaction as its dominant input.
type PeelChainAnalyzer struct{}

func NewPeelChainAnalyzer() *PeelChainAnalyzer {
	return &PeelChainAnalyzer{}
}

func (a *PeelChainAnalyzer) Name() string {
	return "peel_chain"
}

func (a *PeelChainAnalyzer) Analyze(tx *model.Transaction, state *GraphState) []Assertion {
	if _, ok := dominantOutput(tx); !ok {
		return nil
	}

	chain := []string{tx.TxID}

	// Walk backward while the current head spends a predecessor's dominant
	// output.
	cur := tx
	for {
		prev := peelPredecessor(cur, state)
		if prev == nil {
			break
		}
		chain = append([]string{prev.TxID}, chain...)
		cur = prev
	}

	// Walk forward through already-traced spenders of dominant outputs.
	cur = tx
	for {
		idx, ok := dominantOutput(cur)
		if !ok {
			break
		}
		nextID, ok := state.SpenderOf(cur.TxID, idx)
		if !ok {
			break
		}
		next := state.Transaction(nextID)
		if next == nil {
			break
		}
		if _, ok := dominantOutput(next); !ok {
			// The chain may legitimately end on a terminal spend; include
			// it and stop.
			chain = append(chain, next.TxID)
			break
		}
		chain = append(chain, next.TxID)
		cur = next
	}

	if len(chain) < PeelChainMinLength {
		return nil
	}
	return []Assertion{{
		Kind:       KindPeelChain,
		TxID:       tx.TxID,
		Confidence: peelChainConfidence,
		Heuristic:  a.Name(),
		Chain:      chain,
	}}
}

// peelPredecessor returns the traced transaction whose dominant output is
// spent by tx, nil when tx does not continue a peel.
func peelPredecessor(tx *model.Transaction, state *GraphState) *model.Transaction {
	for _, in := range tx.Inputs {
		prev := state.Transaction(in.PrevTxID)
		if prev == nil {
			continue
		}
		idx, ok := dominantOutput(prev)
		if ok && idx == in.PrevVout {
			return prev
		}
	}
	return nil
}

// dominantOutput returns the index of an output at least peelDominanceFactor
// times larger than every other output, requiring two or more outputs.
func dominantOutput(tx *model.Transaction) (uint32, bool) {
	if len(tx.Outputs) < 2 {
		return 0, false
	}
	var largest, second int64
	idx := uint32(0)
	for _, out := range tx.Outputs {
		if out.Value > largest {
			second = largest
			largest = out.Value
			idx = out.Index
		} else if out.Value > second {
			second = out.Value
		}
	}
	if second <= 0 || largest < second*peelDominanceFactor {
		return 0, false
	}
	return idx, true
}
