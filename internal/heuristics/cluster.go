package heuristics

import "github.com/goodnatureofminers/wallettrace7000-backend/internal/model"

// ClusterConfidence is the prior for the common-input ownership assumption.
const ClusterConfidence = 0.90

// CommonInputAnalyzer asserts that all input addresses of a transaction are
// controlled by the same entity. Mixing breaks that assumption, so the
// assertion is suppressed for transactions flagged as CoinJoin.
type CommonInputAnalyzer struct{}

func NewCommonInputAnalyzer() *CommonInputAnalyzer {
	return &CommonInputAnalyzer{}
}

func (a *CommonInputAnalyzer) Name() string {
	return "common_input"
}

func (a *CommonInputAnalyzer) Analyze(tx *model.Transaction, state *GraphState) []Assertion {
	if state.IsCoinJoin(tx.TxID) {
		return nil
	}

	seen := make(map[string]struct{}, len(tx.Inputs))
	addrs := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Address == "" || in.IsCoinbase {
			continue
		}
		if _, dup := seen[in.Address]; dup {
			continue
		}
		seen[in.Address] = struct{}{}
		addrs = append(addrs, in.Address)
	}
	if len(addrs) < 2 {
		return nil
	}

	state.MergeAddresses(addrs)
	return []Assertion{{
		Kind:       KindCluster,
		TxID:       tx.TxID,
		Confidence: ClusterConfidence,
		Heuristic:  a.Name(),
		Addresses:  addrs,
	}}
}
