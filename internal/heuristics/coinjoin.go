package heuristics

import (
	"sort"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
)

const (
	coinjoinMinInputs  = 5
	coinjoinMinOutputs = 5
	coinjoinMinGroup   = 3

	// Outputs within 1% of each other count as one denomination, covering
	// looser equal-output mixes alongside fixed denominations.
	coinjoinValueTolerance = 0.01
)

// CoinJoinAnalyzer flags deliberate mixing transactions. It must run before
// common-input clustering so clustering can suppress itself for flagged
// transactions.
type CoinJoinAnalyzer struct{}

func NewCoinJoinAnalyzer() *CoinJoinAnalyzer {
	return &CoinJoinAnalyzer{}
}

func (a *CoinJoinAnalyzer) Name() string {
	return "coinjoin"
}

func (a *CoinJoinAnalyzer) Analyze(tx *model.Transaction, state *GraphState) []Assertion {
	if len(tx.Inputs) < coinjoinMinInputs || len(tx.Outputs) < coinjoinMinOutputs {
		return nil
	}

	inGroup := largestEqualValueGroup(tx.Outputs)
	group := 0
	for _, member := range inGroup {
		if member {
			group++
		}
	}
	if group < coinjoinMinGroup || group*2 < len(tx.Outputs) {
		return nil
	}
	if hasOrdinaryChange(tx, inGroup) {
		// Batch payments also produce equal-value output runs; a lone
		// leftover output bearing a wallet change signature means this
		// is one spender paying many parties, not a mix.
		return nil
	}

	state.MarkCoinJoin(tx.TxID)
	return []Assertion{{
		Kind:       KindCoinJoin,
		TxID:       tx.TxID,
		Confidence: float64(group) / float64(len(tx.Outputs)),
		Heuristic:  a.Name(),
	}}
}

// largestEqualValueGroup marks the biggest set of outputs sharing a
// near-identical value. The returned slice parallels outputs.
func largestEqualValueGroup(outputs []model.TxOutput) []bool {
	order := make([]int, len(outputs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return outputs[order[i]].Value < outputs[order[j]].Value
	})

	bestStart, bestEnd := 0, 0
	for i := 0; i < len(order); {
		base := outputs[order[i]].Value
		j := i + 1
		ceiling := base + int64(float64(base)*coinjoinValueTolerance)
		for j < len(order) && outputs[order[j]].Value <= ceiling {
			j++
		}
		if j-i > bestEnd-bestStart {
			bestStart, bestEnd = i, j
		}
		i = j
	}

	members := make([]bool, len(outputs))
	for _, idx := range order[bestStart:bestEnd] {
		members[idx] = true
	}
	return members
}

// hasOrdinaryChange reports whether exactly one output outside the
// equal-value group carries a clear change signature: a non-round value and
// a script type matching the dominant input script type. Several leftover
// outputs looking change-like is normal for a mix, so only the lone case
// counts.
func hasOrdinaryChange(tx *model.Transaction, inGroup []bool) bool {
	dominant := dominantInputScript(tx.Inputs)
	if dominant == model.ScriptUnknown {
		return false
	}
	changeLike := 0
	for i, out := range tx.Outputs {
		if inGroup[i] {
			continue
		}
		if out.ScriptType == dominant && out.Value%roundUnit != 0 {
			changeLike++
		}
	}
	return changeLike == 1
}
