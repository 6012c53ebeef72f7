package heuristics

import "github.com/goodnatureofminers/wallettrace7000-backend/internal/model"

// Change-signal confidences. Each signal fires or abstains independently;
// the consumer keeps the highest-confidence signal per output.
const (
	addressReuseConfidence      = 0.95
	scriptMatchConfidence       = 0.80
	optimalChangeConfidence     = 0.75
	roundAmountConfidence       = 0.70
	walletFingerprintConfidence = 0.60
)

// ChangeSignal inspects a transaction and either abstains or nominates one
// output as change.
type ChangeSignal struct {
	Name       string
	Confidence float64
	Pick       func(tx *model.Transaction, state *GraphState) (outputIndex uint32, fired bool)
}

// DefaultChangeSignals returns the standard signal set. The slice is
// configurable so the blending rule can be swapped without touching the
// orchestrator.
func DefaultChangeSignals() []ChangeSignal {
	return []ChangeSignal{
		{Name: "address_reuse", Confidence: addressReuseConfidence, Pick: pickByAddressReuse},
		{Name: "script_type_match", Confidence: scriptMatchConfidence, Pick: pickByScriptType},
		{Name: "optimal_change", Confidence: optimalChangeConfidence, Pick: pickByOptimalChange},
		{Name: "round_amount", Confidence: roundAmountConfidence, Pick: pickByRoundAmount},
		{Name: "wallet_fingerprint", Confidence: walletFingerprintConfidence, Pick: pickByWalletFingerprint},
	}
}

// ChangeAnalyzer runs every signal and emits one assertion per signal that
// fired. Transactions flagged as CoinJoin are skipped: their output side is
// constructed to defeat change detection.
type ChangeAnalyzer struct {
	signals []ChangeSignal
}

func NewChangeAnalyzer(signals []ChangeSignal) *ChangeAnalyzer {
	return &ChangeAnalyzer{signals: signals}
}

func (a *ChangeAnalyzer) Name() string {
	return "change_detection"
}

func (a *ChangeAnalyzer) Analyze(tx *model.Transaction, state *GraphState) []Assertion {
	if len(tx.Outputs) < 2 || state.IsCoinJoin(tx.TxID) {
		return nil
	}

	var out []Assertion
	for _, sig := range a.signals {
		idx, fired := sig.Pick(tx, state)
		if !fired {
			continue
		}
		out = append(out, Assertion{
			Kind:        KindChange,
			TxID:        tx.TxID,
			Confidence:  sig.Confidence,
			Heuristic:   sig.Name,
			OutputIndex: idx,
		})
	}
	return out
}

// pickByAddressReuse: an output address already seen in traced history is
// not change; when exactly one output is fresh, that one is the change.
func pickByAddressReuse(tx *model.Transaction, state *GraphState) (uint32, bool) {
	freshIdx := uint32(0)
	fresh, reused := 0, 0
	for _, out := range tx.Outputs {
		if out.Address == "" {
			return 0, false
		}
		if state.AddressSeen(out.Address) {
			reused++
			continue
		}
		fresh++
		freshIdx = out.Index
	}
	if fresh == 1 && reused > 0 {
		return freshIdx, true
	}
	return 0, false
}

// pickByScriptType: the output matching the dominant input script type is
// more likely change.
func pickByScriptType(tx *model.Transaction, _ *GraphState) (uint32, bool) {
	dominant := dominantInputScript(tx.Inputs)
	if dominant == model.ScriptUnknown {
		return 0, false
	}

	matchIdx := uint32(0)
	matches := 0
	for _, out := range tx.Outputs {
		if out.ScriptType == dominant {
			matches++
			matchIdx = out.Index
		}
	}
	if matches == 1 {
		return matchIdx, true
	}
	return 0, false
}

// dominantInputScript returns the most common known script type among the
// inputs, or ScriptUnknown when none is known.
func dominantInputScript(inputs []model.TxInput) model.ScriptType {
	counts := make(map[model.ScriptType]int)
	for _, in := range inputs {
		if in.ScriptType != model.ScriptUnknown {
			counts[in.ScriptType]++
		}
	}
	dominant := model.ScriptUnknown
	best := 0
	for st, n := range counts {
		if n > best {
			dominant, best = st, n
		}
	}
	return dominant
}

// pickByOptimalChange: if removing the largest output makes exactly one
// input unnecessary to cover the rest, that input was added for the largest
// output, so the largest output is the payment and the remaining output is
// the change. When several inputs become redundant the selection is too
// loose to attribute and the signal abstains. Two-output form.
func pickByOptimalChange(tx *model.Transaction, _ *GraphState) (uint32, bool) {
	if len(tx.Outputs) != 2 || tx.Fee == nil {
		return 0, false
	}
	totalIn, known := tx.TotalInput()
	if !known || len(tx.Inputs) < 2 {
		return 0, false
	}

	largest, other := tx.Outputs[0], tx.Outputs[1]
	if other.Value > largest.Value {
		largest, other = other, largest
	}

	needWithoutLargest := other.Value + *tx.Fee
	redundant := 0
	for _, in := range tx.Inputs {
		if !in.ValueKnown {
			continue
		}
		if totalIn-in.Value >= needWithoutLargest {
			redundant++
		}
	}
	if redundant == 1 {
		return other.Index, true
	}
	return 0, false
}

// roundUnit is the coarse denomination for intentional payments (0.01 BTC);
// whole-coin amounts are a multiple of it.
const roundUnit = 1_000_000

// pickByRoundAmount: a round-valued output is likely the intended payment;
// a single complementary non-round output is favored as change.
func pickByRoundAmount(tx *model.Transaction, _ *GraphState) (uint32, bool) {
	nonRoundIdx := uint32(0)
	round, nonRound := 0, 0
	for _, out := range tx.Outputs {
		if out.Value > 0 && out.Value%roundUnit == 0 {
			round++
			continue
		}
		nonRound++
		nonRoundIdx = out.Index
	}
	if round > 0 && nonRound == 1 {
		return nonRoundIdx, true
	}
	return 0, false
}

// pickByWalletFingerprint: common wallet software appends the change output
// last. Weakest signal, a tiebreaker only.
func pickByWalletFingerprint(tx *model.Transaction, _ *GraphState) (uint32, bool) {
	if len(tx.Outputs) != 2 {
		return 0, false
	}
	return tx.Outputs[len(tx.Outputs)-1].Index, true
}
