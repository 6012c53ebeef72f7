package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/heuristics"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/pkg/workerpool"
)

// DataSource supplies chain data for a trace. Implementations sit on top of
// the dispatcher and pagination controller.
type DataSource interface {
	AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error)
	AddressTxIDs(ctx context.Context, addr string, knownTotal *int) ([]string, error)
	Transaction(ctx context.Context, txid string) (model.Transaction, error)
}

// Request bounds one trace call. Either SeedAddress or SeedTxID must be
// set.
type Request struct {
	SeedAddress         string        `json:"seed_address"`
	SeedTxID            string        `json:"seed_txid"`
	HopsBefore          int           `json:"hops_before"`
	HopsAfter           int           `json:"hops_after"`
	MaxTransactions     int           `json:"max_transactions"`
	MaxAddressesPerTx   int           `json:"max_addresses_per_tx"`
	MaxNodes            int           `json:"max_nodes"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	Deadline            time.Duration `json:"-"`
}

const (
	defaultHops            = 2
	defaultMaxTransactions = 25
	defaultMaxAddrsPerTx   = 10
	defaultMaxNodes        = 500
	defaultTraceDeadline   = 300 * time.Second
	defaultFetchWorkers    = 8

	// Structural value-transfer edges are certain; heuristics only refine
	// their interpretation.
	transferHeuristic  = "transfer"
	transferConfidence = 1.0

	// Clusters whose members touch a CoinJoin lose most of the
	// common-input prior.
	mixedClusterConfidence = 0.60
)

// ErrInvalidSeed is returned when the request names no seed node.
var ErrInvalidSeed = errors.New("trace request needs a seed address or txid")

// Orchestrator owns the graph under construction. Detail fetches fan out
// through a bounded worker pool; all graph mutation happens on the
// goroutine running Trace.
type Orchestrator struct {
	logger       *zap.Logger
	source       DataSource
	analyzers    []heuristics.Analyzer
	fetchWorkers int
}

// New builds an Orchestrator with the given analyzer pipeline. A nil
// pipeline gets the default one.
func New(logger *zap.Logger, source DataSource, analyzers []heuristics.Analyzer, fetchWorkers int) *Orchestrator {
	if analyzers == nil {
		analyzers = heuristics.DefaultAnalyzers()
	}
	if fetchWorkers <= 0 {
		fetchWorkers = defaultFetchWorkers
	}
	return &Orchestrator{
		logger:       logger.Named("trace"),
		source:       source,
		analyzers:    analyzers,
		fetchWorkers: fetchWorkers,
	}
}

type frontierItem struct {
	kind       NodeKind
	id         string
	hopsBefore int
	hopsAfter  int
	depth      int
}

func withDefaults(req Request) Request {
	if req.HopsBefore <= 0 && req.HopsAfter <= 0 {
		req.HopsBefore, req.HopsAfter = defaultHops, defaultHops
	}
	if req.MaxTransactions <= 0 {
		req.MaxTransactions = defaultMaxTransactions
	}
	if req.MaxAddressesPerTx <= 0 {
		req.MaxAddressesPerTx = defaultMaxAddrsPerTx
	}
	if req.MaxNodes <= 0 {
		req.MaxNodes = defaultMaxNodes
	}
	if req.Deadline <= 0 {
		req.Deadline = defaultTraceDeadline
	}
	return req
}

// Trace expands the graph breadth-first from the seed until the frontier
// drains, a bound is hit, or the deadline expires. Deadline expiry returns
// the partial graph with Incomplete set rather than an error.
func (o *Orchestrator) Trace(ctx context.Context, req Request) (*Graph, error) {
	req = withDefaults(req)
	if req.SeedAddress == "" && req.SeedTxID == "" {
		return nil, ErrInvalidSeed
	}

	ctx, cancel := context.WithTimeout(ctx, req.Deadline)
	defer cancel()

	run := &traceRun{
		o:          o,
		req:        req,
		builder:    newGraphBuilder(),
		state:      heuristics.NewGraphState(),
		expanded:   make(map[string]struct{}),
		peelChains: make(map[string]PeelChain),
	}

	seed := frontierItem{kind: NodeAddress, id: req.SeedAddress, hopsBefore: req.HopsBefore, hopsAfter: req.HopsAfter}
	if req.SeedTxID != "" {
		seed = frontierItem{kind: NodeTransaction, id: req.SeedTxID, hopsBefore: req.HopsBefore, hopsAfter: req.HopsAfter}
	}

	if err := run.expand(ctx, seed); err != nil {
		return nil, err
	}
	return run.finish(), nil
}

type traceRun struct {
	o          *Orchestrator
	req        Request
	builder    *graphBuilder
	state      *heuristics.GraphState
	expanded   map[string]struct{}
	peelChains map[string]PeelChain
	incomplete bool
}

func (r *traceRun) expand(ctx context.Context, seed frontierItem) error {
	queue := []frontierItem{seed}
	seedPending := true

	for len(queue) > 0 {
		if ctx.Err() != nil {
			r.incomplete = true
			return nil
		}
		if r.builder.nodeCount() >= r.req.MaxNodes {
			return nil
		}

		level := queue
		queue = nil

		details := r.fetchLevel(ctx, level)

		for _, item := range level {
			if ctx.Err() != nil {
				r.incomplete = true
				return nil
			}
			if r.builder.nodeCount() >= r.req.MaxNodes {
				return nil
			}
			if _, done := r.expanded[item.id]; done {
				continue
			}

			switch item.kind {
			case NodeTransaction:
				tx, ok := details[item.id]
				if !ok {
					if seedPending {
						return fmt.Errorf("seed transaction %s: %w", item.id, dispatch.ErrNotFound)
					}
					continue
				}
				r.expanded[item.id] = struct{}{}
				queue = append(queue, r.expandTransaction(item, tx)...)
			case NodeAddress:
				next, err := r.expandAddress(ctx, item, seedPending)
				if err != nil {
					return err
				}
				queue = append(queue, next...)
			}
			seedPending = false
		}
	}
	return nil
}

// fetchLevel resolves the detail of every transaction item in the level
// concurrently. Individual failures are logged and skipped; the trace keeps
// whatever it can still reach.
func (r *traceRun) fetchLevel(ctx context.Context, level []frontierItem) map[string]*model.Transaction {
	type job struct {
		idx int
		id  string
	}
	var jobs []job
	queued := make(map[string]struct{})
	for _, item := range level {
		if item.kind != NodeTransaction {
			continue
		}
		if _, done := r.expanded[item.id]; done {
			continue
		}
		if _, dup := queued[item.id]; dup {
			continue
		}
		queued[item.id] = struct{}{}
		jobs = append(jobs, job{idx: len(jobs), id: item.id})
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]*model.Transaction, len(jobs))
	err := workerpool.Process(ctx, r.o.fetchWorkers, jobs, func(ctx context.Context, j job) error {
		tx, err := r.o.source.Transaction(ctx, j.id)
		if err != nil {
			r.o.logger.Warn("transaction detail fetch failed",
				zap.String("txid", j.id), zap.Error(err))
			return nil
		}
		results[j.idx] = &tx
		return nil
	}, nil)
	if err != nil && ctx.Err() == nil {
		r.o.logger.Warn("level fetch aborted", zap.Error(err))
	}

	out := make(map[string]*model.Transaction, len(jobs))
	for i, j := range jobs {
		if results[i] != nil {
			out[j.id] = results[i]
		}
	}
	return out
}

// expandTransaction adds the transaction node, runs the analyzer pipeline,
// wires structural edges and returns the address frontier it opens.
func (r *traceRun) expandTransaction(item frontierItem, tx *model.Transaction) []frontierItem {
	r.builder.addNode(tx.TxID, NodeTransaction)
	r.state.AddTransaction(tx)

	var assertions []heuristics.Assertion
	for _, a := range r.o.analyzers {
		assertions = append(assertions, a.Analyze(tx, r.state)...)
	}
	bestChange := heuristics.BestChangePerOutput(assertions)
	for _, a := range assertions {
		if a.Kind == heuristics.KindPeelChain {
			r.recordPeelChain(a.Chain, a.Confidence)
		}
	}

	var next []frontierItem

	inputs := tx.Inputs
	if len(inputs) > r.req.MaxAddressesPerTx {
		inputs = inputs[:r.req.MaxAddressesPerTx]
	}
	for _, in := range inputs {
		if in.Address == "" {
			continue
		}
		r.builder.addNode(in.Address, NodeAddress)
		r.builder.addEdge(Edge{
			Source:     in.Address,
			Target:     tx.TxID,
			Amount:     in.Value,
			Confidence: transferConfidence,
			Heuristic:  transferHeuristic,
			TxID:       tx.TxID,
		})
		if item.hopsBefore > 0 {
			next = append(next, frontierItem{
				kind:       NodeAddress,
				id:         in.Address,
				hopsBefore: item.hopsBefore - 1,
				depth:      item.depth + 1,
			})
		}
	}

	outputs := tx.Outputs
	if len(outputs) > r.req.MaxAddressesPerTx {
		outputs = outputs[:r.req.MaxAddressesPerTx]
	}
	for _, out := range outputs {
		if out.Address == "" {
			continue
		}
		r.builder.addNode(out.Address, NodeAddress)
		edge := Edge{
			Source:     tx.TxID,
			Target:     out.Address,
			Amount:     out.Value,
			Confidence: transferConfidence,
			Heuristic:  transferHeuristic,
			TxID:       tx.TxID,
		}
		if change, ok := bestChange[out.Index]; ok {
			edge.Confidence = change.Confidence
			edge.Heuristic = change.Heuristic
		}
		r.builder.addEdge(edge)
		if item.hopsAfter > 0 {
			next = append(next, frontierItem{
				kind:      NodeAddress,
				id:        out.Address,
				hopsAfter: item.hopsAfter - 1,
				depth:     item.depth + 1,
			})
		}
	}

	// Addresses become "seen history" only after this transaction was
	// analyzed, so reuse detection means strictly-earlier appearance.
	for _, in := range tx.Inputs {
		r.state.NoteAddress(in.Address)
	}
	for _, out := range tx.Outputs {
		r.state.NoteAddress(out.Address)
	}

	if item.depth > r.builder.counters.DepthReached {
		r.builder.counters.DepthReached = item.depth
	}
	return next
}

// expandAddress resolves an address's history and returns the transaction
// frontier. A transaction hop does not consume hop budget, so items keep
// the address's remaining budget.
func (r *traceRun) expandAddress(ctx context.Context, item frontierItem, isSeed bool) ([]frontierItem, error) {
	r.builder.addNode(item.id, NodeAddress)
	if item.hopsBefore <= 0 && item.hopsAfter <= 0 {
		return nil, nil
	}
	r.expanded[item.id] = struct{}{}

	var knownTotal *int
	summary, err := r.o.source.AddressSummary(ctx, item.id)
	switch {
	case err == nil:
		knownTotal = &summary.TxCount
	case errors.Is(err, dispatch.ErrNotFound):
		if isSeed {
			return nil, fmt.Errorf("seed address %s: %w", item.id, err)
		}
		return nil, nil
	default:
		if isSeed {
			return nil, fmt.Errorf("seed address %s: %w", item.id, err)
		}
		r.o.logger.Warn("address summary fetch failed, paginating blind",
			zap.String("address", item.id), zap.Error(err))
	}

	ids, err := r.o.source.AddressTxIDs(ctx, item.id, knownTotal)
	if err != nil {
		if isSeed {
			return nil, fmt.Errorf("seed address %s history: %w", item.id, err)
		}
		r.o.logger.Warn("address history fetch failed",
			zap.String("address", item.id), zap.Error(err))
		return nil, nil
	}
	if len(ids) > r.req.MaxTransactions {
		ids = ids[:r.req.MaxTransactions]
	}

	next := make([]frontierItem, 0, len(ids))
	for _, txid := range ids {
		if _, done := r.expanded[txid]; done {
			continue
		}
		next = append(next, frontierItem{
			kind:       NodeTransaction,
			id:         txid,
			hopsBefore: item.hopsBefore,
			hopsAfter:  item.hopsAfter,
			depth:      item.depth,
		})
	}
	return next, nil
}

// recordPeelChain keeps the longest observed chain per chain head. The same
// chain is re-reported as the frontier extends it.
func (r *traceRun) recordPeelChain(chain []string, confidence float64) {
	if len(chain) == 0 {
		return
	}
	head := chain[0]
	if cur, ok := r.peelChains[head]; ok && len(cur.TxIDs) >= len(chain) {
		return
	}
	r.peelChains[head] = PeelChain{
		TxIDs:      append([]string(nil), chain...),
		Confidence: confidence,
	}
}

func (r *traceRun) finish() *Graph {
	g := r.builder.finish(r.req.ConfidenceThreshold, r.incomplete)

	coinjoins := r.state.CoinJoinTxIDs()
	g.CoinJoins = coinjoins

	mixedInputs := make(map[string]struct{})
	for _, txid := range coinjoins {
		if tx := r.state.Transaction(txid); tx != nil {
			for _, in := range tx.Inputs {
				if in.Address != "" {
					mixedInputs[in.Address] = struct{}{}
				}
			}
		}
	}

	for i, members := range r.state.Clusters() {
		confidence := heuristics.ClusterConfidence
		for _, addr := range members {
			if _, mixed := mixedInputs[addr]; mixed {
				confidence = mixedClusterConfidence
				break
			}
		}
		g.Clusters = append(g.Clusters, Cluster{
			ID:         i,
			Addresses:  members,
			Confidence: confidence,
		})
	}

	heads := make([]string, 0, len(r.peelChains))
	for head := range r.peelChains {
		heads = append(heads, head)
	}
	sort.Strings(heads)
	for _, head := range heads {
		g.PeelChains = append(g.PeelChains, r.peelChains[head])
	}
	return g
}
