// Package heuristics implements the ownership-inference analyzers applied
// to each transaction as the trace graph grows.
package heuristics

import (
	"fmt"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
)

// Kind labels what an assertion claims.
type Kind string

const (
	KindCluster   Kind = "cluster"
	KindChange    Kind = "change"
	KindPeelChain Kind = "peel_chain"
	KindCoinJoin  Kind = "coinjoin"
)

// Assertion is one confidence-scored claim produced by an analyzer.
// Addresses is set for cluster claims, OutputIndex for change claims and
// Chain for peel-chain claims.
type Assertion struct {
	Kind        Kind
	TxID        string
	Confidence  float64
	Heuristic   string
	Addresses   []string
	OutputIndex uint32
	Chain       []string
}

// Analyzer inspects one transaction against the accumulated graph state.
// Analyzers never block and never mutate the transaction; all data they
// need must already be present.
type Analyzer interface {
	Name() string
	Analyze(tx *model.Transaction, state *GraphState) []Assertion
}

// DefaultAnalyzers returns the pipeline in its required order: CoinJoin
// detection must run before common-input clustering consults it.
func DefaultAnalyzers() []Analyzer {
	return []Analyzer{
		NewCoinJoinAnalyzer(),
		NewCommonInputAnalyzer(),
		NewChangeAnalyzer(DefaultChangeSignals()),
		NewPeelChainAnalyzer(),
	}
}

// BestChangePerOutput reduces change assertions to the highest-confidence
// signal that fired for each output (max-confidence-wins).
func BestChangePerOutput(assertions []Assertion) map[uint32]Assertion {
	best := make(map[uint32]Assertion)
	for _, a := range assertions {
		if a.Kind != KindChange {
			continue
		}
		cur, ok := best[a.OutputIndex]
		if !ok || a.Confidence > cur.Confidence {
			best[a.OutputIndex] = a
		}
	}
	return best
}

// GraphState is the analyzer-visible view of the trace in progress. It is
// owned and mutated by the orchestrator goroutine only; analyzers read it.
type GraphState struct {
	seenAddrs map[string]struct{}
	coinjoins map[string]struct{}
	txs       map[string]*model.Transaction
	spenders  map[string]string
	clusters  *unionFind
	order     []string
}

// NewGraphState returns an empty state.
func NewGraphState() *GraphState {
	return &GraphState{
		seenAddrs: make(map[string]struct{}),
		coinjoins: make(map[string]struct{}),
		txs:       make(map[string]*model.Transaction),
		spenders:  make(map[string]string),
		clusters:  newUnionFind(),
	}
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// AddTransaction indexes a transaction and its spending links.
func (s *GraphState) AddTransaction(tx *model.Transaction) {
	if _, dup := s.txs[tx.TxID]; dup {
		return
	}
	s.txs[tx.TxID] = tx
	s.order = append(s.order, tx.TxID)
	for _, in := range tx.Inputs {
		if in.PrevTxID != "" {
			s.spenders[outpointKey(in.PrevTxID, in.PrevVout)] = tx.TxID
		}
	}
}

// Transaction returns an indexed transaction, nil if unknown.
func (s *GraphState) Transaction(txid string) *model.Transaction {
	return s.txs[txid]
}

// SpenderOf returns the txid spending the given outpoint, if traced.
func (s *GraphState) SpenderOf(txid string, vout uint32) (string, bool) {
	id, ok := s.spenders[outpointKey(txid, vout)]
	return id, ok
}

// NoteAddress records that an address has appeared in traced history.
func (s *GraphState) NoteAddress(addr string) {
	if addr != "" {
		s.seenAddrs[addr] = struct{}{}
	}
}

// AddressSeen reports whether an address appeared earlier in the trace.
func (s *GraphState) AddressSeen(addr string) bool {
	_, ok := s.seenAddrs[addr]
	return ok
}

// MarkCoinJoin flags a transaction as a mix.
func (s *GraphState) MarkCoinJoin(txid string) {
	s.coinjoins[txid] = struct{}{}
}

// IsCoinJoin reports whether the transaction is flagged as a mix.
func (s *GraphState) IsCoinJoin(txid string) bool {
	_, ok := s.coinjoins[txid]
	return ok
}

// CoinJoinTxIDs lists flagged transactions in insertion order.
func (s *GraphState) CoinJoinTxIDs() []string {
	out := make([]string, 0, len(s.coinjoins))
	for _, id := range s.order {
		if s.IsCoinJoin(id) {
			out = append(out, id)
		}
	}
	return out
}

// MergeAddresses places the addresses into one ownership cluster.
func (s *GraphState) MergeAddresses(addrs []string) {
	if len(addrs) < 2 {
		return
	}
	first := addrs[0]
	for _, a := range addrs[1:] {
		s.clusters.union(first, a)
	}
}

// Clusters returns the current address clusters with two or more members.
// Member order within a cluster is insertion order, clusters ordered by
// their earliest member.
func (s *GraphState) Clusters() [][]string {
	return s.clusters.groups()
}

// ClusterOf returns every known co-owned address for addr, including addr
// itself, or nil when unclustered.
func (s *GraphState) ClusterOf(addr string) []string {
	return s.clusters.groupOf(addr)
}

// unionFind is a path-compressing disjoint set over address strings.
type unionFind struct {
	parent map[string]string
	order  []string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(a string) string {
	p, ok := u.parent[a]
	if !ok {
		u.parent[a] = a
		u.order = append(u.order, a)
		return a
	}
	if p == a {
		return a
	}
	root := u.find(p)
	u.parent[a] = root
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

func (u *unionFind) groups() [][]string {
	byRoot := make(map[string][]string)
	var roots []string
	for _, a := range u.order {
		root := u.find(a)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], a)
	}
	var out [][]string
	for _, root := range roots {
		if members := byRoot[root]; len(members) > 1 {
			out = append(out, members)
		}
	}
	return out
}

func (u *unionFind) groupOf(addr string) []string {
	if _, ok := u.parent[addr]; !ok {
		return nil
	}
	root := u.find(addr)
	var out []string
	for _, a := range u.order {
		if u.find(a) == root {
			out = append(out, a)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}
