// Package trace builds bounded ownership-inference graphs around a seed
// address or transaction.
package trace

// NodeKind distinguishes address nodes from transaction nodes.
type NodeKind string

const (
	NodeAddress     NodeKind = "address"
	NodeTransaction NodeKind = "transaction"
)

// Node is one vertex of the trace graph, identified by address string or
// txid.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
}

// Edge is a value flow between two nodes, annotated by the heuristic that
// scored it. Structural transfer edges carry confidence 1.
type Edge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Amount     int64   `json:"amount"`
	Confidence float64 `json:"confidence"`
	Heuristic  string  `json:"heuristic"`
	TxID       string  `json:"txid"`
}

// Cluster is a set of addresses inferred to share ownership.
type Cluster struct {
	ID         int      `json:"id"`
	Addresses  []string `json:"addresses"`
	Confidence float64  `json:"confidence"`
}

// PeelChain is an ordered run of transactions peeling payments off one
// UTXO.
type PeelChain struct {
	TxIDs      []string `json:"txids"`
	Confidence float64  `json:"confidence"`
}

// Counters summarize the work one trace performed.
type Counters struct {
	NodesVisited int `json:"nodes_visited"`
	EdgesCreated int `json:"edges_created"`
	DepthReached int `json:"depth_reached"`
}

// Graph is the immutable result of one trace call. Incomplete is set when
// the trace deadline expired before the frontier drained.
type Graph struct {
	Nodes      []Node      `json:"nodes"`
	Edges      []Edge      `json:"edges"`
	Clusters   []Cluster   `json:"clusters"`
	PeelChains []PeelChain `json:"peel_chains"`
	CoinJoins  []string    `json:"coinjoins"`
	Counters   Counters    `json:"counters"`
	Incomplete bool        `json:"incomplete"`
}

// graphBuilder accumulates the graph under construction. Only the
// orchestrator goroutine touches it.
type graphBuilder struct {
	nodes     []Node
	nodeSeen  map[string]struct{}
	edges     []Edge
	edgeIndex map[string]int
	counters  Counters
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		nodeSeen:  make(map[string]struct{}),
		edgeIndex: make(map[string]int),
	}
}

func (b *graphBuilder) addNode(id string, kind NodeKind) bool {
	if _, dup := b.nodeSeen[id]; dup {
		return false
	}
	b.nodeSeen[id] = struct{}{}
	b.nodes = append(b.nodes, Node{ID: id, Kind: kind})
	b.counters.NodesVisited++
	return true
}

func (b *graphBuilder) nodeCount() int {
	return len(b.nodes)
}

// addEdge inserts or merges an edge. Re-encountering the same source,
// target and txid keeps the higher-confidence annotation.
func (b *graphBuilder) addEdge(e Edge) {
	key := e.Source + "|" + e.Target + "|" + e.TxID
	if i, dup := b.edgeIndex[key]; dup {
		if e.Confidence > b.edges[i].Confidence {
			b.edges[i].Confidence = e.Confidence
			b.edges[i].Heuristic = e.Heuristic
		}
		return
	}
	b.edgeIndex[key] = len(b.edges)
	b.edges = append(b.edges, e)
	b.counters.EdgesCreated++
}

// finish applies the confidence threshold and freezes the graph. A
// below-threshold edge survives only when dropping it would leave one of
// its endpoints with no edge at all, so included nodes stay connected.
func (b *graphBuilder) finish(threshold float64, incomplete bool) *Graph {
	kept := make([]Edge, 0, len(b.edges))
	connected := make(map[string]struct{}, len(b.nodes))
	var deferred []Edge
	for _, e := range b.edges {
		if e.Confidence < threshold {
			deferred = append(deferred, e)
			continue
		}
		kept = append(kept, e)
		connected[e.Source] = struct{}{}
		connected[e.Target] = struct{}{}
	}
	for _, e := range deferred {
		_, src := connected[e.Source]
		_, dst := connected[e.Target]
		if src && dst {
			continue
		}
		kept = append(kept, e)
		connected[e.Source] = struct{}{}
		connected[e.Target] = struct{}{}
	}
	return &Graph{
		Nodes:      b.nodes,
		Edges:      kept,
		Counters:   b.counters,
		Incomplete: incomplete,
	}
}
