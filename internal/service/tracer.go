package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/cache"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/endpoint"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/trace"
)

const (
	addressCacheTTL = 5 * time.Minute
	txCacheTTL      = 60 * time.Minute
	traceCacheTTL   = 10 * time.Minute
)

// AddressReader resolves address-level data through the dispatcher and the
// pagination controller.
type AddressReader interface {
	AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error)
	AddressTxIDs(ctx context.Context, addr string, knownTotal *int) ([]string, error)
}

// TransactionReader resolves a single transaction through the dispatcher.
type TransactionReader interface {
	Transaction(ctx context.Context, txid string) (model.Transaction, error)
	TipHeight(ctx context.Context) (uint32, error)
}

// Tracer runs a bounded ownership trace.
type Tracer interface {
	Trace(ctx context.Context, req trace.Request) (*trace.Graph, error)
}

// EndpointStats is the operator-facing view of one upstream endpoint.
type EndpointStats struct {
	BaseURL             string    `json:"base_url"`
	Tier                string    `json:"tier"`
	Healthy             bool      `json:"healthy"`
	SuccessCount        uint64    `json:"success_count"`
	FailureCount        uint64    `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxConcurrent       int       `json:"max_concurrent"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
}

// TracerService fronts the trace pipeline with a response cache. It also
// implements trace.DataSource, so orchestrator fetches during a trace hit
// the same cache as direct API reads.
type TracerService struct {
	addresses AddressReader
	txs       TransactionReader
	tracer    Tracer
	registry  *endpoint.Registry
	cache     cache.Cache
	logger    *zap.Logger
}

func NewTracerService(
	addresses AddressReader,
	txs TransactionReader,
	tracer Tracer,
	registry *endpoint.Registry,
	c cache.Cache,
	logger *zap.Logger,
) (*TracerService, error) {
	if addresses == nil || txs == nil || registry == nil {
		return nil, fmt.Errorf("tracer service: missing dependency")
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &TracerService{
		addresses: addresses,
		txs:       txs,
		tracer:    tracer,
		registry:  registry,
		cache:     c,
		logger:    logger.Named("tracer_service"),
	}, nil
}

// SetTracer breaks the construction cycle: the orchestrator needs the
// service as its DataSource, and the service needs the orchestrator.
func (s *TracerService) SetTracer(t Tracer) {
	s.tracer = t
}

// AddressSummary returns the cached per-address aggregate, fetching on
// miss.
func (s *TracerService) AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error) {
	var summary model.AddressSummary
	key := "addr:" + addr
	if s.cacheGet(ctx, key, &summary) {
		return summary, nil
	}
	summary, err := s.addresses.AddressSummary(ctx, addr)
	if err != nil {
		return model.AddressSummary{}, err
	}
	s.cacheSet(ctx, key, summary, addressCacheTTL)
	return summary, nil
}

// AddressTxIDs returns the full paginated history for the address. The
// listing is cached alongside the summary so repeated traces over the same
// neighborhood skip upstream entirely.
func (s *TracerService) AddressTxIDs(ctx context.Context, addr string, knownTotal *int) ([]string, error) {
	var ids []string
	key := "addrtxs:" + addr
	if s.cacheGet(ctx, key, &ids) {
		return ids, nil
	}
	ids, err := s.addresses.AddressTxIDs(ctx, addr, knownTotal)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, ids, addressCacheTTL)
	return ids, nil
}

// Transaction returns the cached canonical transaction, fetching on miss.
// Confirmed transactions are immutable, so the TTL is generous.
func (s *TracerService) Transaction(ctx context.Context, txid string) (model.Transaction, error) {
	var tx model.Transaction
	key := "tx:" + txid
	if s.cacheGet(ctx, key, &tx) {
		return tx, nil
	}
	tx, err := s.txs.Transaction(ctx, txid)
	if err != nil {
		return model.Transaction{}, err
	}
	s.cacheSet(ctx, key, tx, txCacheTTL)
	return tx, nil
}

// TipHeight returns the current chain tip height. Never cached; the tip
// moves.
func (s *TracerService) TipHeight(ctx context.Context) (uint32, error) {
	return s.txs.TipHeight(ctx)
}

// Trace runs (or replays) a bounded ownership trace. The cache key covers
// every request parameter that shapes the result.
func (s *TracerService) Trace(ctx context.Context, req trace.Request) (*trace.Graph, error) {
	if s.tracer == nil {
		return nil, fmt.Errorf("tracer service: no tracer wired")
	}
	key := traceCacheKey(req)
	var cached trace.Graph
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}
	graph, err := s.tracer.Trace(ctx, req)
	if err != nil {
		return nil, err
	}
	// Partial graphs are not cached; a retry may get further.
	if !graph.Incomplete {
		s.cacheSet(ctx, key, graph, traceCacheTTL)
	}
	return graph, nil
}

// EndpointMetrics snapshots the health state of every registered endpoint.
func (s *TracerService) EndpointMetrics() []EndpointStats {
	snapshots := s.registry.All()
	stats := make([]EndpointStats, 0, len(snapshots))
	for _, snap := range snapshots {
		stats = append(stats, EndpointStats{
			BaseURL:             snap.BaseURL,
			Tier:                snap.Tier.String(),
			Healthy:             snap.Healthy,
			SuccessCount:        snap.SuccessCount,
			FailureCount:        snap.FailureCount,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			MaxConcurrent:       snap.Budget,
			LastSuccess:         snap.LastSuccess,
			LastFailure:         snap.LastFailure,
		})
	}
	return stats
}

func traceCacheKey(req trace.Request) string {
	return fmt.Sprintf("trace:%s:%s:%d:%d:%d:%d:%d:%.2f",
		req.SeedAddress, req.SeedTxID,
		req.HopsBefore, req.HopsAfter,
		req.MaxTransactions, req.MaxAddressesPerTx, req.MaxNodes,
		req.ConfidenceThreshold)
}

// cacheGet unmarshals the cached value into out. Cache failures degrade to
// a miss.
func (s *TracerService) cacheGet(ctx context.Context, key string, out any) bool {
	raw, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !hit {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *TracerService) cacheSet(ctx context.Context, key string, val any, ttl time.Duration) {
	raw, err := json.Marshal(val)
	if err != nil {
		s.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
