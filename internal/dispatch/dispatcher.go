// Package dispatch schedules upstream requests across the endpoint pool,
// enforcing the global and per-endpoint concurrency limits and failing over
// between mirrors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/clock"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/endpoint"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/metrics"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
)

// Operation names a logical upstream request.
type Operation string

const (
	OpAddressSummary Operation = "address_summary"
	OpAddressTxIDs   Operation = "address_txids"
	OpTransaction    Operation = "tx_detail"
	OpTipHeight      Operation = "tip_height"
)

// Request describes one logical upstream request. Pages are keyed by offset
// so any mirror can serve any page.
type Request struct {
	Op      Operation
	Address string
	TxID    string
	Offset  int
	Limit   int
}

// Result is the normalized answer to a Request. Exactly one field matching
// the operation is populated.
type Result struct {
	Summary   *model.AddressSummary
	TxIDs     []string
	Tx        *model.Transaction
	TipHeight uint32
}

// Doer executes a request against one concrete endpoint, returning the
// normalized result. Schema mismatches must come back as a malformed
// UpstreamError so the dispatcher can fail over and score the endpoint.
type Doer interface {
	Do(ctx context.Context, ep endpoint.Snapshot, req Request) (*Result, error)
}

const (
	defaultGlobalCap      = 50
	defaultRequestTimeout = 1500 * time.Millisecond
	minRequestTimeout     = 500 * time.Millisecond
	defaultSlotWait       = 2 * time.Second
	slotPollInterval      = 25 * time.Millisecond
	defaultEndpointRPS    = 10

	// One immediate failover to a different endpoint before surfacing.
	maxAttempts = 2
)

// Options tune the dispatcher. Zero values fall back to defaults.
type Options struct {
	GlobalCap      int
	RequestTimeout time.Duration
	SlotWait       time.Duration
	EndpointRPS    int
}

// Dispatcher owns the global in-flight cap and endpoint selection. Callers
// must not depend on which mirror answered a request.
type Dispatcher struct {
	logger   *zap.Logger
	registry *endpoint.Registry
	doer     Doer

	slots    chan struct{}
	timeout  time.Duration
	slotWait time.Duration
	rps      int
	sleep    func(context.Context, time.Duration) error

	mu       sync.Mutex
	limiters map[string]ratelimit.Limiter
}

// New constructs a Dispatcher over the given registry and executor.
func New(logger *zap.Logger, registry *endpoint.Registry, doer Doer, opts Options) *Dispatcher {
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = defaultGlobalCap
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RequestTimeout < minRequestTimeout {
		opts.RequestTimeout = minRequestTimeout
	}
	if opts.SlotWait <= 0 {
		opts.SlotWait = defaultSlotWait
	}
	if opts.EndpointRPS <= 0 {
		opts.EndpointRPS = defaultEndpointRPS
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		registry: registry,
		doer:     doer,
		slots:    make(chan struct{}, opts.GlobalCap),
		timeout:  opts.RequestTimeout,
		slotWait: opts.SlotWait,
		rps:      opts.EndpointRPS,
		sleep:    clock.SleepWithContext,
		limiters: make(map[string]ratelimit.Limiter),
	}
}

// Fetch executes the request against the healthiest eligible endpoint,
// failing over once on transient errors. Every attempt's outcome is
// recorded against the endpoint that served it.
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case d.slots <- struct{}{}:
	default:
		// Global cap hit: shrink every endpoint's budget toward its
		// floor before queueing for a slot.
		d.registry.NoteGlobalSaturation()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d.slots <- struct{}{}:
		}
	}
	metrics.SetInFlight(len(d.slots))
	defer func() {
		<-d.slots
		metrics.SetInFlight(len(d.slots))
	}()

	tried := make(map[string]struct{}, maxAttempts)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ep, ok := d.acquireEndpoint(ctx, tried)
		if !ok {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: last attempt: %w", ErrAllEndpointsExhausted, lastErr)
			}
			return nil, ErrAllEndpointsExhausted
		}
		tried[ep.BaseURL] = struct{}{}

		res, err := d.attempt(ctx, ep, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if !Transient(err) {
			return nil, err
		}
		lastErr = err
		d.logger.Debug("attempt failed, failing over",
			zap.String("endpoint", ep.BaseURL),
			zap.String("operation", string(req.Op)),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// acquireEndpoint picks the highest-scored untried endpoint with a free
// budget slot. When every eligible endpoint is merely busy (in budget terms,
// not cooled down) it waits briefly for a slot instead of giving up.
func (d *Dispatcher) acquireEndpoint(ctx context.Context, tried map[string]struct{}) (endpoint.Snapshot, bool) {
	deadline := time.Now().Add(d.slotWait)
	for {
		sawBusy := false
		for _, ep := range d.registry.Eligible() {
			if _, done := tried[ep.BaseURL]; done {
				continue
			}
			if d.registry.Acquire(ep.BaseURL) {
				return ep, true
			}
			sawBusy = true
		}
		if !sawBusy || time.Now().After(deadline) {
			return endpoint.Snapshot{}, false
		}
		if err := d.sleep(ctx, slotPollInterval); err != nil {
			return endpoint.Snapshot{}, false
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ep endpoint.Snapshot, req Request) (*Result, error) {
	defer d.registry.Release(ep.BaseURL)

	d.limiter(ep.BaseURL).Take()

	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	res, err := d.doer.Do(actx, ep, req)
	latency := time.Since(started)

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Caller abandoned the request; not the endpoint's fault.
		return nil, ctx.Err()
	}

	var ue *UpstreamError
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &ue) {
		err = &UpstreamError{Kind: KindTimeout, Endpoint: ep.BaseURL, Err: err}
	}

	status := 0
	if errors.As(err, &ue) {
		status = ue.Status
	}

	// A definitive not-found is a healthy answer from this mirror.
	success := err == nil || errors.Is(err, ErrNotFound)
	d.registry.RecordOutcome(ep.BaseURL, success, latency, status)
	metrics.ObserveDispatch(ep.BaseURL, string(req.Op), err, started)
	metrics.SetEndpointScore(ep.BaseURL, d.registry.Score(ep.BaseURL))

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) limiter(baseURL string) ratelimit.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	rl, ok := d.limiters[baseURL]
	if !ok {
		rl = ratelimit.New(d.rps)
		d.limiters[baseURL] = rl
	}
	return rl
}

// AddressSummary fetches the canonical summary for an address.
func (d *Dispatcher) AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error) {
	res, err := d.Fetch(ctx, Request{Op: OpAddressSummary, Address: addr})
	if err != nil {
		return model.AddressSummary{}, err
	}
	if res.Summary == nil {
		return model.AddressSummary{}, &UpstreamError{Kind: KindMalformed, Err: errors.New("empty address summary")}
	}
	return *res.Summary, nil
}

// AddressTxIDs fetches one page of transaction ids for an address.
func (d *Dispatcher) AddressTxIDs(ctx context.Context, addr string, offset, limit int) ([]string, error) {
	res, err := d.Fetch(ctx, Request{Op: OpAddressTxIDs, Address: addr, Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.TxIDs, nil
}

// Transaction fetches full detail for a transaction.
func (d *Dispatcher) Transaction(ctx context.Context, txid string) (model.Transaction, error) {
	res, err := d.Fetch(ctx, Request{Op: OpTransaction, TxID: txid})
	if err != nil {
		return model.Transaction{}, err
	}
	if res.Tx == nil {
		return model.Transaction{}, &UpstreamError{Kind: KindMalformed, Err: errors.New("empty transaction detail")}
	}
	return *res.Tx, nil
}

// TipHeight fetches the current chain tip height.
func (d *Dispatcher) TipHeight(ctx context.Context) (uint32, error) {
	res, err := d.Fetch(ctx, Request{Op: OpTipHeight})
	if err != nil {
		return 0, err
	}
	return res.TipHeight, nil
}
