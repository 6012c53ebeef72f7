package endpoint

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	cooldownFailureThreshold = 3
	cooldownDuration         = 30 * time.Second
	growAfterSuccesses       = 20

	// score = successWeight*rate + latencyWeight*latencyFactor
	successWeight = 0.7
	latencyWeight = 0.3

	// EWMA smoothing for the rolling success rate and latency.
	rateAlpha    = 0.2
	latencyAlpha = 0.2
)

type record struct {
	mu sync.Mutex

	cfg    Config
	floor  int
	ceil   int
	budget int

	inFlight             int
	successCount         uint64
	failureCount         uint64
	consecutiveFailures  int
	consecutiveSuccesses int
	successRate          float64
	meanLatency          time.Duration
	cooldownUntil        time.Time
	lastSuccess          time.Time
	lastFailure          time.Time
}

// Registry owns every Endpoint record and is the single writer for their
// rolling statistics. Endpoints are never removed, only cooled down.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	byURL   map[string]*record
	ordered []string
}

// NewRegistry builds a registry pre-populated with the given endpoints.
func NewRegistry(logger *zap.Logger, cfgs []Config) *Registry {
	r := &Registry{
		logger: logger.Named("endpoints"),
		now:    time.Now,
		byURL:  make(map[string]*record),
	}
	for _, cfg := range cfgs {
		r.Register(cfg)
	}
	return r
}

// Register adds an endpoint. Re-registering an existing base URL is a no-op
// so a refresh cannot reset accumulated health state.
func (r *Registry) Register(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byURL[cfg.BaseURL]; ok {
		return
	}
	floor, ceil := budgetBand(cfg.Tier)
	r.byURL[cfg.BaseURL] = &record{
		cfg:         cfg,
		floor:       floor,
		ceil:        ceil,
		budget:      floor,
		successRate: 1,
	}
	r.ordered = append(r.ordered, cfg.BaseURL)
	r.logger.Info("endpoint registered",
		zap.String("base_url", cfg.BaseURL),
		zap.Stringer("tier", cfg.Tier),
		zap.String("schema", string(cfg.Schema)),
	)
}

func (r *Registry) record(baseURL string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byURL[baseURL]
}

// All returns snapshots of every registered endpoint in registration order.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	urls := append([]string(nil), r.ordered...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(urls))
	for _, u := range urls {
		if rec := r.record(u); rec != nil {
			out = append(out, r.snapshot(rec))
		}
	}
	return out
}

// Eligible returns snapshots of endpoints that are not in cooldown, ranked
// by score descending with tier as the tie-break.
func (r *Registry) Eligible() []Snapshot {
	all := r.All()
	out := all[:0]
	for _, s := range all {
		if s.Healthy {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// Score returns the current health score for an endpoint, 0 if unknown or
// in cooldown.
func (r *Registry) Score(baseURL string) float64 {
	rec := r.record(baseURL)
	if rec == nil {
		return 0
	}
	return r.snapshot(rec).Score
}

// Acquire reserves an in-flight slot on the endpoint. It fails when the
// endpoint is unknown, in cooldown, or at its current budget.
func (r *Registry) Acquire(baseURL string) bool {
	rec := r.record(baseURL)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if r.now().Before(rec.cooldownUntil) {
		return false
	}
	if rec.inFlight >= rec.budget {
		return false
	}
	rec.inFlight++
	return true
}

// Release returns a slot reserved by Acquire.
func (r *Registry) Release(baseURL string) {
	rec := r.record(baseURL)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.inFlight > 0 {
		rec.inFlight--
	}
}

// NoteGlobalSaturation lowers every endpoint's budget by one toward its
// floor. Called when the global in-flight cap is hit, so the pool backs off
// as a whole instead of piling more work onto individual mirrors.
func (r *Registry) NoteGlobalSaturation() {
	r.mu.RLock()
	urls := append([]string(nil), r.ordered...)
	r.mu.RUnlock()

	for _, u := range urls {
		rec := r.record(u)
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		if rec.budget > rec.floor {
			rec.budget--
			rec.consecutiveSuccesses = 0
			r.logger.Debug("endpoint budget lowered on saturation",
				zap.String("base_url", u), zap.Int("budget", rec.budget))
		}
		rec.mu.Unlock()
	}
}

// RecordOutcome folds one completed attempt into the endpoint's rolling
// statistics. Every attempt, retried or not, must be recorded here.
func (r *Registry) RecordOutcome(baseURL string, success bool, latency time.Duration, status int) {
	rec := r.record(baseURL)
	if rec == nil {
		return
	}
	now := r.now()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.meanLatency == 0 {
		rec.meanLatency = latency
	} else {
		rec.meanLatency = time.Duration(float64(rec.meanLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}

	if success {
		rec.successCount++
		rec.consecutiveFailures = 0
		rec.consecutiveSuccesses++
		rec.lastSuccess = now
		rec.successRate = rec.successRate*(1-rateAlpha) + rateAlpha
		if rec.consecutiveSuccesses >= growAfterSuccesses && rec.budget < rec.ceil {
			rec.budget++
			rec.consecutiveSuccesses = 0
			r.logger.Debug("endpoint budget raised",
				zap.String("base_url", baseURL), zap.Int("budget", rec.budget))
		}
		return
	}

	rec.failureCount++
	rec.consecutiveSuccesses = 0
	rec.consecutiveFailures++
	rec.lastFailure = now
	rec.successRate = rec.successRate * (1 - rateAlpha)
	rec.budget = rec.floor
	if rec.consecutiveFailures >= cooldownFailureThreshold {
		rec.cooldownUntil = now.Add(cooldownDuration)
		r.logger.Warn("endpoint placed in cooldown",
			zap.String("base_url", baseURL),
			zap.Int("consecutive_failures", rec.consecutiveFailures),
			zap.Int("status", status),
			zap.Time("until", rec.cooldownUntil),
		)
	}
}

func (r *Registry) snapshot(rec *record) Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := r.now()
	healthy := !now.Before(rec.cooldownUntil)

	score := 0.0
	if healthy {
		latencyFactor := 1.0 / (1.0 + rec.meanLatency.Seconds())
		score = successWeight*rec.successRate + latencyWeight*latencyFactor
		if score > 1 {
			score = 1
		}
	}

	return Snapshot{
		BaseURL:             rec.cfg.BaseURL,
		Tier:                rec.cfg.Tier,
		Schema:              rec.cfg.Schema,
		Healthy:             healthy,
		Score:               score,
		Budget:              rec.budget,
		InFlight:            rec.inFlight,
		SuccessCount:        rec.successCount,
		FailureCount:        rec.failureCount,
		ConsecutiveFailures: rec.consecutiveFailures,
		MeanLatency:         rec.meanLatency,
		CooldownUntil:       rec.cooldownUntil,
		LastSuccess:         rec.lastSuccess,
		LastFailure:         rec.lastFailure,
	}
}
