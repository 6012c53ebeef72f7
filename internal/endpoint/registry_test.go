package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, cfgs ...Config) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(zap.NewNop(), cfgs)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_ScoreMonotonicUnderFailures(t *testing.T) {
	r, _ := newTestRegistry(t, Config{BaseURL: "https://a", Tier: TierPublic, Schema: SchemaEsplora})

	prev := r.Score("https://a")
	for i := 0; i < 10; i++ {
		r.RecordOutcome("https://a", false, 100*time.Millisecond, 500)
		score := r.Score("https://a")
		assert.LessOrEqual(t, score, prev, "score must not increase on failure %d", i)
		prev = score
	}
}

func TestRegistry_CooldownExcludesEndpoint(t *testing.T) {
	r, now := newTestRegistry(t,
		Config{BaseURL: "https://a", Tier: TierPublic, Schema: SchemaEsplora},
		Config{BaseURL: "https://b", Tier: TierCurated, Schema: SchemaBlockbook},
	)

	for i := 0; i < cooldownFailureThreshold; i++ {
		r.RecordOutcome("https://a", false, 50*time.Millisecond, 503)
	}

	eligible := r.Eligible()
	require.Len(t, eligible, 1)
	assert.Equal(t, "https://b", eligible[0].BaseURL)
	assert.Zero(t, r.Score("https://a"))
	assert.False(t, r.Acquire("https://a"))

	// Cooldown expires with time, not with traffic.
	*now = now.Add(cooldownDuration + time.Second)
	eligible = r.Eligible()
	require.Len(t, eligible, 2)
	assert.True(t, r.Acquire("https://a"))
}

func TestRegistry_ScoreRecoversAfterSuccesses(t *testing.T) {
	r, _ := newTestRegistry(t, Config{BaseURL: "https://a", Tier: TierCurated, Schema: SchemaEsplora})

	for i := 0; i < 5; i++ {
		r.RecordOutcome("https://a", false, 50*time.Millisecond, 500)
	}

	degraded := 0.0
	for i := 0; i < 50; i++ {
		r.RecordOutcome("https://a", true, 50*time.Millisecond, 200)
		if i == 0 {
			degraded = r.Score("https://a")
		}
	}
	assert.Greater(t, r.Score("https://a"), degraded)
}

func TestRegistry_BudgetAdaptation(t *testing.T) {
	r, _ := newTestRegistry(t, Config{BaseURL: "https://a", Tier: TierCurated, Schema: SchemaEsplora})

	floor, ceil := budgetBand(TierCurated)
	require.Equal(t, floor, r.All()[0].Budget)

	for i := 0; i < growAfterSuccesses; i++ {
		r.RecordOutcome("https://a", true, 10*time.Millisecond, 200)
	}
	assert.Equal(t, floor+1, r.All()[0].Budget)

	for i := 0; i < growAfterSuccesses*(ceil-floor); i++ {
		r.RecordOutcome("https://a", true, 10*time.Millisecond, 200)
	}
	assert.Equal(t, ceil, r.All()[0].Budget, "budget never exceeds the tier ceiling")

	r.RecordOutcome("https://a", false, 10*time.Millisecond, 429)
	assert.Equal(t, floor, r.All()[0].Budget, "budget drops to floor on failure")
}

func TestRegistry_GlobalSaturationLowersBudgets(t *testing.T) {
	r, _ := newTestRegistry(t,
		Config{BaseURL: "https://a", Tier: TierCurated, Schema: SchemaEsplora},
		Config{BaseURL: "https://b", Tier: TierCurated, Schema: SchemaBlockbook},
	)

	floor, ceil := budgetBand(TierCurated)
	for i := 0; i < growAfterSuccesses*(ceil-floor); i++ {
		r.RecordOutcome("https://a", true, 10*time.Millisecond, 200)
	}
	require.Equal(t, ceil, r.All()[0].Budget)

	r.NoteGlobalSaturation()
	assert.Equal(t, ceil-1, r.All()[0].Budget)
	assert.Equal(t, floor, r.All()[1].Budget, "an endpoint at its floor stays there")

	for i := 0; i < ceil; i++ {
		r.NoteGlobalSaturation()
	}
	assert.Equal(t, floor, r.All()[0].Budget, "budget never drops below the floor")
}

func TestRegistry_AcquireRespectsBudget(t *testing.T) {
	r, _ := newTestRegistry(t, Config{BaseURL: "https://a", Tier: TierPublic, Schema: SchemaEsplora})

	floor, _ := budgetBand(TierPublic)
	for i := 0; i < floor; i++ {
		require.True(t, r.Acquire("https://a"))
	}
	assert.False(t, r.Acquire("https://a"), "over-budget acquire must fail")

	r.Release("https://a")
	assert.True(t, r.Acquire("https://a"))
}

func TestRegistry_EligibleRanksByScoreThenTier(t *testing.T) {
	r, _ := newTestRegistry(t,
		Config{BaseURL: "https://pub", Tier: TierPublic, Schema: SchemaEsplora},
		Config{BaseURL: "https://local", Tier: TierLocal, Schema: SchemaEsplora},
	)

	// Identical stats: the local tier wins the tie-break.
	eligible := r.Eligible()
	require.Len(t, eligible, 2)
	assert.Equal(t, "https://local", eligible[0].BaseURL)

	// Degrade the local endpoint below the public one.
	r.RecordOutcome("https://local", false, 50*time.Millisecond, 500)
	r.RecordOutcome("https://pub", true, 50*time.Millisecond, 200)
	eligible = r.Eligible()
	assert.Equal(t, "https://pub", eligible[0].BaseURL)
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Config{BaseURL: "https://a", Tier: TierPublic, Schema: SchemaEsplora})
	r.RecordOutcome("https://a", true, 10*time.Millisecond, 200)

	r.Register(Config{BaseURL: "https://a", Tier: TierLocal, Schema: SchemaBlockbook})
	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(1), all[0].SuccessCount, "re-register must not reset stats")
	assert.Equal(t, TierPublic, all[0].Tier)
}
