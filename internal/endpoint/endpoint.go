// Package endpoint tracks the pool of upstream block-explorer mirrors and
// their health.
package endpoint

import (
	"fmt"
	"time"
)

// Tier ranks an endpoint by trust and locality. Lower is preferred.
type Tier int

const (
	TierLocal   Tier = 0
	TierCurated Tier = 1
	TierPublic  Tier = 2
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierCurated:
		return "curated"
	default:
		return "public"
	}
}

// ParseTier maps a configuration token to a tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "local":
		return TierLocal, nil
	case "curated":
		return TierCurated, nil
	case "public":
		return TierPublic, nil
	default:
		return 0, fmt.Errorf("unknown endpoint tier %q", s)
	}
}

// ParseSchema maps a configuration token to a response schema.
func ParseSchema(s string) (Schema, error) {
	switch Schema(s) {
	case SchemaEsplora:
		return SchemaEsplora, nil
	case SchemaBlockbook:
		return SchemaBlockbook, nil
	default:
		return "", fmt.Errorf("unknown endpoint schema %q", s)
	}
}

// Schema identifies the upstream response shape an endpoint speaks.
type Schema string

const (
	SchemaEsplora   Schema = "esplora"
	SchemaBlockbook Schema = "blockbook"
)

// Config describes an endpoint at registration time.
type Config struct {
	BaseURL string
	Tier    Tier
	Schema  Schema
}

// budgetBand returns the floor and ceiling of the floating concurrency
// budget for a tier.
func budgetBand(tier Tier) (floor, ceiling int) {
	switch tier {
	case TierLocal:
		return 3, 6
	case TierCurated:
		return 2, 6
	default:
		return 2, 4
	}
}

// Snapshot is a point-in-time read of one endpoint's state. Snapshots are
// value copies; holding one never blocks the tracker's write path.
type Snapshot struct {
	BaseURL             string
	Tier                Tier
	Schema              Schema
	Healthy             bool
	Score               float64
	Budget              int
	InFlight            int
	SuccessCount        uint64
	FailureCount        uint64
	ConsecutiveFailures int
	MeanLatency         time.Duration
	CooldownUntil       time.Time
	LastSuccess         time.Time
	LastFailure         time.Time
}
