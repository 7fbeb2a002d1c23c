// Package policy decides how long short-term memories live and when the
// decay sweep may act on them.
//
// Expiry grows with importance and shrinks with the category decay rate.
// Confidence for the long-term tier blends importance with the Ebbinghaus
// forgetting curve.
package policy

import (
	"math"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Config controls expiry and confidence scoring.
type Config struct {
	// BaseTTL is the lifetime of an importance-0 record at decay rate 1.
	BaseTTL time.Duration `json:"base_ttl"`

	// MinTTL and MaxTTL clamp every computed lifetime.
	MinTTL time.Duration `json:"min_ttl"`
	MaxTTL time.Duration `json:"max_ttl"`

	// ImportanceWeight scales how much importance stretches the lifetime:
	// a record at MaxImportance lives (1 + ImportanceWeight) times longer.
	// Negative weights count as 0.
	ImportanceWeight float64 `json:"importance_weight"`

	// CategoryDecayRates divides the lifetime per category. Categories
	// without an entry, and rates <= 0, use 1.
	CategoryDecayRates map[string]float64 `json:"category_decay_rates,omitempty"`

	// DecayRate is the daily Ebbinghaus decay constant used by Confidence.
	// Typical range: 0.05-0.2
	DecayRate float64 `json:"decay_rate"`

	// ImportanceShare is the weight of normalized importance in Confidence;
	// retention gets the rest.
	ImportanceShare float64 `json:"importance_share"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		BaseTTL:          time.Hour,
		MinTTL:           time.Minute,
		MaxTTL:           7 * 24 * time.Hour,
		ImportanceWeight: 1.0,
		DecayRate:        0.1,
		ImportanceShare:  0.5,
	}
}

// ComputeExpiry returns when a record with the given importance and category
// decay rate expires if written at now.
//
//	ttl = BaseTTL * (1 + ImportanceWeight*importance/MaxImportance) / rate
//
// clamped to [MinTTL, MaxTTL].
func (c Config) ComputeExpiry(importance int, categoryDecayRate float64, now time.Time) time.Time {
	return now.Add(c.TTL(importance, categoryDecayRate))
}

// TTL is the lifetime used by ComputeExpiry.
func (c Config) TTL(importance int, categoryDecayRate float64) time.Duration {
	rate := categoryDecayRate
	if rate <= 0 {
		rate = 1.0
	}
	imp := math.Max(0, math.Min(float64(importance), types.MaxImportance))
	weight := math.Max(0, c.ImportanceWeight)
	scale := (1 + weight*imp/types.MaxImportance) / rate

	// Clamp before converting: a tiny rate can push the product past the
	// int64 range.
	f := float64(c.BaseTTL) * scale
	if c.MaxTTL > 0 && f > float64(c.MaxTTL) {
		return c.MaxTTL
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	ttl := time.Duration(f)
	if c.MinTTL > 0 && ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	return ttl
}

// DecayRateFor returns the configured decay rate of category.
func (c Config) DecayRateFor(category string) float64 {
	if rate, ok := c.CategoryDecayRates[category]; ok && rate > 0 {
		return rate
	}
	return 1.0
}

// Retention is the Ebbinghaus retention strength after elapsed time without
// access:
//
//	R = e^(-DecayRate * hours / 24)
//
// 1.0 means just accessed; it approaches 0 as time passes.
func (c Config) Retention(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	retention := math.Exp(-c.DecayRate * elapsed.Hours() / 24.0)
	return clamp01(retention)
}

// Confidence scores a record for the long-term tier from its importance and
// how long ago it was last touched.
func (c Config) Confidence(importance int, lastAccessedAt, now time.Time) float64 {
	share := clamp01(c.ImportanceShare)
	imp := clamp01(float64(importance) / types.MaxImportance)
	return clamp01(share*imp + (1-share)*c.Retention(now.Sub(lastAccessedAt)))
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0.0 {
		return 0.0
	}
	return v
}
