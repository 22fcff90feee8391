// Package regime maps a macro volatility indicator onto a coarse market
// regime with a global position multiplier. The classifier is a deliberately
// simple rule-based banding; the Classify interface is stable so a fitted
// model can replace it without touching consumers.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
)

// Label identifies the current market regime.
type Label int

const (
	LowVol Label = iota
	HighVol
	Trending
)

func (l Label) String() string {
	switch l {
	case LowVol:
		return "low_vol"
	case HighVol:
		return "high_vol"
	case Trending:
		return "trending"
	default:
		return "unknown"
	}
}

// Classification is the process-wide latest regime value. Single writer
// (the Classifier), many readers.
type Classification struct {
	Label      Label     `json:"label"`
	GPM        float64   `json:"gpm"` // global position multiplier
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Classifier converts the volatility indicator into a Classification. It
// recomputes once per refresh interval rather than on every update to avoid
// regime thrash.
type Classifier struct {
	mu   sync.RWMutex
	cfg  config.RegimeConfig
	last Classification
}

func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{
		cfg: cfg,
		// Conservative before the first observation: trending band carries
		// the smallest multiplier.
		last: Classification{Label: Trending, GPM: cfg.TrendingGPM, Confidence: 0},
	}
}

// ShouldRefresh reports whether the classification is stale for the given
// time. The first call always refreshes.
func (c *Classifier) ShouldRefresh(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.Timestamp.IsZero() || now.Sub(c.last.Timestamp) >= c.cfg.RefreshInterval
}

// Classify bands the indicator, stores the result as the current
// classification, and returns it. Confidence scales with the distance to the
// nearest band boundary.
func (c *Classifier) Classify(indicator float64, now time.Time) Classification {
	var label Label
	var gpm float64

	switch {
	case indicator < c.cfg.LowVolMax:
		label, gpm = LowVol, c.cfg.LowVolGPM
	case indicator >= c.cfg.HighVolMin:
		label, gpm = HighVol, c.cfg.HighVolGPM
	default:
		label, gpm = Trending, c.cfg.TrendingGPM
	}

	dist := math.Min(
		math.Abs(indicator-c.cfg.LowVolMax),
		math.Abs(indicator-c.cfg.HighVolMin),
	)
	confidence := math.Min(dist/c.cfg.ConfidenceScale, 1.0)

	cl := Classification{Label: label, GPM: gpm, Confidence: confidence, Timestamp: now}

	c.mu.Lock()
	prev := c.last
	c.last = cl
	c.mu.Unlock()

	if prev.Label != cl.Label && !prev.Timestamp.IsZero() {
		log.Info().
			Str("from", prev.Label.String()).
			Str("to", cl.Label.String()).
			Float64("indicator", indicator).
			Float64("gpm", cl.GPM).
			Msg("regime transition")
	}
	return cl
}

// Current returns the latest classification without recomputing.
func (c *Classifier) Current() Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
