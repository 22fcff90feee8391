// Package sizing converts a qualified signal plus the current multiplier
// stack into a final order size. ATR is cached per symbol with a validity
// window; a stale entry forces recomputation rather than silently serving
// old volatility.
package sizing

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Multipliers is the stack applied on top of the volatility-normalized base.
type Multipliers struct {
	GPM      float64 // regime global position multiplier
	Drawdown float64 // drawdown ladder multiplier
	PVS      float64 // psychological multiplier (1.0 or 0.5)
}

// Result is the sizing outcome. Degraded marks the fixed-fallback path taken
// when volatility data is missing; it is flagged, never an error.
type Result struct {
	Size     float64 `json:"size"`
	BaseSize float64 `json:"base_size"`
	ATRPct   float64 `json:"atr_pct"`
	EdgeMult float64 `json:"edge_mult"`
	Degraded bool    `json:"degraded"`
}

type atrEntry struct {
	pct float64
	at  time.Time
}

// Sizer computes final order sizes.
type Sizer struct {
	mu    sync.Mutex
	cfg   config.SizingConfig
	cache map[string]atrEntry
}

func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg, cache: make(map[string]atrEntry)}
}

// Size computes base_risk / max(ATR%, floor), applies the multiplier stack
// and the edge bonus from |z|, and clamps to [min, max].
func (s *Sizer) Size(sig domain.TradeSignal, bars []domain.Bar, m Multipliers, now time.Time) Result {
	atrPct, ok := s.atrPercent(sig.Symbol, bars, now)

	res := Result{EdgeMult: s.edgeMultiplier(math.Abs(sig.ZScore))}
	if ok {
		res.ATRPct = atrPct
		res.BaseSize = s.cfg.BaseRiskAmount / math.Max(atrPct, s.cfg.ATRFloorPct)
	} else {
		// Degraded mode: no usable volatility, fall back to the fixed base.
		res.BaseSize = s.cfg.FallbackSize
		res.Degraded = true
		log.Warn().
			Str("symbol", sig.Symbol).
			Str("tag", "sizing_degraded").
			Msg("ATR unavailable, using fallback base size")
	}

	size := res.BaseSize * m.GPM * m.Drawdown * m.PVS * res.EdgeMult
	res.Size = math.Max(s.cfg.MinSize, math.Min(size, s.cfg.MaxSize))

	// A zeroed multiplier stack must stay zero; the min clamp applies only
	// to live sizes.
	if size <= 0 {
		res.Size = 0
	}
	return res
}

// InvalidateATR drops a symbol's cached ATR, forcing recomputation.
func (s *Sizer) InvalidateATR(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, symbol)
}

func (s *Sizer) atrPercent(symbol string, bars []domain.Bar, now time.Time) (float64, bool) {
	s.mu.Lock()
	if e, ok := s.cache[symbol]; ok && now.Sub(e.at) < s.cfg.ATRCacheValidity {
		s.mu.Unlock()
		return e.pct, true
	}
	s.mu.Unlock()

	pct, ok := domain.ATRPercent(bars, s.cfg.ATRPeriod)
	if !ok {
		return 0, false
	}

	s.mu.Lock()
	s.cache[symbol] = atrEntry{pct: pct, at: now}
	s.mu.Unlock()
	return pct, true
}

// edgeMultiplier grants a bounded bonus for signal strength beyond the bare
// qualification threshold. |z| at the threshold earns 1.0.
func (s *Sizer) edgeMultiplier(absZ float64) float64 {
	const qualifyZ = 2.0
	if absZ <= qualifyZ {
		return 1.0
	}
	bonus := (absZ - qualifyZ) / 4.0
	return 1.0 + math.Min(bonus, s.cfg.MaxEdgeBonus)
}
