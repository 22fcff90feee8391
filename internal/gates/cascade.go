// Package gates holds the two decision gates: the advisory cascade
// prevention gate and the authoritative execution gateway. Both report
// outcomes with stable reason tags; nothing here is dropped silently.
package gates

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Violation identifies one cascade rule breach.
type Violation string

const (
	ViolationWeakSignal          Violation = "weak_signal"
	ViolationLossStreak          Violation = "loss_streak"
	ViolationPsychologicalHalt   Violation = "psychological_halt"
	ViolationTradeFatigue        Violation = "trade_fatigue"
	ViolationLowRegimeConfidence Violation = "low_regime_confidence"
)

// CascadeInputs is the risk context evaluated against the rules. The
// violation set is recomputed fresh on every call; nothing carries over.
type CascadeInputs struct {
	ConsecutiveLosses int
	PVSComposite      float64
	TradesLastHour    int
	RegimeConfidence  float64
}

// CascadeResult always carries the full violation set, even when the trade
// is allowed, for observability.
type CascadeResult struct {
	Blocked    bool        `json:"blocked"`
	Violations []Violation `json:"violations"`
}

// CascadeGate pre-filters a proposed signal. It is advisory: the execution
// gateway re-validates with final authority.
type CascadeGate struct {
	cfg config.CascadeConfig
}

func NewCascadeGate(cfg config.CascadeConfig) *CascadeGate {
	return &CascadeGate{cfg: cfg}
}

// Evaluate applies every rule independently and blocks when the violation
// count reaches the cascade threshold.
func (g *CascadeGate) Evaluate(sig domain.TradeSignal, in CascadeInputs) CascadeResult {
	violations := make([]Violation, 0, 5)

	// Strength is |z|: a -2.5 against a 2.0 threshold is strong, not weak.
	if math.Abs(sig.ZScore) < g.cfg.MinEdgeThreshold {
		violations = append(violations, ViolationWeakSignal)
	}
	if in.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		violations = append(violations, ViolationLossStreak)
	}
	if in.PVSComposite >= g.cfg.PsychologicalHalt {
		violations = append(violations, ViolationPsychologicalHalt)
	}
	if in.TradesLastHour >= g.cfg.TradesPerHourCap {
		violations = append(violations, ViolationTradeFatigue)
	}
	if in.RegimeConfidence < g.cfg.MinRegimeConfidence {
		violations = append(violations, ViolationLowRegimeConfidence)
	}

	blocked := len(violations) >= g.cfg.CascadeThreshold
	if blocked {
		log.Warn().
			Str("symbol", sig.Symbol).
			Int("violations", len(violations)).
			Interface("rules", violations).
			Str("tag", "cascade_block").
			Msg("cascade prevention gate blocked signal")
	}
	return CascadeResult{Blocked: blocked, Violations: violations}
}

// NoopCascadeGate satisfies the same surface for configurations that disable
// cascade prevention; it reports an empty violation set and never blocks.
type NoopCascadeGate struct{}

func (NoopCascadeGate) Evaluate(domain.TradeSignal, CascadeInputs) CascadeResult {
	return CascadeResult{Violations: []Violation{}}
}

// CascadeEvaluator is the interface both gate implementations satisfy.
type CascadeEvaluator interface {
	Evaluate(sig domain.TradeSignal, in CascadeInputs) CascadeResult
}

var (
	_ CascadeEvaluator = (*CascadeGate)(nil)
	_ CascadeEvaluator = NoopCascadeGate{}
)
