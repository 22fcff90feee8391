// Package pipeline runs the single-threaded evaluation pass: one pass per
// market update, strict stage order, no blocking. Anything that must wait
// (dependency recovery) returns a status immediately and defers to the
// circuit breaker's timing gate.
package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/anchor"
	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/detect"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/entry"
	"github.com/sawpanic/equityrun/internal/gates"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/portfolio"
	"github.com/sawpanic/equityrun/internal/recovery"
	"github.com/sawpanic/equityrun/internal/regime"
	"github.com/sawpanic/equityrun/internal/risk"
	"github.com/sawpanic/equityrun/internal/sizing"
)

// MarketUpdate is one inbound evaluation trigger for a symbol, assembled by
// the data layer: a historical window plus the latest tick context.
type MarketUpdate struct {
	Symbol              string
	Bars                []domain.Bar // oldest first, latest bar last
	Quote               domain.Quote
	SessionPhase        domain.SessionPhase
	VolatilityIndicator float64 // macro indicator for the regime classifier
	Equity              float64 // current account equity; 0 means unchanged
	Beta                float64 // symbol beta for portfolio constraints
	Sector              string
	Timestamp           time.Time
}

// Emitter receives approved order intents. The core owns no order routing;
// this is the seam to the execution collaborator.
type Emitter func(domain.OrderIntent)

// Recorder is the optional trade journal seam.
type Recorder interface {
	RecordIntent(ctx context.Context, intent domain.OrderIntent) error
	RecordFill(ctx context.Context, fill domain.Fill) error
	RecordTradeClose(ctx context.Context, res domain.TradeResult) error
}

// Advisor observes qualified signals before they are held for timing
// confirmation. This is the extension seam for future analytics layers
// (options flow, sector breadth); advisors annotate and log, they have no
// veto over the decision chain.
type Advisor interface {
	Advise(sig domain.TradeSignal)
}

// NoopRecorder discards everything; used when the journal is disabled.
type NoopRecorder struct{}

func (NoopRecorder) RecordIntent(context.Context, domain.OrderIntent) error   { return nil }
func (NoopRecorder) RecordFill(context.Context, domain.Fill) error            { return nil }
func (NoopRecorder) RecordTradeClose(context.Context, domain.TradeResult) error { return nil }

// Pipeline owns the single-writer risk state objects and wires the stages
// together. It is the only writer of Regime, DrawdownState, and PVSState;
// every other component reads snapshots.
type Pipeline struct {
	mu  sync.Mutex
	cfg *config.Config

	classifier *regime.Classifier
	drawdown   *risk.DrawdownLadder
	pvs        *risk.PVSMonitor
	detector   *detect.Detector
	anchors    *anchor.Tracker
	cascade    gates.CascadeEvaluator
	sizer      *sizing.Sizer
	entries    *entry.Machine
	gateway    *gates.Gateway
	breaker    *recovery.Breaker
	book       portfolio.Assessor

	cooldowns map[string]time.Time // symbol -> cooldown expiry
	advisors  []Advisor
	metrics   *metrics.Registry
	journal   Recorder
	emit      Emitter
}

// New assembles a pipeline from configuration. The capability set decides
// which optional governors are live; inactive ones become no-ops of the same
// interface rather than scattered nil checks.
func New(cfg *config.Config, startingEquity float64, reg *metrics.Registry, emit Emitter) *Pipeline {
	var cascadeGate gates.CascadeEvaluator = gates.NewCascadeGate(cfg.Cascade)
	if !cfg.Capabilities.CascadePrevention {
		cascadeGate = gates.NoopCascadeGate{}
	}
	var book portfolio.Assessor = portfolio.NewEngine(cfg.Portfolio)
	if !cfg.Capabilities.PortfolioConstraints {
		book = portfolio.NewNoopEngine(cfg.Portfolio)
	}

	p := &Pipeline{
		cfg:        cfg,
		classifier: regime.NewClassifier(cfg.Regime),
		drawdown:   risk.NewDrawdownLadder(cfg.Drawdown, startingEquity),
		pvs:        risk.NewPVSMonitor(cfg.PVS),
		detector:   detect.NewDetector(cfg.Detector),
		anchors:    anchor.NewTracker(cfg.Anchor),
		cascade:    cascadeGate,
		sizer:      sizing.NewSizer(cfg.Sizing),
		entries:    entry.NewMachine(cfg.Entry),
		gateway:    gates.NewGateway(cfg.Gateway, cfg.PVS.HaltLevel),
		breaker:    recovery.NewBreaker(cfg.Recovery),
		book:       book,
		cooldowns:  make(map[string]time.Time),
		metrics:    reg,
		journal:    NoopRecorder{},
		emit:       emit,
	}

	p.drawdown.OnRungChange(func(c risk.RungChange) {
		if reg != nil {
			reg.RungChanges.Inc()
			reg.CurrentRung.Set(float64(c.To))
		}
	})
	p.breaker.OnTransition(func(key string, state recovery.CircuitState) {
		if reg != nil {
			reg.BreakerTransitions.WithLabelValues(key, string(state)).Inc()
		}
	})
	return p
}

// SetRecorder attaches a trade journal.
func (p *Pipeline) SetRecorder(r Recorder) {
	if r != nil {
		p.journal = r
	}
}

// RestoredState is the durable governor state reloaded from a checkpoint at
// startup.
type RestoredState struct {
	PeakEquity float64
	Equity     float64
	Rung       int
	Fear       float64
	Fatigue    float64
	WinRate    float64
	Cooldowns  map[string]time.Time // symbol -> expiry
}

// Restore seeds the drawdown ladder, PVS sub-scores, and cooldown records
// from a checkpoint so a restart does not reset the governors. Must run
// before the evaluation loop starts; expired cooldowns are dropped on entry.
func (p *Pipeline) Restore(rs RestoredState, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drawdown.Restore(rs.PeakEquity, rs.Equity, rs.Rung)
	p.pvs.Restore(rs.Fear, rs.Fatigue, rs.WinRate)
	for sym, until := range rs.Cooldowns {
		if now.Before(until) {
			p.cooldowns[sym] = until
		}
	}
	if p.metrics != nil {
		p.metrics.CurrentRung.Set(float64(p.drawdown.Rung()))
		p.metrics.PVSComposite.Set(p.pvs.Composite())
	}
}

// AddAdvisor registers an observing analytics layer. Must be called before
// the evaluation loop starts.
func (p *Pipeline) AddAdvisor(a Advisor) {
	if a != nil {
		p.advisors = append(p.advisors, a)
	}
}

// Breaker exposes the recovery circuit breaker for the data-pull loop.
func (p *Pipeline) Breaker() *recovery.Breaker { return p.breaker }

// Evaluate runs one pass for one market update. A fault inside the pass is
// contained to this symbol and never reaches sibling evaluations.
func (p *Pipeline) Evaluate(ctx context.Context, u MarketUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("symbol", u.Symbol).
				Interface("panic", r).
				Str("tag", "evaluation_fault").
				Msg("symbol evaluation fault isolated")
		}
	}()

	start := time.Now()
	now := u.Timestamp
	if now.IsZero() {
		now = start
	}

	// Stage 1: refresh the shared multiplier state before anything sizes
	// against it. Skipping this risks stale-multiplier sizing.
	p.refreshState(u, now)

	// Housekeeping: expired anchors and pending entries.
	p.anchors.ExpireDue(now)
	for range p.entries.ExpireDue(now) {
		if p.metrics != nil {
			p.metrics.EntriesExpired.Inc()
		}
	}
	if len(u.Bars) > 0 {
		p.anchors.Update(u.Symbol, u.Bars[len(u.Bars)-1])
	}

	// Stage 2: a previously armed entry may confirm on this update; the
	// gateway re-validates everything before submission.
	p.tryConfirm(ctx, u, now)

	// Stage 3: fresh detection for this symbol.
	ev := p.detector.Scan(u.Symbol, detect.Inputs{
		Bars:           u.Bars,
		BaselineVolume: baselineVolume(u.Bars),
		SessionPhase:   u.SessionPhase,
	}, now)
	if ev == nil {
		p.observePass(start)
		return
	}
	if p.metrics != nil {
		p.metrics.ExtremesDetected.WithLabelValues(ev.Direction.String()).Inc()
	}

	price := u.Bars[len(u.Bars)-1].Close
	p.anchors.Anchor(*ev, price)

	cl := p.classifier.Current()
	sig := domain.TradeSignal{
		Symbol:           ev.Symbol,
		Direction:        ev.Direction,
		ZScore:           ev.ZScore,
		RegimeLabel:      cl.Label.String(),
		RegimeConfidence: cl.Confidence,
		PVSComposite:     p.pvs.Composite(),
		CreatedAt:        now,
	}

	// Stage 4: advisory cascade gate.
	cascadeRes := p.cascade.Evaluate(sig, gates.CascadeInputs{
		ConsecutiveLosses: p.pvs.ConsecutiveLosses(),
		PVSComposite:      sig.PVSComposite,
		TradesLastHour:    p.pvs.TradesInWindow(now),
		RegimeConfidence:  cl.Confidence,
	})
	if p.metrics != nil {
		for _, v := range cascadeRes.Violations {
			p.metrics.CascadeViolations.WithLabelValues(string(v)).Inc()
		}
	}
	if cascadeRes.Blocked {
		p.observePass(start)
		return
	}

	// Stage 5: sizing against the freshly refreshed multipliers.
	sized := p.sizer.Size(sig, u.Bars, sizing.Multipliers{
		GPM:      cl.GPM,
		Drawdown: p.drawdown.Multiplier(),
		PVS:      p.pvs.SizingMultiplier(),
	}, now)
	if sized.Degraded && p.metrics != nil {
		p.metrics.DegradedSizings.Inc()
	}
	sig.ProposedSize = sized.Size

	// Portfolio constraints: reject kills the signal, require-hedge attaches
	// a recommendation and proceeds.
	assessment := p.book.Assess(portfolio.Proposal{
		Symbol:    u.Symbol,
		Sector:    u.Sector,
		Beta:      u.Beta,
		Weight:    positionWeight(sized.Size, u.Equity),
		Direction: sig.Direction,
	})
	switch assessment.Decision {
	case portfolio.Reject:
		p.observePass(start)
		return
	case portfolio.RequireHedge:
		log.Info().
			Str("symbol", u.Symbol).
			Float64("hedge_beta", assessment.HedgeBeta).
			Str("tag", "hedge_recommended").
			Msg("entry requires hedge to satisfy beta bound")
	}

	for _, a := range p.advisors {
		a.Advise(sig)
	}

	// Stage 6: hold for timing confirmation.
	if _, armed := p.entries.Arm(sig, now); armed && p.metrics != nil {
		p.metrics.EntriesArmed.Inc()
	}

	p.observePass(start)
}

// OnFill applies a broker fill notification: exposure, in-flight clearing,
// journal.
func (p *Pipeline) OnFill(ctx context.Context, f domain.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.book.ApplyFill(f)
	p.gateway.ClearInFlight(f.Symbol)
	if p.metrics != nil {
		p.metrics.Fills.Inc()
	}
	if err := p.journal.RecordFill(ctx, f); err != nil {
		log.Error().Err(err).Str("symbol", f.Symbol).Msg("journal fill write failed")
	}
	log.Info().
		Str("symbol", f.Symbol).
		Float64("size", f.Size).
		Float64("price", f.Price).
		Str("tag", "fill").
		Msg("fill applied")
}

// OnRejection releases the in-flight mark after a broker rejection.
func (p *Pipeline) OnRejection(symbol string, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gateway.ClearInFlight(symbol)
	log.Warn().Str("symbol", symbol).Str("reason", reason).Str("tag", "order_rejected").Msg("order rejected by broker")
}

// OnTradeClosed folds a closed round-trip into PVS, cooldown, drawdown, and
// exposure state. equity is the post-close account equity.
func (p *Pipeline) OnTradeClosed(ctx context.Context, res domain.TradeResult, equity float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pvs.RecordTradeClose(res)
	if p.metrics != nil {
		p.metrics.PVSComposite.Set(p.pvs.Composite())
	}
	p.cooldowns[res.Symbol] = res.ClosedAt.Add(p.cfg.Cooldown.TradeCooldown)
	p.book.ApplyClose(res.Symbol)
	p.anchors.Close(res.Symbol)
	if equity > 0 {
		p.drawdown.UpdateEquity(equity, res.ClosedAt)
	}
	if err := p.journal.RecordTradeClose(ctx, res); err != nil {
		log.Error().Err(err).Str("symbol", res.Symbol).Msg("journal close write failed")
	}
}

// InCooldown reports whether a symbol is inside its post-exit cooldown.
func (p *Pipeline) InCooldown(symbol string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inCooldownLocked(symbol, now)
}

func (p *Pipeline) inCooldownLocked(symbol string, now time.Time) bool {
	until, ok := p.cooldowns[symbol]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(p.cooldowns, symbol)
	return false
}

func (p *Pipeline) refreshState(u MarketUpdate, now time.Time) {
	p.pvs.Tick(now)
	if p.metrics != nil {
		p.metrics.PVSComposite.Set(p.pvs.Composite())
	}
	if u.Equity > 0 {
		p.drawdown.UpdateEquity(u.Equity, now)
	}
	p.drawdown.RecoveryCheck(now)
	if p.classifier.ShouldRefresh(now) && u.VolatilityIndicator > 0 {
		p.classifier.Classify(u.VolatilityIndicator, now)
	}
}

// tryConfirm checks the timing condition for a waiting entry on this symbol
// and, when confirmed, runs the final gateway validation.
func (p *Pipeline) tryConfirm(ctx context.Context, u MarketUpdate, now time.Time) {
	pe, ok := p.entries.Pending(u.Symbol)
	if !ok || pe.State != entry.Waiting {
		return
	}
	if !timingConfirmed(pe.Signal.Direction, u.Bars) {
		return
	}
	confirmed := p.entries.Confirm(u.Symbol, now)
	if confirmed == nil {
		return
	}

	spreadBps, spreadKnown := u.Quote.SpreadBps()
	res := p.gateway.Evaluate(confirmed.Signal, gates.GatewayInputs{
		DrawdownMultiplier: p.drawdown.Multiplier(),
		PVSComposite:       p.pvs.Composite(),
		SpreadBps:          spreadBps,
		SpreadKnown:        spreadKnown,
		ActivePositions:    p.book.ActivePositions(),
		InCooldown:         p.inCooldownLocked(u.Symbol, now),
		Size:               confirmed.Signal.ProposedSize,
	}, now)

	if !res.Approved {
		if p.metrics != nil {
			p.metrics.GuardBlocks.WithLabelValues(string(res.Reason)).Inc()
		}
		return
	}

	if p.metrics != nil {
		p.metrics.IntentsEmitted.Inc()
	}
	if err := p.journal.RecordIntent(ctx, *res.Intent); err != nil {
		log.Error().Err(err).Str("symbol", u.Symbol).Msg("journal intent write failed")
	}
	if p.emit != nil {
		p.emit(*res.Intent)
	}
}

// timingConfirmed is the entry-timing condition: the latest bar closes in
// the trade's direction, i.e. the reversion has started.
func timingConfirmed(dir domain.Direction, bars []domain.Bar) bool {
	if len(bars) < 2 {
		return false
	}
	last, prev := bars[len(bars)-1], bars[len(bars)-2]
	if !last.Valid() || !prev.Valid() {
		return false
	}
	if dir == domain.Long {
		return last.Close > prev.Close
	}
	return last.Close < prev.Close
}

func (p *Pipeline) observePass(start time.Time) {
	if p.metrics != nil {
		p.metrics.PassDuration.Observe(time.Since(start).Seconds())
	}
}

// baselineVolume is the trailing mean per-bar volume excluding the latest
// bar, which is the one under test.
func baselineVolume(bars []domain.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	sum := 0.0
	for _, b := range bars[:len(bars)-1] {
		sum += b.Volume
	}
	return sum / float64(len(bars)-1)
}

func positionWeight(size, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	return math.Min(size/equity, 1.0)
}
