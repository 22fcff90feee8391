package gates

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// ReasonCode is the stable tag attached to every gateway refusal. Exactly one
// reason is returned per failure: the first failing check in the fixed order.
type ReasonCode string

const (
	ReasonNone            ReasonCode = ""
	ReasonDailyLimit      ReasonCode = "DAILY_TRADE_LIMIT"
	ReasonDrawdownHalt    ReasonCode = "DRAWDOWN_HALT"
	ReasonPVSHalt         ReasonCode = "PVS_HALT"
	ReasonSpreadTooWide   ReasonCode = "SPREAD_TOO_WIDE"
	ReasonMaxPositions    ReasonCode = "MAX_POSITIONS"
	ReasonCooldownActive  ReasonCode = "COOLDOWN_ACTIVE"
	ReasonSizeTooSmall    ReasonCode = "SIZE_TOO_SMALL"
	ReasonAlreadyInFlight ReasonCode = "ALREADY_IN_FLIGHT"
)

// GatewayInputs is everything the gateway re-validates immediately before
// submission. SpreadKnown=false means the quote is unavailable and the spread
// check fails worst-case.
type GatewayInputs struct {
	DrawdownMultiplier float64
	PVSComposite       float64
	SpreadBps          float64
	SpreadKnown        bool
	ActivePositions    int
	InCooldown         bool
	Size               float64
}

// GatewayResult reports the decision. On approval Intent is populated and
// the symbol is marked in-flight.
type GatewayResult struct {
	Approved bool                `json:"approved"`
	Reason   ReasonCode          `json:"reason"`
	Intent   *domain.OrderIntent `json:"intent,omitempty"`
}

// Gateway is the final, ordered, short-circuiting validation stage. It has
// final authority over earlier advisory gates.
type Gateway struct {
	mu         sync.Mutex
	cfg        config.GatewayConfig
	pvsHalt    float64
	inFlight   map[string]time.Time
	dailyCount int
	day        time.Time // UTC midnight of the counted day
}

func NewGateway(cfg config.GatewayConfig, pvsHaltLevel float64) *Gateway {
	return &Gateway{
		cfg:      cfg,
		pvsHalt:  pvsHaltLevel,
		inFlight: make(map[string]time.Time),
	}
}

// Evaluate runs the check cascade in its fixed order and returns exactly one
// reason on failure. On success it marks the symbol in-flight to prevent
// duplicate submission and returns the order intent for the execution
// collaborator.
func (g *Gateway) Evaluate(sig domain.TradeSignal, in GatewayInputs, now time.Time) GatewayResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked(now)
	g.expireInFlightLocked(now)

	if _, dup := g.inFlight[sig.Symbol]; dup {
		return g.refuse(sig, ReasonAlreadyInFlight)
	}

	// Check 1: daily trade count.
	if g.dailyCount >= g.cfg.MaxTradesPerDay {
		return g.refuse(sig, ReasonDailyLimit)
	}
	// Check 2: drawdown ladder must permit entries at all.
	if in.DrawdownMultiplier <= 0 {
		return g.refuse(sig, ReasonDrawdownHalt)
	}
	// Check 3: psychological halt.
	if in.PVSComposite >= g.pvsHalt {
		return g.refuse(sig, ReasonPVSHalt)
	}
	// Check 4: spread; an unavailable quote is worst-case and fails.
	if !in.SpreadKnown || in.SpreadBps > g.cfg.MaxSpreadBps {
		return g.refuse(sig, ReasonSpreadTooWide)
	}
	// Check 5: position count.
	if in.ActivePositions >= g.cfg.MaxPositions {
		return g.refuse(sig, ReasonMaxPositions)
	}
	// Check 6: symbol trade cooldown.
	if in.InCooldown {
		return g.refuse(sig, ReasonCooldownActive)
	}
	// Check 7: minimum viable size.
	if in.Size < g.cfg.MinViableSize {
		return g.refuse(sig, ReasonSizeTooSmall)
	}

	g.inFlight[sig.Symbol] = now.Add(g.cfg.InFlightTTL)
	g.dailyCount++

	intent := &domain.OrderIntent{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Size:      in.Size,
		ReasonTag: "extreme_reversion",
		CreatedAt: now,
	}

	log.Info().
		Str("symbol", sig.Symbol).
		Str("intent_id", intent.ID).
		Float64("size", in.Size).
		Str("tag", "entry_approved").
		Msg("execution gateway approved entry")

	return GatewayResult{Approved: true, Reason: ReasonNone, Intent: intent}
}

// ClearInFlight releases a symbol's in-flight mark; called on fill or
// rejection notifications.
func (g *Gateway) ClearInFlight(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, symbol)
}

// InFlight reports whether a symbol is currently marked.
func (g *Gateway) InFlight(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[symbol]
	return ok
}

// DailyCount returns trades approved in the current UTC day.
func (g *Gateway) DailyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyCount
}

func (g *Gateway) refuse(sig domain.TradeSignal, reason ReasonCode) GatewayResult {
	log.Info().
		Str("symbol", sig.Symbol).
		Str("reason", string(reason)).
		Str("tag", "entry_blocked").
		Msg("execution gateway blocked entry")
	return GatewayResult{Approved: false, Reason: reason}
}

func (g *Gateway) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.dailyCount = 0
	}
}

// expireInFlightLocked drops marks whose safety TTL elapsed; a lost broker
// notification must not wedge a symbol forever.
func (g *Gateway) expireInFlightLocked(now time.Time) {
	for sym, until := range g.inFlight {
		if now.After(until) {
			delete(g.inFlight, sym)
		}
	}
}
