// Package portfolio enforces aggregate exposure constraints: a net beta
// bound satisfiable through a hedge recommendation, and per-sector weight
// caps relative to a baseline.
package portfolio

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Decision is the constraint outcome for a proposed addition.
type Decision int

const (
	Approve Decision = iota
	RequireHedge
	Reject
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case RequireHedge:
		return "require_hedge"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Proposal describes the position under assessment.
type Proposal struct {
	Symbol    string
	Sector    string
	Beta      float64
	Weight    float64 // fraction of portfolio value
	Direction domain.Direction
}

// Assessment is the engine's verdict. HedgeBeta is the signed beta the hedge
// must offset when the decision is RequireHedge.
type Assessment struct {
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
	NetBeta   float64  `json:"net_beta"`   // post-trade, pre-hedge
	HedgeBeta float64  `json:"hedge_beta"` // beta the hedge must absorb
}

// Exposure is the read-only snapshot of the current book.
type Exposure struct {
	NetBeta       float64            `json:"net_beta"`
	SectorWeights map[string]float64 `json:"sector_weights"`
	Positions     int                `json:"positions"`
}

// Engine tracks live exposure and assesses proposed additions. Exposure
// mutates only on fill and close notifications.
type Engine struct {
	mu            sync.Mutex
	cfg           config.PortfolioConfig
	netBeta       float64
	sectorWeights map[string]float64
	positions     map[string]domain.Fill
}

func NewEngine(cfg config.PortfolioConfig) *Engine {
	return &Engine{
		cfg:           cfg,
		sectorWeights: make(map[string]float64),
		positions:     make(map[string]domain.Fill),
	}
}

// Assess evaluates a proposal against the sector cap and the net beta bound.
// Sector breaches reject outright; beta breaches first try a hedge, and
// reject only if hedging cannot satisfy the constraint.
func (e *Engine) Assess(p Proposal) Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()

	sectorCap := e.cfg.SectorBaselinePct * e.cfg.SectorCapMultiple / 100
	if p.Sector != "" {
		post := e.sectorWeights[p.Sector] + p.Weight
		if post > sectorCap {
			return e.logged(p, Assessment{
				Decision: Reject,
				Reason:   fmt.Sprintf("sector %s weight %.3f exceeds cap %.3f", p.Sector, post, sectorCap),
				NetBeta:  e.netBeta,
			})
		}
	}

	signedBeta := p.Beta * p.Weight
	if p.Direction == domain.Short {
		signedBeta = -signedBeta
	}
	postBeta := e.netBeta + signedBeta

	if math.Abs(postBeta) <= e.cfg.NetBetaBound {
		return e.logged(p, Assessment{Decision: Approve, NetBeta: postBeta})
	}

	// The hedge must bring |net beta| back inside the bound.
	excess := math.Abs(postBeta) - e.cfg.NetBetaBound
	if excess > e.cfg.MaxHedgeBeta {
		return e.logged(p, Assessment{
			Decision: Reject,
			Reason:   fmt.Sprintf("net beta %.4f unhedgeable (excess %.4f > max hedge %.4f)", postBeta, excess, e.cfg.MaxHedgeBeta),
			NetBeta:  postBeta,
		})
	}

	hedge := -math.Copysign(excess, postBeta)
	return e.logged(p, Assessment{Decision: RequireHedge, NetBeta: postBeta, HedgeBeta: hedge})
}

// ApplyFill folds an executed fill into the live exposure.
func (e *Engine) ApplyFill(f domain.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()

	signedBeta := f.Beta * f.Weight
	if f.Direction == domain.Short {
		signedBeta = -signedBeta
	}
	e.netBeta += signedBeta
	if f.Sector != "" {
		e.sectorWeights[f.Sector] += f.Weight
	}
	e.positions[f.Symbol] = f
}

// ApplyClose removes a position's contribution on close.
func (e *Engine) ApplyClose(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.positions[symbol]
	if !ok {
		return
	}
	signedBeta := f.Beta * f.Weight
	if f.Direction == domain.Short {
		signedBeta = -signedBeta
	}
	e.netBeta -= signedBeta
	if f.Sector != "" {
		e.sectorWeights[f.Sector] -= f.Weight
		if e.sectorWeights[f.Sector] <= 1e-12 {
			delete(e.sectorWeights, f.Sector)
		}
	}
	delete(e.positions, symbol)
}

// ActivePositions reports the number of open positions.
func (e *Engine) ActivePositions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// HasPosition reports whether the symbol is currently held.
func (e *Engine) HasPosition(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[symbol]
	return ok
}

// View returns the exposure snapshot.
func (e *Engine) View() Exposure {
	e.mu.Lock()
	defer e.mu.Unlock()

	weights := make(map[string]float64, len(e.sectorWeights))
	for k, v := range e.sectorWeights {
		weights[k] = v
	}
	return Exposure{NetBeta: e.netBeta, SectorWeights: weights, Positions: len(e.positions)}
}

func (e *Engine) logged(p Proposal, a Assessment) Assessment {
	if a.Decision != Approve {
		log.Info().
			Str("symbol", p.Symbol).
			Str("decision", a.Decision.String()).
			Str("reason", a.Reason).
			Float64("net_beta", a.NetBeta).
			Str("tag", "portfolio_constraint").
			Msg("portfolio constraint engine verdict")
	}
	return a
}

// Assessor is the interface the pipeline consumes; NoopEngine satisfies it
// for configurations that disable portfolio constraints.
type Assessor interface {
	Assess(p Proposal) Assessment
	ApplyFill(f domain.Fill)
	ApplyClose(symbol string)
	ActivePositions() int
	HasPosition(symbol string) bool
	View() Exposure
}

// NoopEngine approves everything while still tracking position counts so the
// gateway's max-positions check keeps working.
type NoopEngine struct {
	inner *Engine
}

func NewNoopEngine(cfg config.PortfolioConfig) *NoopEngine {
	return &NoopEngine{inner: NewEngine(cfg)}
}

func (n *NoopEngine) Assess(p Proposal) Assessment {
	return Assessment{Decision: Approve, NetBeta: n.inner.View().NetBeta}
}
func (n *NoopEngine) ApplyFill(f domain.Fill)        { n.inner.ApplyFill(f) }
func (n *NoopEngine) ApplyClose(symbol string)       { n.inner.ApplyClose(symbol) }
func (n *NoopEngine) ActivePositions() int           { return n.inner.ActivePositions() }
func (n *NoopEngine) HasPosition(symbol string) bool { return n.inner.HasPosition(symbol) }
func (n *NoopEngine) View() Exposure                 { return n.inner.View() }

var (
	_ Assessor = (*Engine)(nil)
	_ Assessor = (*NoopEngine)(nil)
)
