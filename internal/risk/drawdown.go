// Package risk owns the account-level governors: the drawdown ladder and the
// psychological vulnerability monitor. Both are single-writer state objects;
// everything else reads them through snapshot views.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
)

// RungChange is emitted on every ladder transition, in both directions.
type RungChange struct {
	From     int       `json:"from"`
	To       int       `json:"to"`
	Drawdown float64   `json:"drawdown_pct"`
	At       time.Time `json:"at"`
}

// DrawdownView is the read-only snapshot handed to consumers.
type DrawdownView struct {
	PeakEquity  float64 `json:"peak_equity"`
	Equity      float64 `json:"equity"`
	DrawdownPct float64 `json:"drawdown_pct"`
	Rung        int     `json:"rung"`
	Multiplier  float64 `json:"multiplier"`
}

// DrawdownLadder maps drawdown from peak equity onto a discrete sizing rung.
// Escalation is immediate on crossing a threshold; de-escalation happens only
// through the explicit recovery check, so small drawdown improvements near a
// boundary cannot oscillate the rung. Rung 4 halts all new entries.
type DrawdownLadder struct {
	mu                sync.RWMutex
	cfg               config.DrawdownConfig
	peakEquity        float64
	equity            float64
	rung              int
	lastRecoveryCheck time.Time
	onChange          func(RungChange)
}

func NewDrawdownLadder(cfg config.DrawdownConfig, startingEquity float64) *DrawdownLadder {
	return &DrawdownLadder{
		cfg:        cfg,
		peakEquity: startingEquity,
		equity:     startingEquity,
	}
}

// OnRungChange registers a single observer for ladder transitions.
func (l *DrawdownLadder) OnRungChange(fn func(RungChange)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// UpdateEquity records the latest portfolio equity and escalates the rung if
// a threshold was crossed. It never de-escalates.
func (l *DrawdownLadder) UpdateEquity(equity float64, now time.Time) *RungChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	if equity <= 0 {
		return nil
	}
	l.equity = equity
	if equity > l.peakEquity {
		l.peakEquity = equity
	}

	target := l.rungFor(l.drawdownLocked())
	if target <= l.rung {
		return nil
	}
	return l.transitionLocked(target, now)
}

// RecoveryCheck is the only de-escalation path. It runs at most once per
// configured interval, drops a single rung per invocation, and requires the
// drawdown to sit below the rung's entry threshold by the hysteresis margin.
func (l *DrawdownLadder) RecoveryCheck(now time.Time) *RungChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastRecoveryCheck.IsZero() && now.Sub(l.lastRecoveryCheck) < l.cfg.RecoveryInterval {
		return nil
	}
	l.lastRecoveryCheck = now

	if l.rung == 0 {
		return nil
	}
	entry := l.cfg.Thresholds[l.rung-1]
	if l.drawdownLocked() >= entry-l.cfg.RecoveryHysteresis {
		return nil
	}
	return l.transitionLocked(l.rung-1, now)
}

// Reset clears the ladder back to rung 0 with a fresh peak. This is the
// explicit session reset; nothing else lowers the rung to zero directly.
func (l *DrawdownLadder) Reset(equity float64, now time.Time) *RungChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peakEquity = equity
	l.equity = equity
	l.lastRecoveryCheck = time.Time{}
	if l.rung == 0 {
		return nil
	}
	return l.transitionLocked(0, now)
}

// Restore seeds the ladder from persisted state at startup. It bypasses the
// transition path: no rung-change event fires for state that predates this
// process.
func (l *DrawdownLadder) Restore(peakEquity, equity float64, rung int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if peakEquity > 0 {
		l.peakEquity = peakEquity
	}
	if equity > 0 {
		l.equity = equity
	}
	if rung >= 0 && rung <= len(l.cfg.Thresholds) {
		l.rung = rung
	}
	log.Info().
		Float64("peak_equity", l.peakEquity).
		Int("rung", l.rung).
		Str("tag", "drawdown_restored").
		Msg("drawdown ladder restored from checkpoint")
}

// View returns a read-only snapshot of the ladder state.
func (l *DrawdownLadder) View() DrawdownView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return DrawdownView{
		PeakEquity:  l.peakEquity,
		Equity:      l.equity,
		DrawdownPct: l.drawdownLocked(),
		Rung:        l.rung,
		Multiplier:  l.multiplierLocked(),
	}
}

// Multiplier returns the sizing multiplier implied by the current rung.
func (l *DrawdownLadder) Multiplier() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.multiplierLocked()
}

// Rung returns the current ladder rung, 0 through 4.
func (l *DrawdownLadder) Rung() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rung
}

func (l *DrawdownLadder) drawdownLocked() float64 {
	if l.peakEquity <= 0 {
		return 0
	}
	dd := (l.peakEquity - l.equity) / l.peakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

func (l *DrawdownLadder) rungFor(drawdownPct float64) int {
	rung := 0
	for i, th := range l.cfg.Thresholds {
		if drawdownPct >= th {
			rung = i + 1
		}
	}
	return rung
}

func (l *DrawdownLadder) multiplierLocked() float64 {
	if l.rung == 0 {
		return 1.0
	}
	return l.cfg.Multipliers[l.rung-1]
}

func (l *DrawdownLadder) transitionLocked(to int, now time.Time) *RungChange {
	change := RungChange{From: l.rung, To: to, Drawdown: l.drawdownLocked(), At: now}
	l.rung = to

	log.Warn().
		Int("from", change.From).
		Int("to", change.To).
		Float64("drawdown_pct", change.Drawdown).
		Str("tag", "drawdown_rung_change").
		Msg("drawdown ladder transition")

	if l.onChange != nil {
		l.onChange(change)
	}
	return &change
}
