package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// PVSView is the read-only snapshot of the psychological vulnerability state.
type PVSView struct {
	Fear       float64 `json:"fear"`
	Fatigue    float64 `json:"fatigue"`
	Confidence float64 `json:"confidence"` // recent win rate, 0..1
	Composite  float64 `json:"composite"`  // 0..10
}

// PVSMonitor tracks a composite 0-10 risk-of-bad-decision score built from
// fear (consecutive losses), fatigue (trade frequency), and confidence
// (inverted recent win rate). Recomputed on every trade close; decays toward
// neutral on the periodic tick when no trading happens.
type PVSMonitor struct {
	mu  sync.RWMutex
	cfg config.PVSConfig

	consecutiveLosses int
	recentResults     []bool // win/loss, newest last, capped at WinRateWindow
	tradeTimes        []time.Time

	fear       float64
	fatigue    float64
	winRate    float64
	lastTrade  time.Time
	lastDecay  time.Time
}

func NewPVSMonitor(cfg config.PVSConfig) *PVSMonitor {
	return &PVSMonitor{cfg: cfg, winRate: 0.5}
}

// RecordTradeClose folds a closed round-trip into the sub-scores.
func (m *PVSMonitor) RecordTradeClose(res domain.TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res.Win() {
		m.consecutiveLosses = 0
	} else {
		m.consecutiveLosses++
	}

	m.recentResults = append(m.recentResults, res.Win())
	if len(m.recentResults) > m.cfg.WinRateWindow {
		m.recentResults = m.recentResults[1:]
	}

	m.tradeTimes = append(m.tradeTimes, res.ClosedAt)
	m.lastTrade = res.ClosedAt

	// Prune entries that left the fatigue window; times append in close order.
	cutoff := res.ClosedAt.Add(-m.cfg.FatigueWindow)
	for len(m.tradeTimes) > 0 && !m.tradeTimes[0].After(cutoff) {
		m.tradeTimes = m.tradeTimes[1:]
	}

	m.recomputeLocked(res.ClosedAt)
}

// Restore seeds the sub-scores from persisted state at startup. Streak and
// frequency counters are rebuilt from the journal replay, not persisted.
func (m *PVSMonitor) Restore(fear, fatigue, winRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fear = math.Max(0, math.Min(fear, 10))
	m.fatigue = math.Max(0, math.Min(fatigue, 10))
	m.winRate = math.Max(0, math.Min(winRate, 1))
}

// Tick decays the sub-scores toward neutral when there has been no trading
// activity since the last decay interval.
func (m *PVSMonitor) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastDecay.IsZero() && now.Sub(m.lastDecay) < m.cfg.DecayInterval {
		return
	}
	m.lastDecay = now

	if !m.lastTrade.IsZero() && now.Sub(m.lastTrade) < m.cfg.DecayInterval {
		return
	}

	m.fear = decayToward(m.fear, 0, m.cfg.DecayStep)
	m.fatigue = decayToward(m.fatigue, 0, m.cfg.DecayStep)
	m.winRate = decayToward(m.winRate, 0.5, m.cfg.DecayStep/10)
}

// Composite returns the weighted 0-10 score.
func (m *PVSMonitor) Composite() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compositeLocked()
}

// SizingMultiplier is 0.5 at or above the warning level, 1.0 otherwise. The
// halt level is enforced by the gates, not here.
func (m *PVSMonitor) SizingMultiplier() float64 {
	if m.Composite() >= m.cfg.WarnLevel {
		return 0.5
	}
	return 1.0
}

// ConsecutiveLosses returns the current loss streak length.
func (m *PVSMonitor) ConsecutiveLosses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveLosses
}

// TradesInWindow counts closed trades inside the trailing fatigue window.
func (m *PVSMonitor) TradesInWindow(now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tradesInWindowLocked(now)
}

// View returns the read-only snapshot of all sub-scores.
func (m *PVSMonitor) View() PVSView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PVSView{
		Fear:       m.fear,
		Fatigue:    m.fatigue,
		Confidence: m.winRate,
		Composite:  m.compositeLocked(),
	}
}

func (m *PVSMonitor) recomputeLocked(now time.Time) {
	losses := math.Min(float64(m.consecutiveLosses), float64(m.cfg.MaxFearLosses))
	m.fear = losses / float64(m.cfg.MaxFearLosses) * 10

	trades := float64(m.tradesInWindowLocked(now))
	m.fatigue = math.Min(trades/float64(m.cfg.FatigueTradeCap), 1.0) * 10

	if len(m.recentResults) > 0 {
		wins := 0
		for _, w := range m.recentResults {
			if w {
				wins++
			}
		}
		m.winRate = float64(wins) / float64(len(m.recentResults))
	}

	composite := m.compositeLocked()
	if composite >= m.cfg.WarnLevel {
		log.Warn().
			Float64("composite", composite).
			Float64("fear", m.fear).
			Float64("fatigue", m.fatigue).
			Float64("win_rate", m.winRate).
			Str("tag", "pvs_elevated").
			Msg("psychological vulnerability elevated")
	}
}

func (m *PVSMonitor) tradesInWindowLocked(now time.Time) int {
	cutoff := now.Add(-m.cfg.FatigueWindow)
	n := 0
	for _, ts := range m.tradeTimes {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (m *PVSMonitor) compositeLocked() float64 {
	inverted := 10 - m.winRate*10
	c := m.cfg.FearWeight*m.fear + m.cfg.FatigueWeight*m.fatigue + m.cfg.ConfidenceWeight*inverted
	return math.Max(0, math.Min(c, 10))
}

func decayToward(value, neutral, step float64) float64 {
	if value > neutral {
		return math.Max(neutral, value-step)
	}
	if value < neutral {
		return math.Min(neutral, value+step)
	}
	return value
}
