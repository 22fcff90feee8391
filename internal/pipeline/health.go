package pipeline

import (
	"time"

	"github.com/sawpanic/equityrun/internal/portfolio"
	"github.com/sawpanic/equityrun/internal/recovery"
	"github.com/sawpanic/equityrun/internal/regime"
	"github.com/sawpanic/equityrun/internal/risk"
)

// HealthSnapshot is the aggregate state view served by the health endpoint.
type HealthSnapshot struct {
	Regime         regime.Classification          `json:"regime"`
	Drawdown       risk.DrawdownView              `json:"drawdown"`
	PVS            risk.PVSView                   `json:"pvs"`
	Exposure       portfolio.Exposure             `json:"exposure"`
	Breakers       map[string]recovery.DomainView `json:"breakers"`
	PendingEntries int                            `json:"pending_entries"`
	ActiveAnchors  int                            `json:"active_anchors"`
	DailyTrades    int                            `json:"daily_trades"`
	CooldownsHeld  int                            `json:"cooldowns_held"`
	Cooldowns      map[string]time.Time           `json:"cooldowns,omitempty"`
	At             time.Time                      `json:"at"`
}

// Snapshot gathers the current state of every governor for reporting.
func (p *Pipeline) Snapshot(now time.Time) HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make(map[string]time.Time, len(p.cooldowns))
	for sym, until := range p.cooldowns {
		if now.Before(until) {
			active[sym] = until
		}
	}

	return HealthSnapshot{
		Regime:         p.classifier.Current(),
		Drawdown:       p.drawdown.View(),
		PVS:            p.pvs.View(),
		Exposure:       p.book.View(),
		Breakers:       p.breaker.Snapshot(),
		PendingEntries: p.entries.Len(),
		ActiveAnchors:  p.anchors.Len(),
		DailyTrades:    p.gateway.DailyCount(),
		CooldownsHeld:  len(active),
		Cooldowns:      active,
		At:             now,
	}
}
