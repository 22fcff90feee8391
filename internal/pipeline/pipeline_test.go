package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/metrics"
)

// tape builds a quiet bar series with one final spike bar.
func tape(symbol string, n int, spikePct, lastVolume float64, start time.Time) []domain.Bar {
	bars := make([]domain.Bar, n)
	price := 100.0
	for i := range bars {
		price *= 1 + 0.001*math.Sin(float64(i))
		bars[i] = domain.Bar{
			Symbol: symbol,
			Start:  start.Add(time.Duration(i) * time.Minute),
			Open:   price, High: price * 1.001, Low: price * 0.999, Close: price,
			Volume: 1000,
		}
	}
	last := &bars[n-1]
	last.Close *= 1 + spikePct/100
	last.High = math.Max(last.Open, last.Close) * 1.001
	last.Low = math.Min(last.Open, last.Close) * 0.999
	last.Volume = lastVolume
	return bars
}

// withReversal appends one bar closing against the prior move, which is the
// timing confirmation for a fade entry.
func withReversal(bars []domain.Bar, down bool) []domain.Bar {
	prev := bars[len(bars)-1]
	next := prev
	next.Start = prev.Start.Add(time.Minute)
	if down {
		next.Close = prev.Close * 0.99
	} else {
		next.Close = prev.Close * 1.01
	}
	next.Open = prev.Close
	next.High = math.Max(next.Open, next.Close) * 1.001
	next.Low = math.Min(next.Open, next.Close) * 0.999
	next.Volume = 1000
	return append(append([]domain.Bar(nil), bars...), next)
}

func goodQuote(symbol string, mid float64) domain.Quote {
	return domain.Quote{Symbol: symbol, Bid: mid * 0.9995, Ask: mid * 1.0005, Timestamp: time.Now()}
}

func newTestPipeline(t *testing.T, equity float64) (*Pipeline, *[]domain.OrderIntent) {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)

	var emitted []domain.OrderIntent
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p := New(cfg, equity, reg, func(oi domain.OrderIntent) {
		emitted = append(emitted, oi)
	})
	return p, &emitted
}

func TestEvaluate_EndToEndEntry(t *testing.T) {
	p, emitted := newTestPipeline(t, 1_000_000)
	ctx := context.Background()
	t0 := time.Now()

	// Pass 1: upside extreme detected, signal armed awaiting confirmation.
	bars := tape("AAPL", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	p.Evaluate(ctx, MarketUpdate{
		Symbol:              "AAPL",
		Bars:                bars,
		Quote:               goodQuote("AAPL", 105),
		SessionPhase:        domain.PhaseNormal,
		VolatilityIndicator: 10.0, // low-vol regime, full multiplier
		Equity:              1_000_000,
		Beta:                1.0,
		Sector:              "tech",
		Timestamp:           t0,
	})
	snap := p.Snapshot(t0)
	require.Equal(t, 1, snap.PendingEntries, "qualifying extreme arms a pending entry")
	require.Empty(t, *emitted, "no intent before timing confirmation")
	assert.Equal(t, 1, snap.ActiveAnchors)

	// Pass 2: a reversal bar confirms inside the window; the gateway approves.
	t1 := t0.Add(5 * time.Minute)
	p.Evaluate(ctx, MarketUpdate{
		Symbol:              "AAPL",
		Bars:                withReversal(bars, true),
		Quote:               goodQuote("AAPL", 104),
		SessionPhase:        domain.PhaseNormal,
		VolatilityIndicator: 10.0,
		Equity:              1_000_000,
		Beta:                1.0,
		Sector:              "tech",
		Timestamp:           t1,
	})

	require.Len(t, *emitted, 1)
	intent := (*emitted)[0]
	assert.Equal(t, "AAPL", intent.Symbol)
	assert.Equal(t, domain.Short, intent.Direction, "upside extreme fades short")
	assert.GreaterOrEqual(t, intent.Size, 500.0)
	assert.LessOrEqual(t, intent.Size, 50_000.0)
	assert.NotEmpty(t, intent.ID)

	snap = p.Snapshot(t1)
	assert.Equal(t, 0, snap.PendingEntries, "confirmation consumes the pending entry")
	assert.Equal(t, 1, snap.DailyTrades)
}

func TestEvaluate_DrawdownHaltBlocksConfirmedEntry(t *testing.T) {
	p, emitted := newTestPipeline(t, 100_000)
	ctx := context.Background()
	t0 := time.Now()

	bars := tape("MSFT", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	arm := MarketUpdate{
		Symbol:              "MSFT",
		Bars:                bars,
		Quote:               goodQuote("MSFT", 105),
		VolatilityIndicator: 10.0,
		Equity:              100_000,
		Timestamp:           t0,
	}
	p.Evaluate(ctx, arm)
	require.Equal(t, 1, p.Snapshot(t0).PendingEntries)

	// Equity collapses before confirmation: rung 4 halts all entries even
	// though the signal already passed every earlier stage.
	t1 := t0.Add(5 * time.Minute)
	p.Evaluate(ctx, MarketUpdate{
		Symbol:              "MSFT",
		Bars:                withReversal(bars, true),
		Quote:               goodQuote("MSFT", 104),
		VolatilityIndicator: 10.0,
		Equity:              55_000, // 45% drawdown
		Timestamp:           t1,
	})

	assert.Empty(t, *emitted, "rung 4 blocks at the gateway")
	snap := p.Snapshot(t1)
	assert.Equal(t, 0, snap.DailyTrades)
	assert.Equal(t, 4, snap.Drawdown.Rung)
}

func TestEvaluate_CooldownBlocksReentry(t *testing.T) {
	p, emitted := newTestPipeline(t, 1_000_000)
	ctx := context.Background()
	t0 := time.Now()

	closedAt := t0.Add(-10 * time.Minute)
	p.OnTradeClosed(ctx, domain.TradeResult{Symbol: "NVDA", PnL: -250, ClosedAt: closedAt}, 1_000_000)

	assert.True(t, p.InCooldown("NVDA", t0), "inside the 30m cooldown")
	assert.True(t, p.InCooldown("NVDA", closedAt.Add(29*time.Minute)))
	assert.False(t, p.InCooldown("NVDA", closedAt.Add(30*time.Minute+time.Second)))

	// A full detect-and-confirm cycle inside the cooldown produces no intent.
	bars := tape("NVDA", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	p.Evaluate(ctx, MarketUpdate{
		Symbol: "NVDA", Bars: bars, Quote: goodQuote("NVDA", 105),
		VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0,
	})
	p.Evaluate(ctx, MarketUpdate{
		Symbol: "NVDA", Bars: withReversal(bars, true), Quote: goodQuote("NVDA", 104),
		VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0.Add(5 * time.Minute),
	})
	assert.Empty(t, *emitted)
	assert.Equal(t, 0, p.Snapshot(t0).DailyTrades)
}

func TestEvaluate_FaultIsolated(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	p := New(cfg, 1_000_000, metrics.NewRegistry(prometheus.NewRegistry()), func(domain.OrderIntent) {
		panic("emitter exploded")
	})
	ctx := context.Background()
	t0 := time.Now()

	bars := tape("TSLA", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	p.Evaluate(ctx, MarketUpdate{
		Symbol: "TSLA", Bars: bars, Quote: goodQuote("TSLA", 105),
		VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0,
	})

	assert.NotPanics(t, func() {
		p.Evaluate(ctx, MarketUpdate{
			Symbol: "TSLA", Bars: withReversal(bars, true), Quote: goodQuote("TSLA", 104),
			VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0.Add(5 * time.Minute),
		})
	}, "emitter panic stays inside the symbol's evaluation")

	// The pipeline keeps serving other symbols afterwards.
	other := tape("AMD", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	assert.NotPanics(t, func() {
		p.Evaluate(ctx, MarketUpdate{
			Symbol: "AMD", Bars: other, Quote: goodQuote("AMD", 105),
			VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0,
		})
	})
	assert.Equal(t, 1, p.Snapshot(t0).PendingEntries)
}

func TestOnFill_UpdatesExposure(t *testing.T) {
	p, _ := newTestPipeline(t, 1_000_000)
	ctx := context.Background()

	p.OnFill(ctx, domain.Fill{
		Symbol: "AAPL", Direction: domain.Short, Size: 10_000, Price: 104.5,
		Beta: 1.1, Sector: "tech", Weight: 0.01, Timestamp: time.Now(),
	})

	snap := p.Snapshot(time.Now())
	assert.Equal(t, 1, snap.Exposure.Positions)
	assert.InDelta(t, -0.011, snap.Exposure.NetBeta, 1e-9)

	p.OnTradeClosed(ctx, domain.TradeResult{Symbol: "AAPL", PnL: 120, ClosedAt: time.Now()}, 1_000_120)
	snap = p.Snapshot(time.Now())
	assert.Equal(t, 0, snap.Exposure.Positions)
	assert.Equal(t, 1, snap.CooldownsHeld)
}

func TestRestore_CarriesGovernorStateAcrossRestart(t *testing.T) {
	a, _ := newTestPipeline(t, 100_000)
	ctx := context.Background()
	now := time.Now()

	// First process takes a loss that drops equity 20 percent off peak.
	a.OnTradeClosed(ctx, domain.TradeResult{Symbol: "NVDA", PnL: -2000, ClosedAt: now}, 80_000)
	snap := a.Snapshot(now)
	require.Equal(t, 2, snap.Drawdown.Rung)
	require.Contains(t, snap.Cooldowns, "NVDA")

	// A fresh process restores what the checkpoint persisted.
	b, _ := newTestPipeline(t, 100_000)
	b.Restore(RestoredState{
		PeakEquity: snap.Drawdown.PeakEquity,
		Equity:     snap.Drawdown.Equity,
		Rung:       snap.Drawdown.Rung,
		Fear:       snap.PVS.Fear,
		Fatigue:    snap.PVS.Fatigue,
		WinRate:    snap.PVS.Confidence,
		Cooldowns:  snap.Cooldowns,
	}, now)

	got := b.Snapshot(now)
	assert.Equal(t, snap.Drawdown.Rung, got.Drawdown.Rung)
	assert.Equal(t, snap.Drawdown.PeakEquity, got.Drawdown.PeakEquity)
	assert.InDelta(t, snap.PVS.Composite, got.PVS.Composite, 1e-9)
	assert.True(t, b.InCooldown("NVDA", now), "cooldown survives the restart")
	assert.False(t, b.InCooldown("NVDA", now.Add(31*time.Minute)))
}

type captureAdvisor struct {
	signals []domain.TradeSignal
}

func (c *captureAdvisor) Advise(sig domain.TradeSignal) { c.signals = append(c.signals, sig) }

func TestAdvisors_ObserveQualifiedSignals(t *testing.T) {
	p, _ := newTestPipeline(t, 1_000_000)
	adv := &captureAdvisor{}
	p.AddAdvisor(adv)
	t0 := time.Now()

	bars := tape("AAPL", 180, 5.0, 2500, t0.Add(-3*time.Hour))
	p.Evaluate(context.Background(), MarketUpdate{
		Symbol: "AAPL", Bars: bars, Quote: goodQuote("AAPL", 105),
		VolatilityIndicator: 10.0, Equity: 1_000_000, Timestamp: t0,
	})

	require.Len(t, adv.signals, 1)
	assert.Equal(t, "AAPL", adv.signals[0].Symbol)
	assert.Greater(t, adv.signals[0].ProposedSize, 0.0, "advisors see the sized signal")
}

func TestOnRejection_DoesNotPanicWithoutInFlight(t *testing.T) {
	p, _ := newTestPipeline(t, 1_000_000)
	assert.NotPanics(t, func() { p.OnRejection("AAPL", "insufficient margin") })
}

func TestSessionPhaseAt(t *testing.T) {
	day := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, domain.PhaseAuction, SessionPhaseAt(day.Add(13*time.Hour+35*time.Minute)))
	assert.Equal(t, domain.PhaseNormal, SessionPhaseAt(day.Add(15*time.Hour)))
	assert.Equal(t, domain.PhaseAuction, SessionPhaseAt(day.Add(19*time.Hour+55*time.Minute)))
	assert.Equal(t, domain.PhaseNormal, SessionPhaseAt(day.Add(20*time.Hour+5*time.Minute)))
}
