package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/domain"
)

// DataSource supplies the market inputs for an evaluation pass. The concrete
// implementation lives in the market data layer; the pipeline only needs
// this surface.
type DataSource interface {
	Window(ctx context.Context, symbol string, bars int) ([]domain.Bar, error)
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
	VolatilityIndicator(ctx context.Context) (float64, error)
	SymbolMeta(ctx context.Context, symbol string) (beta float64, sector string, err error)
}

// breaker fault domain for the market data dependency.
const faultDomainMarketData = "market_data"

// Runner drives periodic passes over a symbol universe, pulling inputs from
// a DataSource guarded by the recovery circuit breaker. A data fault for one
// symbol skips that symbol; it never aborts the pass.
type Runner struct {
	pipe     *Pipeline
	source   DataSource
	symbols  []string
	interval time.Duration
	barCount int

	mu   sync.Mutex
	live map[string]liveQuote // streamed quotes, keyed by symbol
}

type liveQuote struct {
	quote domain.Quote
	at    time.Time // receipt time, not exchange time
}

// NewRunner wires a pass loop. interval is the spacing between passes and
// barCount the window length requested per symbol.
func NewRunner(p *Pipeline, src DataSource, symbols []string, interval time.Duration, barCount int) *Runner {
	return &Runner{
		pipe:     p,
		source:   src,
		symbols:  symbols,
		interval: interval,
		barCount: barCount,
		live:     make(map[string]liveQuote),
	}
}

// UpdateQuote records a streamed quote for a symbol. A quote fresher than one
// pass interval replaces the polled snapshot on the next evaluation; staler
// ones are ignored in favor of the poll.
func (r *Runner) UpdateQuote(symbol string, q domain.Quote, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[symbol] = liveQuote{quote: q, at: at}
}

func (r *Runner) liveQuoteFor(symbol string, now time.Time) (domain.Quote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lq, ok := r.live[symbol]
	if !ok || now.Sub(lq.at) > r.interval {
		return domain.Quote{}, false
	}
	return lq.quote, true
}

// Run blocks until ctx is cancelled, executing one pass per interval.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass over the universe.
func (r *Runner) RunOnce(ctx context.Context) {
	now := time.Now()
	br := r.pipe.Breaker()

	if st := br.Allow(faultDomainMarketData, now); !st.Allowed {
		log.Warn().
			Str("domain", faultDomainMarketData).
			Str("state", string(st.State)).
			Dur("retry_after", st.RetryAfter).
			Str("tag", "pass_deferred").
			Msg("market data circuit not ready, pass deferred")
		return
	}

	indicator, err := r.source.VolatilityIndicator(ctx)
	if err != nil {
		br.RecordFailure(faultDomainMarketData, time.Now())
		log.Error().Err(err).Msg("volatility indicator fetch failed")
		return
	}

	for _, sym := range r.symbols {
		u, err := r.fetch(ctx, sym, indicator)
		if err != nil {
			br.RecordFailure(faultDomainMarketData, time.Now())
			log.Error().Err(err).Str("symbol", sym).Msg("market data fetch failed")
			continue
		}
		br.RecordSuccess(faultDomainMarketData, time.Now())
		r.pipe.Evaluate(ctx, u)
	}
}

func (r *Runner) fetch(ctx context.Context, symbol string, indicator float64) (MarketUpdate, error) {
	now := time.Now()
	bars, err := r.source.Window(ctx, symbol, r.barCount)
	if err != nil {
		return MarketUpdate{}, err
	}
	// A fresh streamed quote covers this pass; only poll when the stream is
	// absent or stale.
	quote, ok := r.liveQuoteFor(symbol, now)
	if !ok {
		quote, err = r.source.Quote(ctx, symbol)
		if err != nil {
			return MarketUpdate{}, err
		}
	}
	beta, sector, err := r.source.SymbolMeta(ctx, symbol)
	if err != nil {
		return MarketUpdate{}, err
	}
	return MarketUpdate{
		Symbol:              symbol,
		Bars:                bars,
		Quote:               quote,
		SessionPhase:        SessionPhaseAt(now),
		VolatilityIndicator: indicator,
		Beta:                beta,
		Sector:              sector,
		Timestamp:           now,
	}, nil
}

// SessionPhaseAt maps wall-clock time to the session phase. The opening and
// closing auction windows of the US regular session (13:30 and 20:00 UTC
// during daylight time) get the stricter auction volume threshold.
func SessionPhaseAt(now time.Time) domain.SessionPhase {
	t := now.UTC()
	mins := t.Hour()*60 + t.Minute()
	const open = 13*60 + 30
	const close = 20 * 60
	if (mins >= open && mins < open+10) || (mins >= close-10 && mins < close) {
		return domain.PhaseAuction
	}
	return domain.PhaseNormal
}
