package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/metrics"
)

type stubSource struct {
	calls      int
	quoteCalls int
	failAll    bool
	failQuote  bool
	bars       []domain.Bar
}

func (s *stubSource) Window(_ context.Context, symbol string, n int) ([]domain.Bar, error) {
	if s.failAll {
		return nil, errors.New("feed down")
	}
	return s.bars, nil
}

func (s *stubSource) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	s.quoteCalls++
	if s.failAll || s.failQuote {
		return domain.Quote{}, errors.New("feed down")
	}
	return goodQuote(symbol, 100), nil
}

func (s *stubSource) VolatilityIndicator(context.Context) (float64, error) {
	s.calls++
	if s.failAll {
		return 0, errors.New("feed down")
	}
	return 15.0, nil
}

func (s *stubSource) SymbolMeta(_ context.Context, _ string) (float64, string, error) {
	if s.failAll {
		return 0, "", errors.New("feed down")
	}
	return 1.0, "tech", nil
}

func TestRunner_HealthySourceEvaluates(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	p := New(cfg, 1_000_000, metrics.NewRegistry(prometheus.NewRegistry()), nil)
	src := &stubSource{bars: tape("AAPL", 180, 0, 1000, time.Now().Add(-3*time.Hour))}

	r := NewRunner(p, src, []string{"AAPL", "MSFT"}, time.Minute, 180)
	r.RunOnce(context.Background())

	assert.Equal(t, 1, src.calls, "one indicator fetch per pass")
	snap := p.Snapshot(time.Now())
	assert.Equal(t, "low_vol", snap.Regime.Label.String(), "indicator 15 classifies low-vol")
}

func TestRunner_FreshStreamedQuoteCoversPoll(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	p := New(cfg, 1_000_000, metrics.NewRegistry(prometheus.NewRegistry()), nil)
	src := &stubSource{bars: tape("AAPL", 180, 0, 1000, time.Now().Add(-3*time.Hour)), failQuote: true}
	r := NewRunner(p, src, []string{"AAPL"}, time.Minute, 180)

	r.UpdateQuote("AAPL", goodQuote("AAPL", 100), time.Now())
	r.RunOnce(context.Background())

	assert.Equal(t, 0, src.quoteCalls, "fresh streamed quote skips the poll")
	dv := p.Snapshot(time.Now()).Breakers[faultDomainMarketData]
	assert.Equal(t, 0, dv.Failures, "pass completes without the quote endpoint")
}

func TestRunner_StaleStreamedQuoteFallsBackToPoll(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	p := New(cfg, 1_000_000, metrics.NewRegistry(prometheus.NewRegistry()), nil)
	src := &stubSource{bars: tape("AAPL", 180, 0, 1000, time.Now().Add(-3*time.Hour))}
	r := NewRunner(p, src, []string{"AAPL"}, time.Minute, 180)

	// Older than one pass interval: the poll is authoritative again.
	r.UpdateQuote("AAPL", goodQuote("AAPL", 100), time.Now().Add(-2*time.Minute))
	r.RunOnce(context.Background())

	assert.Equal(t, 1, src.quoteCalls, "stale streamed quote forces a poll")
}

func TestRunner_FailureBacksOffThenDefersPass(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	p := New(cfg, 1_000_000, metrics.NewRegistry(prometheus.NewRegistry()), nil)
	src := &stubSource{failAll: true}
	r := NewRunner(p, src, []string{"AAPL"}, time.Minute, 180)

	r.RunOnce(context.Background())
	assert.Equal(t, 1, src.calls, "first pass attempts the fetch")

	// Backoff is live immediately after the failure: the next pass defers
	// without touching the source.
	r.RunOnce(context.Background())
	assert.Equal(t, 1, src.calls, "deferred pass never reaches the source")

	snap := p.Snapshot(time.Now())
	dv, ok := snap.Breakers[faultDomainMarketData]
	require.True(t, ok)
	assert.Equal(t, 1, dv.Failures)
}
