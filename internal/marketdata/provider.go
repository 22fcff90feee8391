// Package marketdata supplies bars, quotes, and the volatility indicator
// from an equities data service over HTTP, with request rate limiting and a
// circuit breaker around the upstream.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Provider is the HTTP market data client. Safe for concurrent use.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewProvider builds a client against cfg.BaseURL. The breaker trips on
// three consecutive failures or a 5% error rate over a meaningful sample.
func NewProvider(cfg config.MarketDataConfig) *Provider {
	st := gobreaker.Settings{Name: "marketdata"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	return &Provider{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestRPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type barPayload struct {
	Symbol string  `json:"symbol"`
	Start  int64   `json:"start"` // unix seconds
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type quotePayload struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"`
}

type indicatorPayload struct {
	Value float64 `json:"value"`
}

type metaPayload struct {
	Symbol string  `json:"symbol"`
	Beta   float64 `json:"beta"`
	Sector string  `json:"sector"`
}

// Window returns up to n bars for the symbol, oldest first.
func (p *Provider) Window(ctx context.Context, symbol string, n int) ([]domain.Bar, error) {
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(n)}}
	var payload []barPayload
	if err := p.getJSON(ctx, "/v1/bars", q, &payload); err != nil {
		return nil, fmt.Errorf("fetch bars for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(payload))
	for _, b := range payload {
		bars = append(bars, domain.Bar{
			Symbol: b.Symbol,
			Start:  time.Unix(b.Start, 0).UTC(),
			Open:   b.Open, High: b.High, Low: b.Low, Close: b.Close,
			Volume: b.Volume,
		})
	}
	return bars, nil
}

// Quote returns the latest bid/ask snapshot.
func (p *Provider) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	q := url.Values{"symbol": {symbol}}
	var payload quotePayload
	if err := p.getJSON(ctx, "/v1/quote", q, &payload); err != nil {
		return domain.Quote{}, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}
	return domain.Quote{
		Symbol:    payload.Symbol,
		Bid:       payload.Bid,
		Ask:       payload.Ask,
		Timestamp: time.Unix(payload.Timestamp, 0).UTC(),
	}, nil
}

// VolatilityIndicator returns the current macro volatility reading.
func (p *Provider) VolatilityIndicator(ctx context.Context) (float64, error) {
	var payload indicatorPayload
	if err := p.getJSON(ctx, "/v1/indicator", nil, &payload); err != nil {
		return 0, fmt.Errorf("fetch volatility indicator: %w", err)
	}
	return payload.Value, nil
}

// SymbolMeta returns the beta and sector classification for the symbol.
func (p *Provider) SymbolMeta(ctx context.Context, symbol string) (float64, string, error) {
	q := url.Values{"symbol": {symbol}}
	var payload metaPayload
	if err := p.getJSON(ctx, "/v1/meta", q, &payload); err != nil {
		return 0, "", fmt.Errorf("fetch meta for %s: %w", symbol, err)
	}
	return payload.Beta, payload.Sector, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := p.breaker.Execute(func() (any, error) {
		u := p.baseURL + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, body)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
