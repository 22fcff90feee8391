package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/pipeline"
	"github.com/sawpanic/equityrun/internal/risk"
)

func TestHealthEndpoint(t *testing.T) {
	snap := func(now time.Time) pipeline.HealthSnapshot {
		return pipeline.HealthSnapshot{
			Drawdown:       risk.DrawdownView{DrawdownPct: 12.5, Rung: 1, Multiplier: 0.75},
			PendingEntries: 2,
			DailyTrades:    3,
			At:             now,
		}
	}

	reg := prometheus.NewRegistry()
	metrics.NewRegistry(reg)
	srv := NewServer(config.ServerConfig{Addr: ":0"}, snap, reg)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got pipeline.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Drawdown.Rung)
	assert.Equal(t, 0.75, got.Drawdown.Multiplier)
	assert.Equal(t, 2, got.PendingEntries)
	assert.Equal(t, 3, got.DailyTrades)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	m.IntentsEmitted.Inc()

	srv := NewServer(config.ServerConfig{Addr: ":0"}, func(time.Time) pipeline.HealthSnapshot {
		return pipeline.HealthSnapshot{}
	}, reg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "equityrun_order_intents_total")
}

func TestUnknownRouteIs404(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(config.ServerConfig{Addr: ":0"}, func(time.Time) pipeline.HealthSnapshot {
		return pipeline.HealthSnapshot{}
	}, reg)

	req := httptest.NewRequest("GET", "/orders", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}
