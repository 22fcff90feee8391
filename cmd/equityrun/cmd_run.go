package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/httpapi"
	"github.com/sawpanic/equityrun/internal/journal"
	"github.com/sawpanic/equityrun/internal/marketdata"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/pipeline"
	"github.com/sawpanic/equityrun/internal/recovery"
	"github.com/sawpanic/equityrun/internal/statestore"
)

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	equity, _ := cmd.Flags().GetFloat64("equity")
	interval, _ := cmd.Flags().GetDuration("interval")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	// Intents go to the log until an execution collaborator is attached.
	emit := func(oi domain.OrderIntent) {
		log.Info().
			Str("id", oi.ID).
			Str("symbol", oi.Symbol).
			Str("direction", oi.Direction.String()).
			Float64("size", oi.Size).
			Str("tag", "order_intent").
			Msg("order intent emitted")
	}

	pipe := pipeline.New(cfg, equity, reg, emit)

	// Checkpoint restore runs before the journal replay so replayed closes
	// refine the restored psychological base.
	var store *statestore.Store
	if cfg.StateStore.Enabled {
		store = statestore.New(cfg.StateStore)
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return err
		}
		restoreCheckpoint(ctx, pipe, store)
		go checkpointLoop(ctx, pipe, store)
	}

	if cfg.Journal.Enabled {
		jnl, err := journal.Open(cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer jnl.Close()
		pipe.SetRecorder(jnl)
		replayCloses(ctx, pipe, jnl, equity)
	}

	provider := marketdata.NewProvider(cfg.MarketData)
	runner := pipeline.NewRunner(pipe, provider, symbols, interval, cfg.Detector.ReturnLookbackBars*2+1)

	if cfg.MarketData.WSEndpoint != "" {
		go streamLoop(ctx, cfg.MarketData.WSEndpoint, symbols, runner, pipe.Breaker())
	}

	api := httpapi.NewServer(cfg.Server, pipe.Snapshot, promReg)
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http api stopped")
		}
	}()

	log.Info().
		Str("app", appName).
		Str("version", version).
		Strs("symbols", symbols).
		Dur("interval", interval).
		Msg("evaluation loop starting")

	err = runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if apiErr := api.Shutdown(shutdownCtx); apiErr != nil {
		log.Error().Err(apiErr).Msg("http api shutdown")
	}

	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// replayCloses rebuilds psychological state from the most recent journaled
// round-trips so a restart does not forget an active loss streak.
func replayCloses(ctx context.Context, pipe *pipeline.Pipeline, jnl *journal.Journal, equity float64) {
	closes, err := jnl.RecentCloses(ctx, 10)
	if err != nil {
		log.Warn().Err(err).Msg("journal replay skipped")
		return
	}
	// Newest first in the journal; replay oldest first.
	for i := len(closes) - 1; i >= 0; i-- {
		pipe.OnTradeClosed(ctx, closes[i], equity)
	}
	log.Info().Int("trades", len(closes)).Msg("psychological state replayed from journal")
}

// restoreCheckpoint reloads durable governor state so a restart does not
// reset the drawdown ladder or forget active cooldowns.
func restoreCheckpoint(ctx context.Context, pipe *pipeline.Pipeline, store *statestore.Store) {
	cp, err := store.Load(ctx)
	if errors.Is(err, statestore.ErrNoCheckpoint) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("checkpoint restore skipped")
		return
	}
	pipe.Restore(pipeline.RestoredState{
		PeakEquity: cp.PeakEquity,
		Equity:     cp.Equity,
		Rung:       cp.Rung,
		Fear:       cp.PVSValues.Fear,
		Fatigue:    cp.PVSValues.Fatigue,
		WinRate:    cp.PVSValues.Confidence,
		Cooldowns:  cp.Cooldowns,
	}, time.Now())
	log.Info().
		Int("rung", cp.Rung).
		Int("cooldowns", len(cp.Cooldowns)).
		Time("saved_at", cp.SavedAt).
		Msg("governor state restored from checkpoint")
}

// streamLoop keeps the websocket quote feed attached, pacing reconnects
// through the recovery circuit breaker. Streamed quotes override the polled
// snapshot the runner would otherwise fetch.
func streamLoop(ctx context.Context, endpoint string, symbols []string, runner *pipeline.Runner, br *recovery.Breaker) {
	const faultDomain = "quote_stream"

	for ctx.Err() == nil {
		st := br.Allow(faultDomain, time.Now())
		if !st.Allowed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(st.RetryAfter):
			}
			continue
		}

		stream := marketdata.NewStream(endpoint, func(t marketdata.Tick) {
			runner.UpdateQuote(t.Symbol, domain.Quote{
				Symbol:    t.Symbol,
				Bid:       t.Bid,
				Ask:       t.Ask,
				Timestamp: time.Unix(t.Timestamp, 0),
			}, time.Now())
		})
		if err := stream.Connect(ctx, symbols); err != nil {
			br.RecordFailure(faultDomain, time.Now())
			log.Warn().Err(err).Msg("quote feed connect failed")
			continue
		}
		br.RecordSuccess(faultDomain, time.Now())

		if err := stream.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			br.RecordFailure(faultDomain, time.Now())
			log.Warn().Err(err).Msg("quote feed dropped")
		}
	}
}

// checkpointLoop persists a snapshot every minute for crash recovery.
func checkpointLoop(ctx context.Context, pipe *pipeline.Pipeline, store *statestore.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := pipe.Snapshot(time.Now())
			cp := statestore.Checkpoint{
				PeakEquity: snap.Drawdown.PeakEquity,
				Equity:     snap.Drawdown.Equity,
				Rung:       snap.Drawdown.Rung,
				PVSValues: statestore.PVSValues{
					Fear:       snap.PVS.Fear,
					Fatigue:    snap.PVS.Fatigue,
					Confidence: snap.PVS.Confidence,
				},
				Cooldowns: snap.Cooldowns,
			}
			if err := store.Save(ctx, cp); err != nil {
				log.Warn().Err(err).Msg("checkpoint save failed")
			}
		}
	}
}
