package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "EquityRun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "equityrun",
		Short:   "Signal-driven, risk-gated trade decision core for liquid equities",
		Version: version,
		Long: `EquityRun watches a symbol universe for statistical extremes and turns
qualifying ones into sized, risk-gated order intents. Every entry passes a
regime multiplier, the drawdown ladder, the psychological vulnerability
score, cascade prevention, portfolio constraints, and a final execution
gateway before it is emitted.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the evaluation loop and operational HTTP server",
		RunE:  runRun,
	}
	runCmd.Flags().String("config", "", "Path to YAML config (defaults apply when empty)")
	runCmd.Flags().StringSlice("symbols", []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOG"}, "Symbol universe")
	runCmd.Flags().Float64("equity", 100000, "Starting account equity")
	runCmd.Flags().Duration("interval", time.Minute, "Spacing between evaluation passes")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health snapshot",
		RunE:  runHealth,
	}
	healthCmd.Flags().String("addr", "http://localhost:8087", "Base URL of the running instance")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
