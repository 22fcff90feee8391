package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/equityrun/internal/pipeline"
)

func runHealth(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("reach instance at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("health returned %d: %s", resp.StatusCode, body)
	}

	var snap pipeline.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode health snapshot: %w", err)
	}

	fmt.Printf("Regime:          %s (gpm %.2f, confidence %.2f)\n",
		snap.Regime.Label.String(), snap.Regime.GPM, snap.Regime.Confidence)
	fmt.Printf("Drawdown:        %.1f%% (rung %d, multiplier %.2f)\n",
		snap.Drawdown.DrawdownPct, snap.Drawdown.Rung, snap.Drawdown.Multiplier)
	fmt.Printf("PVS:             %.1f (fear %.1f, fatigue %.1f, win rate %.0f%%)\n",
		snap.PVS.Composite, snap.PVS.Fear, snap.PVS.Fatigue, snap.PVS.Confidence*100)
	fmt.Printf("Exposure:        %d positions, net beta %.3f\n",
		snap.Exposure.Positions, snap.Exposure.NetBeta)
	fmt.Printf("Pending entries: %d\n", snap.PendingEntries)
	fmt.Printf("Daily trades:    %d\n", snap.DailyTrades)
	for name, dv := range snap.Breakers {
		fmt.Printf("Breaker %-12s %s (%d failures)\n", name+":", dv.State, dv.Failures)
	}
	return nil
}
