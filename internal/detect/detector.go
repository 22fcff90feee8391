// Package detect flags qualifying price/volume anomalies per symbol. A
// detection requires both a large-magnitude return z-score and a volume
// anomaly, and is throttled three ways: a per-symbol re-scan interval, a
// process-wide detections-per-hour budget, and a per-symbol post-detection
// cooldown that is independent of any trade cooldown.
package detect

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Inputs carries the market context for one symbol scan.
type Inputs struct {
	Bars           []domain.Bar // rolling bar window, oldest first
	BaselineVolume float64      // trailing per-bar volume baseline
	SessionPhase   domain.SessionPhase
}

// Detector is the extreme scanner. Not safe for concurrent use; the
// evaluation pass is single-threaded by design.
type Detector struct {
	cfg      config.DetectorConfig
	budget   *rate.Limiter // detections-per-hour token bucket
	lastScan map[string]time.Time
	cooldown map[string]time.Time
}

func NewDetector(cfg config.DetectorConfig) *Detector {
	perHour := rate.Limit(float64(cfg.MaxDetectionsPerHour) / 3600.0)
	return &Detector{
		cfg:      cfg,
		budget:   rate.NewLimiter(perHour, cfg.MaxDetectionsPerHour),
		lastScan: make(map[string]time.Time),
		cooldown: make(map[string]time.Time),
	}
}

// Scan evaluates one symbol and returns a qualifying ExtremeEvent or nil.
// Missing or invalid data is recovered locally: skip the symbol, no event,
// no error.
func (d *Detector) Scan(symbol string, in Inputs, now time.Time) *domain.ExtremeEvent {
	if last, ok := d.lastScan[symbol]; ok && now.Sub(last) < d.cfg.RescanInterval {
		return nil
	}
	d.lastScan[symbol] = now

	if until, ok := d.cooldown[symbol]; ok {
		if now.Before(until) {
			return nil
		}
		delete(d.cooldown, symbol)
	}

	z, ok := domain.ReturnZScore(in.Bars, d.cfg.ReturnLookbackBars)
	if !ok {
		return nil
	}

	if in.BaselineVolume <= 0 || len(in.Bars) == 0 {
		return nil
	}
	current := in.Bars[len(in.Bars)-1]
	if !current.Valid() {
		return nil
	}
	volumeRatio := current.Volume / in.BaselineVolume

	// Strength is magnitude; a deeply negative z-score is a strong signal.
	if math.Abs(z) < d.cfg.ZScoreThreshold {
		return nil
	}
	if volumeRatio < d.volumeThreshold(in.SessionPhase) {
		return nil
	}

	if !d.budget.AllowN(now, 1) {
		log.Debug().
			Str("symbol", symbol).
			Str("tag", "detection_budget_exhausted").
			Msg("hourly detection budget exhausted")
		return nil
	}

	d.cooldown[symbol] = now.Add(d.cfg.PostDetectionCooldown)

	// The extreme implies the reversion side: fade the move.
	direction := domain.Short
	if z < 0 {
		direction = domain.Long
	}

	ev := &domain.ExtremeEvent{
		Symbol:      symbol,
		Timestamp:   now,
		ZScore:      z,
		Direction:   direction,
		VolumeRatio: volumeRatio,
	}

	log.Info().
		Str("symbol", symbol).
		Float64("z_score", z).
		Float64("volume_ratio", volumeRatio).
		Str("direction", direction.String()).
		Str("tag", "extreme_detected").
		Msg("extreme detected")

	return ev
}

func (d *Detector) volumeThreshold(phase domain.SessionPhase) float64 {
	if phase == domain.PhaseAuction {
		return d.cfg.VolumeRatioAuction
	}
	return d.cfg.VolumeRatioNormal
}
