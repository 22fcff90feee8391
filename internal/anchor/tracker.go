// Package anchor maintains volume-weighted reference prices anchored at
// detected impulses. One track per symbol; a new impulse on a tracked symbol
// overwrites the anchor, it never merges.
package anchor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
)

// Track is the per-symbol anchored reference state.
type Track struct {
	Symbol      string    `json:"symbol"`
	AnchorPrice float64   `json:"anchor_price"`
	AnchorTime  time.Time `json:"anchor_time"`
	Expiry      time.Time `json:"expiry"`

	vwapNotional float64
	vwapVolume   float64
	lastUpdate   time.Time
}

// Reference returns the volume-weighted average price since the anchor. It
// falls back to the anchor price until the first bar accumulates.
func (t *Track) Reference() float64 {
	if t.vwapVolume <= 0 {
		return t.AnchorPrice
	}
	return t.vwapNotional / t.vwapVolume
}

// Distance returns (price - anchor) / anchor.
func (t *Track) Distance(price float64) float64 {
	if t.AnchorPrice <= 0 {
		return 0
	}
	return (price - t.AnchorPrice) / t.AnchorPrice
}

// Elapsed returns time since the anchor was set.
func (t *Track) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.AnchorTime)
}

// Tracker manages independent tracks across symbols.
type Tracker struct {
	mu     sync.Mutex
	cfg    config.AnchorConfig
	tracks map[string]*Track
}

func NewTracker(cfg config.AnchorConfig) *Tracker {
	return &Tracker{cfg: cfg, tracks: make(map[string]*Track)}
}

// Anchor starts (or restarts) a track at the impulse price. An existing track
// for the symbol is overwritten.
func (tr *Tracker) Anchor(ev domain.ExtremeEvent, price float64) *Track {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if prev, ok := tr.tracks[ev.Symbol]; ok {
		log.Debug().
			Str("symbol", ev.Symbol).
			Float64("old_anchor", prev.AnchorPrice).
			Float64("new_anchor", price).
			Msg("anchor overwritten by new impulse")
	}

	t := &Track{
		Symbol:      ev.Symbol,
		AnchorPrice: price,
		AnchorTime:  ev.Timestamp,
		Expiry:      ev.Timestamp.Add(tr.cfg.TimeStop),
	}
	tr.tracks[ev.Symbol] = t
	return t
}

// Update folds one bar into the symbol's VWAP. No-op for untracked symbols.
func (tr *Tracker) Update(symbol string, bar domain.Bar) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tracks[symbol]
	if !ok || !bar.Valid() {
		return
	}
	typical := (bar.High + bar.Low + bar.Close) / 3
	t.vwapNotional += typical * bar.Volume
	t.vwapVolume += bar.Volume
	t.lastUpdate = bar.Start
}

// Get returns the live track for a symbol, if any.
func (tr *Tracker) Get(symbol string) (*Track, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tracks[symbol]
	return t, ok
}

// Close destroys a track, typically on position close.
func (tr *Tracker) Close(symbol string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tracks, symbol)
}

// ExpireDue destroys every track past its time-stop and returns the symbols
// removed.
func (tr *Tracker) ExpireDue(now time.Time) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var expired []string
	for sym, t := range tr.tracks {
		if now.After(t.Expiry) {
			delete(tr.tracks, sym)
			expired = append(expired, sym)
			log.Debug().Str("symbol", sym).Str("tag", "anchor_time_stop").Msg("anchored track expired")
		}
	}
	return expired
}

// Len reports the number of live tracks.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tracks)
}
