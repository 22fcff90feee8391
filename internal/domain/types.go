package domain

import (
	"time"
)

// Direction indicates the side of a signal or order.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// SessionPhase distinguishes continuous trading from auction periods, which
// carry a stricter volume-anomaly requirement.
type SessionPhase int

const (
	PhaseNormal SessionPhase = iota
	PhaseAuction
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseAuction:
		return "auction"
	default:
		return "unknown"
	}
}

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Valid reports whether the bar carries usable price data.
func (b Bar) Valid() bool {
	return b.Open > 0 && b.High > 0 && b.Low > 0 && b.Close > 0 &&
		b.High >= b.Low && b.Volume >= 0
}

// Quote is the latest bid/ask snapshot for a symbol. A zero bid or ask means
// the quote is unavailable and consumers must treat spread as worst-case.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// SpreadBps returns the quoted spread in basis points of the midpoint. The
// second return is false when the quote cannot produce a spread.
func (q Quote) SpreadBps() (float64, bool) {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return 0, false
	}
	mid := (q.Bid + q.Ask) / 2
	return (q.Ask - q.Bid) / mid * 10000, true
}

// ExtremeEvent is a qualifying price/volume anomaly produced by the detector.
// Events are created per scan and consumed once by the evaluation pass.
type ExtremeEvent struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	ZScore      float64   `json:"z_score"`      // signed 60-minute return z-score
	Direction   Direction `json:"direction"`    // reversion side implied by the extreme
	VolumeRatio float64   `json:"volume_ratio"` // current volume / trailing baseline
}

// TradeSignal is a candidate trade with the multiplier context captured at
// signal time. Regime and PVS fields are snapshots, not live references.
type TradeSignal struct {
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	ZScore           float64   `json:"z_score"` // signed; strength comparisons use |z|
	ProposedSize     float64   `json:"proposed_size"`
	RegimeLabel      string    `json:"regime_label"`
	RegimeConfidence float64   `json:"regime_confidence"`
	PVSComposite     float64   `json:"pvs_composite"`
	CreatedAt        time.Time `json:"created_at"`
}

// OrderIntent is the outbound handoff to the execution collaborator. The core
// owns no wire format; this is an in-process value.
type OrderIntent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	ReasonTag string    `json:"reason_tag"`
	CreatedAt time.Time `json:"created_at"`
}

// Fill is an execution notification from the broker collaborator.
type Fill struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Beta      float64   `json:"beta"`
	Sector    string    `json:"sector"`
	Weight    float64   `json:"weight"` // fraction of portfolio value
	Timestamp time.Time `json:"timestamp"`
}

// TradeResult is a closed round-trip used to update psychological and
// drawdown state.
type TradeResult struct {
	Symbol   string    `json:"symbol"`
	PnL      float64   `json:"pnl"`
	ClosedAt time.Time `json:"closed_at"`
}

// Win reports whether the round-trip closed profitably.
func (t TradeResult) Win() bool { return t.PnL > 0 }
