package domain

import "math"

// ReturnZScore computes the signed z-score of the most recent lookback-bar
// return against the trailing population of same-length returns. Returns
// (0, false) when the window is too short or the trailing deviation is
// degenerate.
func ReturnZScore(bars []Bar, lookback int) (float64, bool) {
	if lookback <= 0 || len(bars) < lookback*2+1 {
		return 0, false
	}

	// Rolling lookback-bar returns, oldest to newest.
	returns := make([]float64, 0, len(bars)-lookback)
	for i := lookback; i < len(bars); i++ {
		prev := bars[i-lookback].Close
		cur := bars[i].Close
		if prev <= 0 || cur <= 0 {
			return 0, false
		}
		returns = append(returns, cur/prev-1)
	}

	latest := returns[len(returns)-1]
	trailing := returns[:len(returns)-1]

	mean := 0.0
	for _, r := range trailing {
		mean += r
	}
	mean /= float64(len(trailing))

	variance := 0.0
	for _, r := range trailing {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(trailing))

	std := math.Sqrt(variance)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (latest - mean) / std, true
}

// ATRPercent computes the Wilder-style average true range over the given
// period, expressed as a percentage of the latest close. Returns (0, false)
// when there are not enough valid bars.
func ATRPercent(bars []Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}

	sum := 0.0
	start := len(bars) - period
	for i := start; i < len(bars); i++ {
		cur, prev := bars[i], bars[i-1]
		if !cur.Valid() || !prev.Valid() {
			return 0, false
		}
		tr := cur.High - cur.Low
		if hc := math.Abs(cur.High - prev.Close); hc > tr {
			tr = hc
		}
		if lc := math.Abs(cur.Low - prev.Close); lc > tr {
			tr = lc
		}
		sum += tr
	}

	atr := sum / float64(period)
	last := bars[len(bars)-1].Close
	if last <= 0 {
		return 0, false
	}
	return atr / last * 100, true
}
