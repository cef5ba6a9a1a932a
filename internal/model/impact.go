package model

import "time"

// Ladder holds the percentile anchors of a cost distribution. The
// invariant P10 ≤ P25 ≤ P50 ≤ P75 ≤ P90 must hold for every persisted
// Impact.
type Ladder struct {
	P10 float64 `json:"p10"`
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
}

// Monotonic reports whether the ladder anchors are in non-decreasing
// order.
func (l Ladder) Monotonic() bool {
	return l.P10 <= l.P25 && l.P25 <= l.P50 && l.P50 <= l.P75 && l.P75 <= l.P90
}

// Clamp restores monotonic order by clamping each anchor to be at least
// its lower neighbor, sweeping upward from P10. It returns the repaired
// ladder and whether any anchor moved. Callers must log repairs; an
// invalid ladder is never persisted and never silently dropped.
func (l Ladder) Clamp() (Ladder, bool) {
	out := l
	clamped := false
	if out.P25 < out.P10 {
		out.P25 = out.P10
		clamped = true
	}
	if out.P50 < out.P25 {
		out.P50 = out.P25
		clamped = true
	}
	if out.P75 < out.P50 {
		out.P75 = out.P50
		clamped = true
	}
	if out.P90 < out.P75 {
		out.P90 = out.P75
		clamped = true
	}
	return out, clamped
}

// Interpolate returns the cost at percentile x by piecewise-linear
// interpolation between the bracketing anchors. Values below 10 clamp to
// P10 and above 90 clamp to P90. The function is pure: identical
// (ladder, x) inputs always produce identical output.
func (l Ladder) Interpolate(x float64) float64 {
	switch {
	case x <= 10:
		return l.P10
	case x >= 90:
		return l.P90
	case x <= 25:
		return lerp(l.P10, l.P25, (x-10)/15)
	case x <= 50:
		return lerp(l.P25, l.P50, (x-25)/25)
	case x <= 75:
		return lerp(l.P50, l.P75, (x-50)/25)
	default:
		return lerp(l.P75, l.P90, (x-75)/15)
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Impact is a cost-of-living impact estimate for one bill. Rows are
// append-only: each analysis run writes a new Impact, preserving version
// history.
type Impact struct {
	ID               string    `json:"id"`
	BillID           string    `json:"bill_id"`
	Description      string    `json:"description"`
	RelevantClause   string    `json:"relevant_clause"`
	Evidence         []string  `json:"evidence"`
	ChainOfCausality string    `json:"chain_of_causality"`
	Confidence       float64   `json:"confidence"`
	Ladder           Ladder    `json:"ladder"`
	ModelUsed        string    `json:"model_used"`
	CreatedAt        time.Time `json:"created_at"`
}
