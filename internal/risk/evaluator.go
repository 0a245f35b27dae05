package risk

import (
	"math"
)

// Evaluation is the outcome of one loss-floor computation.
type Evaluation struct {
	NextFloor float64
	NextPeak  float64
	Remaining float64
	Breached  bool
}

// Evaluate recomputes the monotonic trailing loss floor against the current
// total P&L. The floor ratchets: once the peak has pulled it up it never
// loosens, even if the peak-derived candidate later falls.
func Evaluate(totalPnL float64, st *State) Evaluation {
	maxLoss := st.MaxLoss()

	nextPeak := math.Max(st.PeakProfit, totalPnL)

	trailLevel := 0.0
	if st.TrailStep > 0 && nextPeak > 0 {
		trailLevel = math.Floor(nextPeak/st.TrailStep) * st.TrailStep
	}

	candidate := -maxLoss
	if trailLevel > 0 {
		candidate = trailLevel - maxLoss
	}

	nextFloor := candidate
	if st.FloorSet {
		nextFloor = math.Max(st.ActiveLossFloor, candidate)
	}

	remaining := totalPnL - nextFloor
	return Evaluation{
		NextFloor: nextFloor,
		NextPeak:  nextPeak,
		Remaining: remaining,
		Breached:  maxLoss > 0 && remaining <= 0,
	}
}

// ApplyEvaluation writes an evaluation back into the state record.
func ApplyEvaluation(st *State, ev Evaluation) {
	st.PeakProfit = ev.NextPeak
	st.ActiveLossFloor = ev.NextFloor
	st.FloorSet = true
	st.RemainingToFloor = ev.Remaining
}

// CheckProfitFreeze enters freeze mode when the profit target is met,
// snapshotting each instrument's absolute net quantity as its allowance.
// Returns true when freeze mode was entered on this call.
func CheckProfitFreeze(st *State, totalPnL float64, netBySymbol map[string]int) bool {
	if st.FreezeMode {
		return false
	}
	target := st.ProfitTarget()
	if target <= 0 || totalPnL < target {
		return false
	}

	st.FreezeMode = true
	st.AllowedPositions = make(map[string]int, len(netBySymbol))
	for sym, net := range netBySymbol {
		if net == 0 {
			continue
		}
		st.AllowedPositions[sym] = abs(net)
	}
	return true
}

// FreezeExcess returns how far above its allowance a live quantity sits and
// ratchets the allowance down when the live quantity is below it. Allowances
// only shrink; an instrument missing from the snapshot has allowance zero.
func FreezeExcess(st *State, symbol string, netQty int) int {
	if !st.FreezeMode {
		return 0
	}
	if st.AllowedPositions == nil {
		st.AllowedPositions = map[string]int{}
	}
	live := abs(netQty)
	allowed := st.AllowedPositions[symbol]
	if live > allowed {
		return live - allowed
	}
	if live < allowed {
		st.AllowedPositions[symbol] = live
	}
	return 0
}

// CooldownExcess returns the quantity above the cooldown allowance snapshot.
// Unlike the freeze allowance, the snapshot does not ratchet down.
func CooldownExcess(st *State, symbol string, netQty int) int {
	live := abs(netQty)
	allowed := st.CooldownPositions[symbol]
	if live > allowed {
		return live - allowed
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
