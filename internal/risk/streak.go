package risk

import (
	"time"
)

// Classification is the outcome of classifying one closing sell.
type Classification struct {
	Counter  int
	Baseline float64
	Worsened bool
	Breached bool
}

// Classify applies the baseline-ratchet rule to one SELL's mark-to-market
// value. Equal to the baseline leaves everything untouched (a partial fill
// echo); below it worsens the streak and refreshes the cooldown window;
// above it resets the streak. Only SELL-classified events reach here.
func Classify(sellMTM float64, st *State, now time.Time) Classification {
	worsened := sellMTM < st.LossBaseline
	switch {
	case sellMTM == st.LossBaseline:
		// echo, nothing moves
	case sellMTM < st.LossBaseline:
		st.ConsecutiveLosses++
		st.LossBaseline = sellMTM
		if st.CooldownMinutes > 0 {
			st.CooldownUntil = now.Add(time.Duration(st.CooldownMinutes) * time.Minute)
			// Forget the previous allowance snapshot; the driver
			// re-snapshots live positions on its next pass.
			st.CooldownPositions = nil
		}
	default:
		st.ConsecutiveLosses = 0
		st.LossBaseline = sellMTM
	}

	return Classification{
		Counter:  st.ConsecutiveLosses,
		Baseline: st.LossBaseline,
		Worsened: worsened,
		Breached: st.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= st.MaxConsecutiveLosses,
	}
}

// InCooldown reports whether the cooldown window is active.
func (s *State) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}
