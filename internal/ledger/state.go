package ledger

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/roach88/conserve/internal/ir"
)

// Distribution summarizes funded balances in normalized units.
type Distribution struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// EnergyState is a point-in-time summary of the pool.
type EnergyState struct {
	Total          ir.Energy     `json:"total"`
	Allocated      ir.Energy     `json:"allocated"`
	Free           ir.Energy     `json:"free"`
	ActiveEntities int           `json:"active_entities"`
	Dormant        []ir.EntityID `json:"dormant,omitempty"`
	Distribution   Distribution  `json:"distribution"`
}

// State reports pool usage and the distribution of funded balances.
// Entities below the dormancy threshold are listed as dormant.
func (l *Ledger) State() EnergyState {
	st := EnergyState{
		Total:     l.cfg.Total,
		Allocated: l.Allocated(),
	}
	st.Free = st.Total - st.Allocated

	values := make([]float64, 0, len(l.balances))
	for id, b := range l.balances {
		if b <= 0 {
			continue
		}
		values = append(values, b.Float64())
		if b < l.cfg.DormancyThreshold {
			st.Dormant = append(st.Dormant, id)
		}
	}
	st.ActiveEntities = len(values)
	if len(values) == 0 {
		return st
	}

	st.Distribution.Mean, st.Distribution.Variance = stat.PopMeanVariance(values, nil)
	st.Distribution.Min = floats.Min(values)
	st.Distribution.Max = floats.Max(values)
	sortEntities(st.Dormant)
	return st
}
