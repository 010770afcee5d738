package scoring

import (
	"racesow/internal/models"
)

// Change describes how applying one award alters a race row and its owner's totals
type Change struct {
	RaceID        uint
	PlayerID      uint
	OldPoints     models.Points
	NewPoints     models.Points
	OldRank       int
	NewRank       int
	PlayerDelta   models.Points
	FinishedDelta int
}

// PointsChanged reports whether the race's stored points must be rewritten
func (c Change) PointsChanged() bool {
	return c.OldPoints != c.NewPoints
}

// Reconcile diffs a race's stored points against a newly computed value.
//
// A race that was never scored (or every race, when reset is set because all
// aggregates were zeroed) contributes its full value, and counts as a finished
// map when it has a time. A scored race contributes only the difference.
// Points are compared in thousandths, so any difference of at least 0.001
// points counts; smaller float noise was removed when rounding.
func Reconcile(old models.Points, hasTime bool, newPoints models.Points, reset bool) (delta models.Points, finished int, changed bool) {
	if reset || !old.IsScored() {
		if hasTime {
			finished = 1
		}
		return newPoints, finished, true
	}
	if old == newPoints {
		return 0, 0, false
	}
	return newPoints - old, 0, true
}

// Plan pairs the stored races of a map with their awards and returns the
// changes to apply. Races with neither a points nor a rank change are left out,
// which keeps re-running a clean map a no-op.
func Plan(current []models.Race, awards []Award, reset bool) []Change {
	byID := make(map[uint]models.Race, len(current))
	for _, r := range current {
		byID[r.ID] = r
	}

	changes := make([]Change, 0, len(awards))
	for _, a := range awards {
		race, ok := byID[a.RaceID]
		if !ok {
			continue
		}
		delta, finished, changed := Reconcile(race.Points, race.HasTime(), a.Points, reset)
		if !changed && race.Rank == a.Rank {
			continue
		}
		changes = append(changes, Change{
			RaceID:        race.ID,
			PlayerID:      race.PlayerID,
			OldPoints:     race.Points,
			NewPoints:     a.Points,
			OldRank:       race.Rank,
			NewRank:       a.Rank,
			PlayerDelta:   delta,
			FinishedDelta: finished,
		})
	}
	return changes
}
