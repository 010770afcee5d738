// Package scoring computes per-map point awards from race times and playtimes.
//
// Everything here is pure: callers read races from the ledger, pass them in,
// and persist the returned awards.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"racesow/internal/models"
)

const (
	MinRecPoints = 2
	MaxRecPoints = 100

	// SecondPlacePerc caps 2nd place at 90% of 1st place
	SecondPlacePerc = 0.9

	// Playtime bumps in milliseconds (10/30/60 minutes)
	BumpTimeLow    int64 = 600000
	BumpTimeMedium int64 = 1800000
	BumpTimeHigh   int64 = 3600000

	BumpPointsLow    = 2
	BumpPointsMedium = 5
	BumpPointsHigh   = 10

	// topAverageCount is how many of the fastest times form the decay scale
	topAverageCount = 20
)

// ErrInvalidTime is returned when a completed race carries a non-positive time
var ErrInvalidTime = errors.New("invalid race time")

// Award is the computed result for one completed race
type Award struct {
	RaceID   uint
	PlayerID uint
	Rank     int
	Time     int64
	Value    float64
	Points   models.Points
}

// SortCompleted returns the races that have a time, fastest first.
// Equal times are ordered by earlier Created, then lower ID.
func SortCompleted(races []models.Race) []models.Race {
	completed := make([]models.Race, 0, len(races))
	for _, r := range races {
		if r.Time != nil {
			completed = append(completed, r)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		a, b := completed[i], completed[j]
		if *a.Time != *b.Time {
			return *a.Time < *b.Time
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return completed
}

// SortByPlaytime returns a copy of races ordered by playtime, highest first
func SortByPlaytime(races []models.Race) []models.Race {
	sorted := make([]models.Race, len(races))
	copy(sorted, races)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Playtime != sorted[j].Playtime {
			return sorted[i].Playtime > sorted[j].Playtime
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// bumpFor returns the playtime bonus for one race, or 0 when below all thresholds
func bumpFor(playtime int64) int {
	switch {
	case playtime > BumpTimeHigh:
		return BumpPointsHigh
	case playtime > BumpTimeMedium:
		return BumpPointsMedium
	case playtime > BumpTimeLow:
		return BumpPointsLow
	default:
		return 0
	}
}

// RecValue computes the points awarded to first place on a map.
//
// Every other racer with significant playtime bumps the record's worth. The
// record holder's own race is skipped: grinding playtime must not inflate
// one's own record. The result is clamped to [MinRecPoints, MaxRecPoints].
func RecValue(all []models.Race, bestRaceID uint) int {
	recPoints := MinRecPoints
	for _, race := range SortByPlaytime(all) {
		if race.ID == bestRaceID {
			continue
		}
		bump := bumpFor(race.Playtime)
		if bump == 0 {
			// sorted by playtime, nothing significant left
			break
		}
		recPoints += bump
	}
	if recPoints > MaxRecPoints {
		recPoints = MaxRecPoints
	}
	return recPoints
}

// Evaluate computes the awards for every completed race on a map.
// completed and all may be in any order; they are sorted here so the result
// does not depend on the storage engine's ordering. Races without a time
// receive no award.
func Evaluate(completed, all []models.Race) ([]Award, error) {
	ranked := SortCompleted(completed)
	if len(ranked) == 0 {
		return nil, nil
	}
	for _, r := range ranked {
		if *r.Time <= 0 {
			return nil, fmt.Errorf("race %d: %w (%d)", r.ID, ErrInvalidTime, *r.Time)
		}
	}

	recPoints := float64(RecValue(all, ranked[0].ID))
	return awardRanked(ranked, recPoints), nil
}

// awardRanked assigns points to races already sorted fastest first
func awardRanked(ranked []models.Race, recPoints float64) []Award {
	awards := make([]Award, len(ranked))
	for i, r := range ranked {
		awards[i] = Award{RaceID: r.ID, PlayerID: r.PlayerID, Rank: i + 1, Time: *r.Time}
	}

	awards[0].Value = recPoints
	if len(ranked) == 1 {
		return finish(awards)
	}

	n := len(ranked)
	if n > topAverageCount {
		n = topAverageCount
	}
	var sum float64
	for _, r := range ranked[:n] {
		sum += float64(*r.Time)
	}
	scale := sum / float64(n) * 0.8

	// 2nd place stays below a fixed fraction of 1st place, with a minimum gap of 2
	secondPlaceCap := math.Min(recPoints-2, recPoints*SecondPlacePerc)
	x := secondPlaceCap * 7 / 9
	firstTime := float64(awards[0].Time)

	decay := func(t int64) float64 {
		return secondPlaceCap - x*((float64(t)-firstTime)/scale)
	}

	// not floored: a slow runner-up can go below zero
	awards[1].Value = math.Min(secondPlaceCap, decay(awards[1].Time))

	pointsAbove := awards[1].Value
	for i := 2; i < len(awards); i++ {
		v := math.Max(0, math.Min(pointsAbove-2, decay(awards[i].Time)))
		awards[i].Value = v
		pointsAbove = v
	}
	return finish(awards)
}

func finish(awards []Award) []Award {
	for i := range awards {
		awards[i].Points = scoredPoints(awards[i].Value)
	}
	return awards
}

// scoredPoints rounds v to thousandths. A result landing exactly on the
// Unscored sentinel is moved one thousandth toward zero so a scored race is
// never mistaken for an unscored one.
func scoredPoints(v float64) models.Points {
	p := models.PointsFromFloat(v)
	if p == models.Unscored {
		return models.Unscored + 1
	}
	return p
}

// RecordHolder returns the fastest completed race, if any
func RecordHolder(completed []models.Race) (models.Race, bool) {
	ranked := SortCompleted(completed)
	if len(ranked) == 0 {
		return models.Race{}, false
	}
	return ranked[0], true
}

// PlaytimeChangesRecord reports whether added playtime by playerID changes the
// stored first-place points. The record holder never affects their own
// record's value, and an unscored record is always stale.
func PlaytimeChangesRecord(completed, all []models.Race, playerID uint) bool {
	best, ok := RecordHolder(completed)
	if !ok || best.PlayerID == playerID {
		return false
	}
	if !best.Points.IsScored() {
		return true
	}
	newRec := models.PointsFromFloat(float64(RecValue(all, best.ID)))
	return newRec != best.Points
}
