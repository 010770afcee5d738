package models

import "time"

// RaceSubmission is a validated attempt delivered by a game server.
// Time is omitted when the player only accumulated playtime.
type RaceSubmission struct {
	PlayerID    uint    `json:"player_id" validate:"required"`
	MapID       uint    `json:"map_id" validate:"required"`
	Time        *int64  `json:"time" validate:"omitempty,gt=0"`
	Playtime    int64   `json:"playtime" validate:"gte=0"`
	Races       int     `json:"races" validate:"gte=0"`
	Checkpoints []int64 `json:"checkpoints" validate:"omitempty,dive,gte=0"`
	ServerID    *uint   `json:"-"`
}

// PlayerRequest registers (or looks up) a player by in-game name
type PlayerRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

// SubmissionResponse is returned after a race submission
type SubmissionResponse struct {
	RaceID       uint `json:"race_id"`
	Created      bool `json:"created"`
	MarkedDirty  bool `json:"marked_dirty"`
	RecordHolder bool `json:"record_holder"`
}

// RaceEntry is one row of a map leaderboard
type RaceEntry struct {
	Rank       int       `json:"rank"`
	PlayerID   uint      `json:"player_id"`
	PlayerName string    `json:"player_name"`
	Time       int64     `json:"time"`
	TimeStr    string    `json:"time_str"`
	Points     float64   `json:"points"`
	Scored     bool      `json:"scored"`
	Playtime   int64     `json:"playtime"`
	Created    time.Time `json:"created"`
}

// MapLeaderboardResponse lists the ranked races of a map
type MapLeaderboardResponse struct {
	MapID           uint        `json:"map_id"`
	MapName         string      `json:"map_name"`
	Oneliner        string      `json:"oneliner"`
	Races           []RaceEntry `json:"races"`
	LastComputation *time.Time  `json:"last_computation"`
	NextComputation *time.Time  `json:"next_computation,omitempty"`
}

// PointsPreview is one entry of a dry-run evaluation
type PointsPreview struct {
	RaceID   uint    `json:"race_id"`
	PlayerID uint    `json:"player_id"`
	Rank     int     `json:"rank"`
	Time     int64   `json:"time"`
	Points   float64 `json:"points"`
}

// PlayerEntry represents a single entry in the players leaderboard
type PlayerEntry struct {
	Rank     int     `json:"rank"`
	PlayerID uint    `json:"player_id"`
	Name     string  `json:"name"`
	Points   float64 `json:"points"`
}

// PlayerLeaderboardResponse represents the paginated players leaderboard
type PlayerLeaderboardResponse struct {
	Data   []PlayerEntry `json:"data"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Total  int64         `json:"total"`
}

// PlayerResponse represents a player's totals
type PlayerResponse struct {
	ID           uint    `json:"id"`
	Name         string  `json:"name"`
	Simplified   string  `json:"simplified"`
	Playtime     int64   `json:"playtime"`
	Races        int     `json:"races"`
	Maps         int     `json:"maps"`
	MapsFinished int     `json:"maps_finished"`
	Points       float64 `json:"points"`
	Skill        float64 `json:"skill"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RaceDetailResponse is one player's race on a map with its checkpoints and
// recent submissions
type RaceDetailResponse struct {
	Race    Race          `json:"race"`
	TimeStr string        `json:"time_str,omitempty"`
	Points  float64       `json:"points"`
	Scored  bool          `json:"scored"`
	History []RaceHistory `json:"history"`
}

// MapEnabledRequest toggles submissions to a map
type MapEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}
