package models

import (
	"time"
)

// Server represents a game server allowed to submit races
type Server struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	Name      string     `gorm:"not null" json:"name"`
	Address   string     `json:"address"`
	AuthKey   string     `gorm:"not null" json:"-"`
	Playtime  int64      `gorm:"not null;default:0" json:"playtime"`
	Races     int        `gorm:"not null;default:0" json:"races"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen"`
}

// TableName specifies the table name for GORM
func (Server) TableName() string {
	return "servers"
}

// Map is one playable level and the unit of leaderboard scoring.
// ComputePoints is the dirty flag; DirtySeq is bumped every time the flag is
// set so a sweep only clears the flag it actually observed.
type Map struct {
	ID              uint       `gorm:"primarykey" json:"id"`
	Name            string     `gorm:"uniqueIndex;not null" json:"name"`
	Enabled         bool       `gorm:"not null;default:true" json:"enabled"`
	Races           int        `gorm:"not null;default:0" json:"races"`
	Playtime        int64      `gorm:"not null;default:0" json:"playtime"`
	Oneliner        string     `json:"oneliner"`
	ComputePoints   bool       `gorm:"not null;default:false;index" json:"compute_points"`
	DirtySeq        int64      `gorm:"not null;default:0" json:"-"`
	LastComputation *time.Time `json:"last_computation"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Map) TableName() string {
	return "maps"
}

// Player holds a racer's running totals
type Player struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	Name         string    `gorm:"not null" json:"name"`
	Simplified   string    `gorm:"uniqueIndex;not null" json:"simplified"`
	Playtime     int64     `gorm:"not null;default:0" json:"playtime"`
	Races        int       `gorm:"not null;default:0" json:"races"`
	Maps         int       `gorm:"not null;default:0" json:"maps"`
	MapsFinished int       `gorm:"not null;default:0" json:"maps_finished"`
	Points       Points    `gorm:"not null;default:0;index" json:"points"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (Player) TableName() string {
	return "players"
}

// Race is the current-best record of one player on one map.
// Time is nil until the player completes a run.
type Race struct {
	ID          uint         `gorm:"primarykey" json:"id"`
	PlayerID    uint         `gorm:"not null;uniqueIndex:idx_race_player_map" json:"player_id"`
	MapID       uint         `gorm:"not null;uniqueIndex:idx_race_player_map;index:idx_race_map_time,priority:1" json:"map_id"`
	ServerID    *uint        `json:"server_id"`
	Time        *int64       `gorm:"index:idx_race_map_time,priority:2" json:"time"`
	Playtime    int64        `gorm:"not null;default:0" json:"playtime"`
	Points      Points       `gorm:"not null;default:-1000" json:"points"`
	Rank        int          `gorm:"not null;default:0" json:"rank"`
	Created     time.Time    `gorm:"not null" json:"created"`
	LastPlayed  time.Time    `gorm:"not null" json:"last_played"`
	Checkpoints []Checkpoint `gorm:"constraint:OnDelete:CASCADE" json:"checkpoints,omitempty"`
}

// TableName specifies the table name for GORM
func (Race) TableName() string {
	return "races"
}

// HasTime reports whether the race has a completed run
func (r *Race) HasTime() bool {
	return r.Time != nil
}

// RaceHistory is the append-only log of submissions
type RaceHistory struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	PlayerID   uint      `gorm:"not null;index" json:"player_id"`
	MapID      uint      `gorm:"not null;index" json:"map_id"`
	ServerID   *uint     `json:"server_id"`
	Time       *int64    `json:"time"`
	Playtime   int64     `gorm:"not null;default:0" json:"playtime"`
	Points     Points    `gorm:"not null;default:0" json:"points"`
	Created    time.Time `gorm:"not null" json:"created"`
	LastPlayed time.Time `gorm:"not null" json:"last_played"`
}

// TableName specifies the table name for GORM
func (RaceHistory) TableName() string {
	return "race_history"
}

// Checkpoint is one split time within a race
type Checkpoint struct {
	ID     uint  `gorm:"primarykey" json:"-"`
	RaceID uint  `gorm:"not null;uniqueIndex:idx_checkpoint_race_number" json:"-"`
	Number int   `gorm:"not null;uniqueIndex:idx_checkpoint_race_number" json:"number"`
	Time   int64 `gorm:"not null" json:"time"`
}

// TableName specifies the table name for GORM
func (Checkpoint) TableName() string {
	return "checkpoints"
}
