package models

import (
	"encoding/json"
	"time"
)

// RoundStatus represents the lifecycle state of a round
type RoundStatus string

const (
	RoundStatusUpcoming  RoundStatus = "upcoming"
	RoundStatusLive      RoundStatus = "live"
	RoundStatusCompleted RoundStatus = "completed"
)

// RoundFormat identifies the scoring format a round is played under
type RoundFormat string

const (
	FormatStrokePlay RoundFormat = "stroke_play"
	FormatStableford RoundFormat = "stableford"
	FormatSkins      RoundFormat = "skins"
	FormatMatchPlay  RoundFormat = "match_play"
	FormatBetterBall RoundFormat = "better_ball"
	FormatBestBall   RoundFormat = "best_ball"
	FormatFoursome   RoundFormat = "foursome"
	FormatGreensome  RoundFormat = "greensome"
)

// PointsBased reports whether the format ranks players by accumulated points
func (f RoundFormat) PointsBased() bool {
	switch f {
	case FormatStableford, FormatBetterBall, FormatBestBall:
		return true
	}
	return false
}

// MatchPlay reports whether the format ranks players by holes won and lost
func (f RoundFormat) MatchPlay() bool {
	switch f {
	case FormatMatchPlay, FormatFoursome, FormatGreensome:
		return true
	}
	return false
}

// Round is the full document describing one round of golf, including the
// roster and the live statistics posted by the scoring pipeline
type Round struct {
	ID          string                    `json:"id"`
	Status      RoundStatus               `json:"status"`
	FormatID    RoundFormat               `json:"formatId"`
	CurrentHole int                       `json:"currentHole"`
	CourseName  string                    `json:"courseName"`
	Players     []PlayerSlot              `json:"players"`
	LiveScores  map[string]LiveScoreState `json:"liveScores,omitempty"`
	StartedAt   *time.Time                `json:"startedAt,omitempty"`
	CreatedAt   *time.Time                `json:"createdAt,omitempty"`
}

// IsLive reports whether the round is currently in progress
func (r *Round) IsLive() bool {
	return r.Status == RoundStatusLive
}

// HasPlayer reports whether the given player occupies a roster slot
func (r *Round) HasPlayer(playerID string) bool {
	for _, p := range r.Players {
		if p.PlayerID == playerID {
			return true
		}
	}
	return false
}

// PlayerSlot is one roster position. Ghost slots hold non-human pace or
// benchmark entries and are ranked like any other player.
type PlayerSlot struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	IsGhost     bool   `json:"isGhost,omitempty"`
}

// LiveScoreState carries the per-player running statistics materialized by
// the score-posting pipeline. This service reads it, never computes it.
type LiveScoreState struct {
	Thru             int    `json:"thru"`
	CurrentGross     int    `json:"currentGross"`
	CurrentNet       int    `json:"currentNet"`
	ScoreToPar       int    `json:"scoreToPar"`
	StablefordPoints int    `json:"stablefordPoints,omitempty"`
	SkinsWon         int    `json:"skinsWon,omitempty"`
	HolesWon         int    `json:"holesWon,omitempty"`
	HolesLost        int    `json:"holesLost,omitempty"`
	MatchResult      string `json:"matchResult,omitempty"`
}

// UnmarshalJSON accepts documents written before the thru rename, which
// carry the holes-completed count under "holesCompleted"
func (s *LiveScoreState) UnmarshalJSON(data []byte) error {
	type alias LiveScoreState
	aux := struct {
		*alias
		Thru           *int `json:"thru"`
		HolesCompleted *int `json:"holesCompleted"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.Thru != nil:
		s.Thru = *aux.Thru
	case aux.HolesCompleted != nil:
		s.Thru = *aux.HolesCompleted
	}
	return nil
}
