package models

// LeaderboardEntry is one ranked row of a round leaderboard. Entries are
// derived from the round document on every update and never persisted.
// SortValue is ascending-is-better for every format and exists only for
// ordering; it is excluded from API payloads.
type LeaderboardEntry struct {
	PlayerID     string  `json:"playerId"`
	DisplayName  string  `json:"displayName"`
	Avatar       string  `json:"avatar,omitempty"`
	IsGhost      bool    `json:"isGhost,omitempty"`
	Thru         int     `json:"thru"`
	GrossScore   int     `json:"grossScore"`
	NetScore     int     `json:"netScore"`
	ScoreToPar   int     `json:"scoreToPar"`
	DisplayValue string  `json:"displayValue"`
	SortValue    float64 `json:"-"`
}

// ActiveRoundSummary is the compact answer to "does this user have a live
// round right now", enough for a rejoin banner
type ActiveRoundSummary struct {
	RoundID     string      `json:"roundId"`
	CourseName  string      `json:"courseName"`
	PlayerCount int         `json:"playerCount"`
	CurrentHole int         `json:"currentHole"`
	FormatID    RoundFormat `json:"formatId"`
}
