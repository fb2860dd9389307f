// Package live implements the round coordination engine: the leaderboard
// reduction, the per-round snapshot feed, live-round discovery, and round
// chat. All durable state lives behind the store boundary; everything here
// is derived and instance-scoped.
package live

import (
	"fmt"
	"sort"

	"github.com/stitts-dev/links-live/internal/models"
)

// BuildLeaderboard reduces the roster and its live statistics into ranked
// entries for the given format. Every rostered player gets exactly one
// entry; players with no live statistics yet get a zero-filled placeholder.
// Entries are ordered ascending by SortValue, so higher-is-better formats
// invert the sign here and nowhere else. Ties keep roster order.
func BuildLeaderboard(players []models.PlayerSlot, liveScores map[string]models.LiveScoreState, format models.RoundFormat) []models.LeaderboardEntry {
	entries := make([]models.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entry := models.LeaderboardEntry{
			PlayerID:     p.PlayerID,
			DisplayName:  p.DisplayName,
			Avatar:       p.Avatar,
			IsGhost:      p.IsGhost,
			DisplayValue: "-",
		}
		if state, ok := liveScores[p.PlayerID]; ok {
			entry.Thru = state.Thru
			entry.GrossScore = state.CurrentGross
			entry.NetScore = state.CurrentNet
			entry.ScoreToPar = state.ScoreToPar
			entry.DisplayValue, entry.SortValue = formatStanding(state, format)
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SortValue < entries[j].SortValue
	})
	return entries
}

// formatStanding maps one player's live statistics onto the display string
// and ascending-is-better sort key for the format. Unrecognized formats
// fall through to stroke play.
func formatStanding(s models.LiveScoreState, format models.RoundFormat) (string, float64) {
	switch {
	case format.PointsBased():
		return fmt.Sprintf("%d pts", s.StablefordPoints), -float64(s.StablefordPoints)
	case format == models.FormatSkins:
		return fmt.Sprintf("%d %s", s.SkinsWon, pluralSkins(s.SkinsWon)), -float64(s.SkinsWon)
	case format.MatchPlay():
		display := s.MatchResult
		if display == "" {
			display = "AS"
		}
		return display, -float64(s.HolesWon - s.HolesLost)
	default:
		return FormatToPar(s.ScoreToPar), float64(s.CurrentGross)
	}
}

// FormatToPar renders a to-par total the way a scoreboard does: "E" at
// even, explicit sign otherwise
func FormatToPar(n int) string {
	if n == 0 {
		return "E"
	}
	return fmt.Sprintf("%+d", n)
}

func pluralSkins(n int) string {
	if n == 1 {
		return "skin"
	}
	return "skins"
}
