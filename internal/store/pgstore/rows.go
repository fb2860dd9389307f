package pgstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

// RoundRow is one round document plus the columns its queries filter and
// order on. Doc is authoritative; the columns are denormalized from it on
// every write.
type RoundRow struct {
	ID        string         `gorm:"primaryKey;size:64"`
	Status    string         `gorm:"size:16;index:idx_rounds_status_started,priority:1"`
	StartedAt *time.Time     `gorm:"index:idx_rounds_status_started,priority:2"`
	PlayerIDs datatypes.JSON `gorm:"column:player_ids"`
	Doc       datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName overrides the gorm default
func (RoundRow) TableName() string {
	return "rounds"
}

// MessageRow is one chat message document keyed for the per-round
// chronological scan
type MessageRow struct {
	ID        string         `gorm:"primaryKey;size:64"`
	RoundID   string         `gorm:"size:64;index:idx_messages_round_created,priority:1"`
	CreatedAt time.Time      `gorm:"index:idx_messages_round_created,priority:2"`
	Doc       datatypes.JSON `gorm:"not null"`
}

// TableName overrides the gorm default
func (MessageRow) TableName() string {
	return "round_messages"
}

func roundRowFromModel(r models.Round) (RoundRow, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return RoundRow{}, fmt.Errorf("failed to marshal round: %w", err)
	}
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Players {
		ids = append(ids, p.PlayerID)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return RoundRow{}, fmt.Errorf("failed to marshal player ids: %w", err)
	}
	return RoundRow{
		ID:        r.ID,
		Status:    string(r.Status),
		StartedAt: r.StartedAt,
		PlayerIDs: datatypes.JSON(idsJSON),
		Doc:       datatypes.JSON(doc),
	}, nil
}

func (r RoundRow) document() store.Document {
	return store.Document{
		ID:         r.ID,
		Data:       json.RawMessage(r.Doc),
		UpdateTime: r.UpdatedAt,
	}
}

func (m MessageRow) document() store.Document {
	return store.Document{
		ID:         m.ID,
		Data:       json.RawMessage(m.Doc),
		UpdateTime: m.CreatedAt,
	}
}
