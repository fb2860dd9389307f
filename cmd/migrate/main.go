package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
	"github.com/stitts-dev/links-live/internal/store/pgstore"
	"github.com/stitts-dev/links-live/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down|seed]")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	driver := cfg.StoreDriver
	if driver != "sqlite" {
		driver = "postgres"
	}
	st, err := pgstore.Open(pgstore.Config{
		Driver:      driver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		LogQueries:  cfg.LogQueries,
	}, pgstore.NewLocalNotifier(), logrus.StandardLogger())
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	switch os.Args[1] {
	case "up":
		if err := st.Migrate(); err != nil {
			logrus.Fatalf("Failed to run migrations: %v", err)
		}
		logrus.Info("Migrations completed successfully")

	case "down":
		if err := st.Drop(); err != nil {
			logrus.Fatalf("Failed to drop tables: %v", err)
		}
		logrus.Info("Tables dropped successfully")

	case "seed":
		if err := st.Migrate(); err != nil {
			logrus.Fatalf("Failed to run migrations: %v", err)
		}
		if err := seedData(st); err != nil {
			logrus.Fatalf("Failed to seed data: %v", err)
		}
		logrus.Info("Data seeded successfully")

	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}

func seedData(st *pgstore.Store) error {
	ctx := context.Background()
	now := time.Now()
	teeOff := now.Add(-95 * time.Minute)
	earlier := now.Add(-3 * time.Hour)

	rounds := []models.Round{
		{
			ID:          "demo-round-live",
			Status:      models.RoundStatusLive,
			FormatID:    models.FormatStrokePlay,
			CurrentHole: 8,
			CourseName:  "Pebble Creek Municipal",
			Players: []models.PlayerSlot{
				{PlayerID: "user-ava", DisplayName: "Ava Reyes"},
				{PlayerID: "user-ben", DisplayName: "Ben Okafor"},
				{PlayerID: "user-callie", DisplayName: "Callie Zhang"},
				{PlayerID: "ghost-best", DisplayName: "Course Record Pace", IsGhost: true},
			},
			LiveScores: map[string]models.LiveScoreState{
				"user-ava":    {Thru: 7, CurrentGross: 31, CurrentNet: 28, ScoreToPar: 3},
				"user-ben":    {Thru: 7, CurrentGross: 29, CurrentNet: 28, ScoreToPar: 1},
				"user-callie": {Thru: 6, CurrentGross: 24, CurrentNet: 22, ScoreToPar: 0},
				"ghost-best":  {Thru: 7, CurrentGross: 26, CurrentNet: 26, ScoreToPar: -2},
			},
			StartedAt: &teeOff,
		},
		{
			ID:          "demo-round-stableford",
			Status:      models.RoundStatusLive,
			FormatID:    models.FormatStableford,
			CurrentHole: 12,
			CourseName:  "Heather Glen East",
			Players: []models.PlayerSlot{
				{PlayerID: "user-dre", DisplayName: "Dre Whitfield"},
				{PlayerID: "user-emi", DisplayName: "Emi Tanaka"},
			},
			LiveScores: map[string]models.LiveScoreState{
				"user-dre": {Thru: 11, CurrentGross: 49, CurrentNet: 45, ScoreToPar: 5, StablefordPoints: 19},
				"user-emi": {Thru: 11, CurrentGross: 47, CurrentNet: 44, ScoreToPar: 3, StablefordPoints: 22},
			},
			StartedAt: &earlier,
		},
		{
			ID:         "demo-round-upcoming",
			Status:     models.RoundStatusUpcoming,
			FormatID:   models.FormatSkins,
			CourseName: "Pebble Creek Municipal",
			Players: []models.PlayerSlot{
				{PlayerID: "user-ava", DisplayName: "Ava Reyes"},
				{PlayerID: "user-dre", DisplayName: "Dre Whitfield"},
			},
		},
	}

	for _, r := range rounds {
		if err := st.PutRound(ctx, r); err != nil {
			return fmt.Errorf("failed to seed round %s: %w", r.ID, err)
		}
	}
	logrus.Infof("Seeded %d rounds", len(rounds))

	messages := []map[string]any{
		{"roundId": "demo-round-live", "senderId": "user-ben", "senderName": "Ben Okafor", "body": "Birdie on 3, someone stop me"},
		{"roundId": "demo-round-live", "senderId": "user-ava", "senderName": "Ava Reyes", "body": "The wind on 5 is brutal today"},
		{"roundId": "demo-round-live", "senderId": "user-callie", "senderName": "Callie Zhang", "body": "Net even thru 6, feeling good"},
	}
	for _, fields := range messages {
		if _, err := st.Append(ctx, store.CollectionMessages, fields); err != nil {
			return fmt.Errorf("failed to seed message: %w", err)
		}
	}
	logrus.Infof("Seeded %d chat messages", len(messages))

	return nil
}
