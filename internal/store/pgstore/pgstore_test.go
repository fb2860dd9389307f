package pgstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// an in-memory sqlite database exists per connection
	sqlDB.SetMaxOpenConns(1)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(gormDB, NewLocalNotifier(), logger)
	require.NoError(t, s.Migrate())
	return s
}

func testRound(id string, status models.RoundStatus, started time.Time) models.Round {
	s := started
	return models.Round{
		ID:          id,
		Status:      status,
		FormatID:    models.FormatStrokePlay,
		CurrentHole: 3,
		CourseName:  "Cedar Hollow",
		Players: []models.PlayerSlot{
			{PlayerID: "p1", DisplayName: "Alice"},
			{PlayerID: "p2", DisplayName: "Bob", IsGhost: true},
		},
		LiveScores: map[string]models.LiveScoreState{
			"p1": {Thru: 2, CurrentGross: 9, ScoreToPar: 1},
		},
		StartedAt: &s,
	}
}

func TestRoundRowMapping(t *testing.T) {
	started := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	row, err := roundRowFromModel(testRound("r1", models.RoundStatusLive, started))
	require.NoError(t, err)

	assert.Equal(t, "r1", row.ID)
	assert.Equal(t, "live", row.Status)
	require.NotNil(t, row.StartedAt)
	assert.True(t, row.StartedAt.Equal(started))

	var ids []string
	require.NoError(t, json.Unmarshal(row.PlayerIDs, &ids))
	assert.Equal(t, []string{"p1", "p2"}, ids)

	var r models.Round
	require.NoError(t, json.Unmarshal(row.Doc, &r))
	assert.Equal(t, "Cedar Hollow", r.CourseName)
}

func TestPutRoundAndGetDocument(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRound(ctx, testRound("r1", models.RoundStatusLive, started)))

	doc, err := s.GetDocument(ctx, store.CollectionRounds, "r1")
	require.NoError(t, err)
	var r models.Round
	require.NoError(t, doc.Decode(&r))
	assert.Equal(t, models.RoundStatusLive, r.Status)
	assert.Equal(t, 3, r.CurrentHole)
	assert.Len(t, r.Players, 2)
	assert.Equal(t, 2, r.LiveScores["p1"].Thru)

	_, err = s.GetDocument(ctx, store.CollectionRounds, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunQueryLiveWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRound(ctx, testRound("old", models.RoundStatusLive, base)))
	require.NoError(t, s.PutRound(ctx, testRound("done", models.RoundStatusCompleted, base.Add(time.Hour))))
	require.NoError(t, s.PutRound(ctx, testRound("mid", models.RoundStatusLive, base.Add(30*time.Minute))))
	require.NoError(t, s.PutRound(ctx, testRound("new", models.RoundStatusLive, base.Add(2*time.Hour))))

	docs, err := s.RunQuery(ctx, store.Query{
		Collection: store.CollectionRounds,
		Filters:    []store.Filter{{Field: "status", Op: store.OpEqual, Value: "live"}},
		OrderBy:    "startedAt",
		Descending: true,
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0].ID)
	assert.Equal(t, "mid", docs[1].ID)
}

func TestRunQueryRejectsUnknownFields(t *testing.T) {
	s := testStore(t)
	_, err := s.RunQuery(context.Background(), store.Query{
		Collection: store.CollectionRounds,
		Filters:    []store.Filter{{Field: "courseName", Op: store.OpEqual, Value: "x"}},
	})
	assert.Error(t, err)
}

func TestAppendMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, store.CollectionMessages, map[string]any{
		"roundId":    "r1",
		"senderId":   "p1",
		"senderName": "Alice",
		"body":       "pured it",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.GetDocument(ctx, store.CollectionMessages, id)
	require.NoError(t, err)
	var msg models.ChatMessage
	require.NoError(t, doc.Decode(&msg))
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "r1", msg.RoundID)
	assert.Equal(t, "pured it", msg.Body)
	assert.False(t, msg.CreatedAt.IsZero())

	docs, err := s.RunQuery(ctx, store.Query{
		Collection: store.CollectionMessages,
		Filters:    []store.Filter{{Field: "roundId", Op: store.OpEqual, Value: "r1"}},
		OrderBy:    "createdAt",
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func recvDocEvent(t *testing.T, ch <-chan store.DocumentEvent) store.DocumentEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for document event")
		return store.DocumentEvent{}
	}
}

func recvQueryEvent(t *testing.T, ch <-chan store.QueryEvent) store.QueryEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query event")
		return store.QueryEvent{}
	}
}

func TestWatchDocumentDeliversOnWrite(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

	ch, err := s.WatchDocument(ctx, store.CollectionRounds, "r1")
	require.NoError(t, err)

	ev := recvDocEvent(t, ch)
	require.NoError(t, ev.Err)
	assert.Nil(t, ev.Snapshot, "initial event reflects the missing document")

	r := testRound("r1", models.RoundStatusLive, started)
	require.NoError(t, s.PutRound(ctx, r))
	ev = recvDocEvent(t, ch)
	require.NotNil(t, ev.Snapshot)

	// an identical rewrite must not produce a delivery
	require.NoError(t, s.PutRound(ctx, r))
	assert.Never(t, func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)

	r.CurrentHole = 7
	require.NoError(t, s.PutRound(ctx, r))
	ev = recvDocEvent(t, ch)
	require.NotNil(t, ev.Snapshot)
	var got models.Round
	require.NoError(t, ev.Snapshot.Decode(&got))
	assert.Equal(t, 7, got.CurrentHole)
}

func TestWatchQueryReactsToAppend(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.WatchQuery(ctx, store.Query{
		Collection: store.CollectionMessages,
		Filters:    []store.Filter{{Field: "roundId", Op: store.OpEqual, Value: "r1"}},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      10,
	})
	require.NoError(t, err)

	ev := recvQueryEvent(t, ch)
	require.NoError(t, ev.Err)
	assert.Empty(t, ev.Docs)

	_, err = s.Append(ctx, store.CollectionMessages, map[string]any{"roundId": "r1", "body": "hello"})
	require.NoError(t, err)

	ev = recvQueryEvent(t, ch)
	require.Len(t, ev.Docs, 1)

	// a message for another round does not change this result set
	_, err = s.Append(ctx, store.CollectionMessages, map[string]any{"roundId": "r9", "body": "elsewhere"})
	require.NoError(t, err)
	assert.Never(t, func() bool {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestAppendRoundCollection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, store.CollectionRounds, map[string]any{
		"status":     "upcoming",
		"formatId":   "skins",
		"courseName": "Quarry Nine",
		"players":    []map[string]any{{"playerId": "p1", "displayName": "Alice"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.GetDocument(ctx, store.CollectionRounds, id)
	require.NoError(t, err)
	var r models.Round
	require.NoError(t, doc.Decode(&r))
	assert.Equal(t, models.FormatSkins, r.FormatID)
	assert.Equal(t, models.RoundStatusUpcoming, r.Status)
}
