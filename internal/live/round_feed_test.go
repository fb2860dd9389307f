package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
	"github.com/stitts-dev/links-live/internal/store/memstore"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testFeedConfig() FeedConfig {
	return FeedConfig{
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}
}

func waitFeed(t *testing.T, f *RoundFeed, cond func(RoundState) bool) RoundState {
	t.Helper()
	var last RoundState
	require.Eventually(t, func() bool {
		last = f.Current()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func seedRound(t *testing.T, m *memstore.Memstore, r models.Round) {
	t.Helper()
	require.NoError(t, m.Put(store.CollectionRounds, r.ID, r))
}

func TestRoundFeedLoadsAndDerives(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{
		ID:          "r1",
		Status:      models.RoundStatusLive,
		FormatID:    models.FormatStrokePlay,
		CurrentHole: 7,
		CourseName:  "Pebble Creek",
		Players:     roster("p1", "p2"),
		LiveScores: map[string]models.LiveScoreState{
			"p1": {Thru: 6, CurrentGross: 29, ScoreToPar: 2},
			"p2": {Thru: 6, CurrentGross: 26, ScoreToPar: -1},
		},
	})

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })
	assert.True(t, s.IsLive)
	assert.Equal(t, 7, s.CurrentHole)
	assert.Nil(t, s.Err)
	assert.False(t, s.Loading)
	require.Len(t, s.Leaderboard, 2)
	assert.Equal(t, "p2", s.Leaderboard[0].PlayerID)
	assert.Equal(t, "-1", s.Leaderboard[0].DisplayValue)
}

func TestRoundFeedCurrentHoleDefaultsToOne(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{
		ID:      "r1",
		Status:  models.RoundStatusUpcoming,
		Players: roster("p1"),
	})

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })
	assert.Equal(t, 1, s.CurrentHole)
	assert.False(t, s.IsLive)
}

func TestRoundFeedNotFound(t *testing.T) {
	m := memstore.New()
	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("missing")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Err != nil })
	assert.ErrorIs(t, s.Err, ErrRoundNotFound)
	assert.Nil(t, s.Round)
	assert.False(t, s.Loading)
}

func TestRoundFeedRecomputesOnUpdate(t *testing.T) {
	m := memstore.New()
	r := models.Round{
		ID:       "r1",
		Status:   models.RoundStatusLive,
		FormatID: models.FormatStrokePlay,
		Players:  roster("p1", "p2"),
		LiveScores: map[string]models.LiveScoreState{
			"p1": {CurrentGross: 30},
			"p2": {CurrentGross: 35},
		},
	}
	seedRound(t, m, r)

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")
	waitFeed(t, f, func(s RoundState) bool {
		return len(s.Leaderboard) == 2 && s.Leaderboard[0].PlayerID == "p1"
	})

	// p2 posts a hot stretch and takes the lead
	r.LiveScores = map[string]models.LiveScoreState{
		"p1": {CurrentGross: 44},
		"p2": {CurrentGross: 40},
	}
	seedRound(t, m, r)

	waitFeed(t, f, func(s RoundState) bool {
		return len(s.Leaderboard) == 2 && s.Leaderboard[0].PlayerID == "p2"
	})
}

// silentDocStore silences document watches for one identifier so a test can
// freeze a feed in its loading state
type silentDocStore struct {
	*memstore.Memstore
	silentID string
}

func (s *silentDocStore) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	if docID == s.silentID {
		ch := make(chan store.DocumentEvent)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	return s.Memstore.WatchDocument(ctx, collection, docID)
}

func TestRoundFeedSwitchResetsSynchronously(t *testing.T) {
	m := memstore.New()
	r := models.Round{
		ID:       "r1",
		Status:   models.RoundStatusLive,
		FormatID: models.FormatStrokePlay,
		Players:  roster("p1"),
		LiveScores: map[string]models.LiveScoreState{
			"p1": {CurrentGross: 33},
		},
	}
	seedRound(t, m, r)

	f := NewRoundFeed(&silentDocStore{Memstore: m, silentID: "r2"}, testLogger(), testFeedConfig())
	defer f.Stop()

	f.SetRound("r1")
	waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })

	f.SetRound("r2")
	s := f.Current()
	assert.Equal(t, "r2", s.RoundID)
	assert.True(t, s.Loading)
	assert.Nil(t, s.Round)
	assert.Empty(t, s.Leaderboard)
	assert.Nil(t, s.Err)

	// updates to the abandoned round must never surface again
	r.LiveScores["p1"] = models.LiveScoreState{CurrentGross: 99}
	seedRound(t, m, r)
	assert.Never(t, func() bool {
		cur := f.Current()
		return cur.RoundID == "r1" || cur.Round != nil
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestRoundFeedSetSameRoundIsNoOp(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{ID: "r1", Status: models.RoundStatusLive, Players: roster("p1")})

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")
	waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })

	f.SetRound("r1")
	s := f.Current()
	assert.NotNil(t, s.Round)
	assert.False(t, s.Loading)
}

func TestRoundFeedClearToIdle(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{ID: "r1", Status: models.RoundStatusLive, Players: roster("p1")})

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")
	waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })

	f.SetRound("")
	s := f.Current()
	assert.Empty(t, s.RoundID)
	assert.Nil(t, s.Round)
	assert.False(t, s.Loading)
}

func TestRoundFeedStopIsIdempotent(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{ID: "r1", Status: models.RoundStatusLive, Players: roster("p1")})

	f := NewRoundFeed(m, testLogger(), testFeedConfig())
	f.SetRound("r1")
	waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })

	f.Stop()
	f.Stop()

	// state channel drains and closes
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-f.States():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// a stopped feed ignores further switches
	f.SetRound("r2")
	assert.Equal(t, "r1", f.Current().RoundID)
}

func TestRoundFeedStopBeforeFirstEvent(t *testing.T) {
	m := memstore.New()
	f := NewRoundFeed(&silentDocStore{Memstore: m, silentID: "r1"}, testLogger(), testFeedConfig())
	f.SetRound("r1")
	f.Stop()
	f.Stop()
	assert.True(t, f.Current().Loading)
}

// flakyDocStore fails the first N watch attempts
type flakyDocStore struct {
	*memstore.Memstore
	mu       sync.Mutex
	failures int
}

func (s *flakyDocStore) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("transport down")
	}
	s.mu.Unlock()
	return s.Memstore.WatchDocument(ctx, collection, docID)
}

func TestRoundFeedRetriesAndRecovers(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{ID: "r1", Status: models.RoundStatusLive, Players: roster("p1")})

	f := NewRoundFeed(&flakyDocStore{Memstore: m, failures: 2}, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })
	assert.Nil(t, s.Err)
}

func TestRoundFeedRetryBudgetExhausted(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{ID: "r1", Status: models.RoundStatusLive, Players: roster("p1")})

	f := NewRoundFeed(&flakyDocStore{Memstore: m, failures: 100}, testLogger(), testFeedConfig())
	defer f.Stop()
	f.SetRound("r1")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Err != nil && !s.Loading })
	assert.Error(t, s.Err)
	assert.Nil(t, s.Round)
}

func TestRoundFeedStallSurfaces(t *testing.T) {
	m := memstore.New()
	cfg := FeedConfig{StallTimeout: 30 * time.Millisecond}
	f := NewRoundFeed(&silentDocStore{Memstore: m, silentID: "r1"}, testLogger(), cfg)
	defer f.Stop()
	f.SetRound("r1")

	s := waitFeed(t, f, func(s RoundState) bool { return s.Err != nil })
	assert.ErrorIs(t, s.Err, ErrWatchStalled)
}

func TestRoundFeedErrorKeepsLastGoodData(t *testing.T) {
	m := memstore.New()
	seedRound(t, m, models.Round{
		ID:      "r1",
		Status:  models.RoundStatusLive,
		Players: roster("p1"),
		LiveScores: map[string]models.LiveScoreState{
			"p1": {CurrentGross: 30},
		},
	})

	fs := &errorAfterFirstStore{Memstore: m}
	f := NewRoundFeed(fs, testLogger(), FeedConfig{})
	defer f.Stop()
	f.SetRound("r1")

	waitFeed(t, f, func(s RoundState) bool { return s.Round != nil })
	fs.fail()

	s := waitFeed(t, f, func(s RoundState) bool { return s.Err != nil })
	assert.NotNil(t, s.Round, "last good round data stays on display")
	require.Len(t, s.Leaderboard, 1)
}

// errorAfterFirstStore relays memstore deliveries and can inject a terminal
// stream error on demand
type errorAfterFirstStore struct {
	*memstore.Memstore
	mu   sync.Mutex
	errc chan store.DocumentEvent
}

func (s *errorAfterFirstStore) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	inner, err := s.Memstore.WatchDocument(ctx, collection, docID)
	if err != nil {
		return nil, err
	}
	out := make(chan store.DocumentEvent, 1)
	s.mu.Lock()
	s.errc = out
	s.mu.Unlock()
	go func() {
		for ev := range inner {
			out <- ev
		}
	}()
	return out, nil
}

func (s *errorAfterFirstStore) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errc != nil {
		s.errc <- store.DocumentEvent{Err: errors.New("stream reset")}
	}
}
