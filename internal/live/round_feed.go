package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

var (
	// ErrRoundNotFound is set on the feed state when the watched document
	// does not exist
	ErrRoundNotFound = errors.New("round not found")

	// ErrWatchStalled is set when a watch produced nothing for the
	// configured stall timeout while still loading
	ErrWatchStalled = errors.New("round watch stalled")
)

// FeedConfig tunes one round feed
type FeedConfig struct {
	Retry        RetryConfig
	StallTimeout time.Duration
}

// DefaultFeedConfig returns production settings
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Retry:        DefaultRetryConfig(),
		StallTimeout: 15 * time.Second,
	}
}

// RoundState is the complete derived view of one round: the latest document,
// loading and error indicators, and the leaderboard rebuilt from it
type RoundState struct {
	RoundID     string                    `json:"roundId"`
	Round       *models.Round             `json:"round,omitempty"`
	Loading     bool                      `json:"loading"`
	Err         error                     `json:"-"`
	Error       string                    `json:"error,omitempty"`
	IsLive      bool                      `json:"isLive"`
	CurrentHole int                       `json:"currentHole,omitempty"`
	Leaderboard []models.LeaderboardEntry `json:"leaderboard,omitempty"`
}

// RoundFeed keeps a RoundState synchronized with a single round document.
// SetRound switches the watched identifier; the switch synchronously clears
// all state from the previous round before anything from the new one can
// arrive, and a stale delivery can never surface afterwards. States is a
// conflating channel: a slow consumer always observes the newest state.
type RoundFeed struct {
	store  store.Store
	logger *logrus.Entry
	cfg    FeedConfig

	mu      sync.Mutex
	gen     int
	state   RoundState
	out     chan RoundState
	cancel  context.CancelFunc
	stopped bool
}

// NewRoundFeed returns an idle feed; call SetRound to start watching
func NewRoundFeed(st store.Store, logger *logrus.Logger, cfg FeedConfig) *RoundFeed {
	return &RoundFeed{
		store:  st,
		logger: logger.WithField("component", "round_feed"),
		cfg:    cfg,
		out:    make(chan RoundState, 1),
	}
}

// States exposes the feed's state stream. The channel closes after Stop.
func (f *RoundFeed) States() <-chan RoundState {
	return f.out
}

// Current returns the latest published state
func (f *RoundFeed) Current() RoundState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetRound switches the feed to the given round. Setting the identifier it
// already watches is a no-op; setting "" tears the watch down and clears to
// idle. The reset state is published before this call returns.
func (f *RoundFeed) SetRound(roundID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || roundID == f.state.RoundID {
		return
	}

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++

	if roundID == "" {
		f.publishLocked(RoundState{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.publishLocked(RoundState{RoundID: roundID, Loading: true})
	go f.watch(ctx, f.gen, roundID)
}

// Stop tears the feed down and closes the state channel. Safe to call any
// number of times; nothing is published after it returns.
func (f *RoundFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	close(f.out)
}

// watch consumes one document stream, re-subscribing within the retry
// budget when the transport fails
func (f *RoundFeed) watch(ctx context.Context, gen int, roundID string) {
	attempt := 0
	for {
		events, err := f.store.WatchDocument(ctx, store.CollectionRounds, roundID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.applyError(gen, roundID, fmt.Errorf("failed to watch round: %w", err))
			if !f.backoff(ctx, gen, roundID, &attempt, err) {
				return
			}
			continue
		}

		var stallT *time.Timer
		var stallC <-chan time.Time
		if f.cfg.StallTimeout > 0 {
			stallT = time.NewTimer(f.cfg.StallTimeout)
			stallC = stallT.C
		}

		failed := false
	recv:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break recv
				}
				if stallT != nil {
					stallT.Stop()
					stallT = nil
					stallC = nil
				}
				if ev.Err != nil {
					failed = true
					f.applyError(gen, roundID, fmt.Errorf("round watch error: %w", ev.Err))
					continue
				}
				attempt = 0
				f.applySnapshot(gen, roundID, ev.Snapshot)
			case <-stallC:
				stallC = nil
				f.applyError(gen, roundID, ErrWatchStalled)
			case <-ctx.Done():
				if stallT != nil {
					stallT.Stop()
				}
				return
			}
		}

		if stallT != nil {
			stallT.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		if !failed {
			// clean close without cancellation counts as a failure too
			f.applyError(gen, roundID, errors.New("round watch closed"))
		}
		if !f.backoff(ctx, gen, roundID, &attempt, nil) {
			return
		}
	}
}

func (f *RoundFeed) applySnapshot(gen int, roundID string, snap *store.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || gen != f.gen {
		return
	}

	if snap == nil {
		f.publishLocked(RoundState{RoundID: roundID, Err: ErrRoundNotFound, Error: ErrRoundNotFound.Error()})
		return
	}

	var r models.Round
	if err := snap.Decode(&r); err != nil {
		f.logger.WithField("round_id", roundID).WithError(err).Error("failed to decode round document")
		s := f.state
		s.Loading = false
		s.Err = fmt.Errorf("failed to decode round: %w", err)
		s.Error = s.Err.Error()
		f.publishLocked(s)
		return
	}
	if r.ID == "" {
		r.ID = snap.ID
	}

	hole := r.CurrentHole
	if hole < 1 {
		hole = 1
	}
	f.publishLocked(RoundState{
		RoundID:     roundID,
		Round:       &r,
		IsLive:      r.IsLive(),
		CurrentHole: hole,
		Leaderboard: BuildLeaderboard(r.Players, r.LiveScores, r.FormatID),
	})
}

// applyError surfaces a transport problem while keeping the last good round
// data on display
func (f *RoundFeed) applyError(gen int, roundID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || gen != f.gen {
		return
	}
	f.logger.WithField("round_id", roundID).WithError(err).Warn("round feed error")
	s := f.state
	s.RoundID = roundID
	s.Loading = false
	s.Err = err
	s.Error = err.Error()
	f.publishLocked(s)
}

// backoff sleeps before the next attempt, reporting whether the watch
// should try again
func (f *RoundFeed) backoff(ctx context.Context, gen int, roundID string, attempt *int, cause error) bool {
	*attempt++
	if *attempt > f.cfg.Retry.MaxAttempts {
		if cause != nil {
			f.logger.WithField("round_id", roundID).WithError(cause).Error("round watch gave up")
		}
		return false
	}
	delay := f.cfg.Retry.Delay(*attempt)
	f.logger.WithFields(logrus.Fields{
		"round_id": roundID,
		"attempt":  *attempt,
		"delay":    delay.String(),
	}).Info("re-subscribing round watch")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped && gen == f.gen
}

// publishLocked records the state and pushes it to the conflating output.
// Callers hold f.mu, so there is a single producer and the drain-then-send
// below cannot block.
func (f *RoundFeed) publishLocked(s RoundState) {
	f.state = s
	select {
	case f.out <- s:
	default:
		select {
		case <-f.out:
		default:
		}
		f.out <- s
	}
}
