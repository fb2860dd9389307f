package live

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

// TrackerConfig tunes active-round discovery
type TrackerConfig struct {
	// WindowSize bounds the live-round query to the most recently started
	// rounds. A live round older than the window is not discovered; the
	// affordance is advisory, so the miss is accepted.
	WindowSize int
	Retry      RetryConfig
}

// DefaultTrackerConfig returns production settings
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		WindowSize: 25,
		Retry:      DefaultRetryConfig(),
	}
}

// ActiveRoundState answers "is this user in a live round right now".
// RoundID is empty when no live round includes the user. Checking is true
// only until the first scan completes.
type ActiveRoundState struct {
	UserID   string                     `json:"userId"`
	RoundID  string                     `json:"roundId,omitempty"`
	Summary  *models.ActiveRoundSummary `json:"summary,omitempty"`
	Checking bool                       `json:"checking"`
}

// ActiveRoundTracker watches the window of recently started live rounds and
// scans each delivered set for the tracked user. Failures never surface to
// the consumer; they log and degrade to the negative answer.
type ActiveRoundTracker struct {
	store  store.Store
	logger *logrus.Entry
	cfg    TrackerConfig

	mu      sync.Mutex
	gen     int
	state   ActiveRoundState
	out     chan ActiveRoundState
	cancel  context.CancelFunc
	stopped bool
}

// NewActiveRoundTracker returns an idle tracker; call SetUser to start
func NewActiveRoundTracker(st store.Store, logger *logrus.Logger, cfg TrackerConfig) *ActiveRoundTracker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultTrackerConfig().WindowSize
	}
	return &ActiveRoundTracker{
		store:  st,
		logger: logger.WithField("component", "active_round"),
		cfg:    cfg,
		out:    make(chan ActiveRoundState, 1),
	}
}

// States exposes the tracker's state stream. The channel closes after Stop.
func (t *ActiveRoundTracker) States() <-chan ActiveRoundState {
	return t.out
}

// Current returns the latest published state
func (t *ActiveRoundTracker) Current() ActiveRoundState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetUser switches the tracked user. Same identifier is a no-op; "" tears
// the watch down and publishes the negative answer immediately.
func (t *ActiveRoundTracker) SetUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || userID == t.state.UserID {
		return
	}

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++

	if userID == "" {
		t.publishLocked(ActiveRoundState{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.publishLocked(ActiveRoundState{UserID: userID, Checking: true})
	go t.watch(ctx, t.gen, userID)
}

// Stop tears the tracker down and closes the state channel. Idempotent.
func (t *ActiveRoundTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	close(t.out)
}

// LiveWindowQuery is the bounded scan of the most recently started live
// rounds that discovery runs against
func LiveWindowQuery(window int) store.Query {
	return store.Query{
		Collection: store.CollectionRounds,
		Filters: []store.Filter{
			{Field: "status", Op: store.OpEqual, Value: string(models.RoundStatusLive)},
		},
		OrderBy:    "startedAt",
		Descending: true,
		Limit:      window,
	}
}

func (t *ActiveRoundTracker) watch(ctx context.Context, gen int, userID string) {
	attempt := 0
	for {
		events, err := t.store.WatchQuery(ctx, LiveWindowQuery(t.cfg.WindowSize))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.degrade(gen, userID, err)
			if !t.backoff(ctx, gen, userID, &attempt) {
				return
			}
			continue
		}

	recv:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break recv
				}
				if ev.Err != nil {
					t.degrade(gen, userID, ev.Err)
					continue
				}
				attempt = 0
				t.scan(gen, userID, ev.Docs)
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if !t.backoff(ctx, gen, userID, &attempt) {
			return
		}
	}
}

// scan walks the delivered window newest-first and reports the first live
// round whose roster includes the user
func (t *ActiveRoundTracker) scan(gen int, userID string, docs []store.Document) {
	next := ActiveRoundState{UserID: userID}
	for _, doc := range docs {
		var r models.Round
		if err := doc.Decode(&r); err != nil {
			t.logger.WithField("doc_id", doc.ID).WithError(err).Warn("skipping undecodable round document")
			continue
		}
		if r.ID == "" {
			r.ID = doc.ID
		}
		if !r.HasPlayer(userID) {
			continue
		}
		hole := r.CurrentHole
		if hole < 1 {
			hole = 1
		}
		next.RoundID = r.ID
		next.Summary = &models.ActiveRoundSummary{
			RoundID:     r.ID,
			CourseName:  r.CourseName,
			PlayerCount: len(r.Players),
			CurrentHole: hole,
			FormatID:    r.FormatID,
		}
		break
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.gen {
		return
	}
	t.publishLocked(next)
}

// degrade logs the failure and settles on the negative answer; discovery is
// advisory and never blocks the app on an error
func (t *ActiveRoundTracker) degrade(gen int, userID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.gen {
		return
	}
	t.logger.WithField("user_id", userID).WithError(err).Warn("active round check failed")
	t.publishLocked(ActiveRoundState{UserID: userID})
}

func (t *ActiveRoundTracker) backoff(ctx context.Context, gen int, userID string, attempt *int) bool {
	*attempt++
	if *attempt > t.cfg.Retry.MaxAttempts {
		return false
	}
	delay := t.cfg.Retry.Delay(*attempt)
	t.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"attempt": *attempt,
		"delay":   delay.String(),
	}).Info("re-subscribing live round window")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && gen == t.gen
}

func (t *ActiveRoundTracker) publishLocked(s ActiveRoundState) {
	t.state = s
	select {
	case t.out <- s:
	default:
		select {
		case <-t.out:
		default:
		}
		t.out <- s
	}
}
