package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

// ErrSendRateLimited is returned when a sender exceeds the per-sender
// message rate
var ErrSendRateLimited = errors.New("chat send rate limited")

// ChatConfig tunes one round chat channel
type ChatConfig struct {
	// HistoryLimit caps the read side to the most recent messages
	HistoryLimit int
	// RatePerMinute and Burst bound per-sender sends
	RatePerMinute int
	Burst         int
	Retry         RetryConfig
}

// DefaultChatConfig returns production settings
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		HistoryLimit:  200,
		RatePerMinute: 30,
		Burst:         5,
		Retry:         DefaultRetryConfig(),
	}
}

// ChatState is the chronological message list for the selected round
type ChatState struct {
	RoundID  string               `json:"roundId"`
	Messages []models.ChatMessage `json:"messages"`
	Loading  bool                 `json:"loading"`
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatChannel synchronizes a round's chat stream and appends new messages.
// The read side is push-driven and capped to the newest HistoryLimit
// messages in chronological order. Send never touches the read side; a sent
// message appears only when the store pushes it back.
type ChatChannel struct {
	store   store.Store
	logger  *logrus.Entry
	cfg     ChatConfig
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	gen      int
	state    ChatState
	out      chan ChatState
	cancel   context.CancelFunc
	stopped  bool
	limiters map[string]*senderLimiter
}

// NewChatChannel returns an idle channel; call SetRound to start
func NewChatChannel(st store.Store, logger *logrus.Logger, cfg ChatConfig) *ChatChannel {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultChatConfig().HistoryLimit
	}
	entry := logger.WithField("component", "round_chat")
	c := &ChatChannel{
		store:    st,
		logger:   entry,
		cfg:      cfg,
		out:      make(chan ChatState, 1),
		limiters: make(map[string]*senderLimiter),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-append",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("chat append breaker state changed")
		},
	})
	return c
}

// States exposes the chat state stream. The channel closes after Stop.
func (c *ChatChannel) States() <-chan ChatState {
	return c.out
}

// Current returns the latest published state
func (c *ChatChannel) Current() ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRound switches the channel to the given round's stream. Same
// identifier is a no-op; "" tears the watch down and clears to idle.
func (c *ChatChannel) SetRound(roundID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || roundID == c.state.RoundID {
		return
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++

	if roundID == "" {
		c.publishLocked(ChatState{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.publishLocked(ChatState{RoundID: roundID, Loading: true})
	go c.watch(ctx, c.gen, roundID)
}

// Stop tears the channel down and closes the state stream. Idempotent.
func (c *ChatChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	close(c.out)
}

// Send appends a message to the currently selected round. Empty input and
// no selected round are silent no-ops. The append is fire-and-forget with
// respect to local state: the message shows up only via the pushed stream,
// stamped with the store's timestamp.
func (c *ChatChannel) Send(ctx context.Context, sender models.UserRef, body string) error {
	body = strings.TrimSpace(body)

	c.mu.Lock()
	roundID := c.state.RoundID
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || roundID == "" || body == "" {
		return nil
	}

	if !c.allowSender(sender.ID) {
		c.logger.WithFields(logrus.Fields{
			"round_id":  roundID,
			"sender_id": sender.ID,
		}).Warn("chat send rate limited")
		return ErrSendRateLimited
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.Append(ctx, store.CollectionMessages, map[string]any{
			"roundId":      roundID,
			"senderId":     sender.ID,
			"senderName":   sender.DisplayName,
			"senderAvatar": sender.Avatar,
			"body":         body,
		})
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"round_id":  roundID,
			"sender_id": sender.ID,
		}).WithError(err).Error("failed to send chat message")
		return fmt.Errorf("failed to send chat message: %w", err)
	}
	return nil
}

func (c *ChatChannel) allowSender(senderID string) bool {
	if c.cfg.RatePerMinute <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sl, ok := c.limiters[senderID]
	if !ok {
		burst := c.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		sl = &senderLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(c.cfg.RatePerMinute)/60.0), burst),
		}
		c.limiters[senderID] = sl
	}
	sl.lastSeen = time.Now()
	return sl.limiter.Allow()
}

// PruneIdleSenders drops limiter state for senders quiet longer than
// maxIdle and returns how many were removed
func (c *ChatChannel) PruneIdleSenders(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, sl := range c.limiters {
		if sl.lastSeen.Before(cutoff) {
			delete(c.limiters, id)
			removed++
		}
	}
	return removed
}

func (c *ChatChannel) watch(ctx context.Context, gen int, roundID string) {
	attempt := 0
	q := store.Query{
		Collection: store.CollectionMessages,
		Filters: []store.Filter{
			{Field: "roundId", Op: store.OpEqual, Value: roundID},
		},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      c.cfg.HistoryLimit,
	}
	for {
		events, err := c.store.WatchQuery(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithField("round_id", roundID).WithError(err).Warn("failed to watch chat stream")
			if !c.backoff(ctx, gen, roundID, &attempt) {
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
					c.logger.WithField("round_id", roundID).WithError(ev.Err).Warn("chat stream error")
					continue
				}
				attempt = 0
				c.apply(gen, roundID, ev.Docs)
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if !c.backoff(ctx, gen, roundID, &attempt) {
			return
		}
	}
}

// apply reverses the newest-first window into chronological order
func (c *ChatChannel) apply(gen int, roundID string, docs []store.Document) {
	messages := make([]models.ChatMessage, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := docs[i].Decode(&msg); err != nil {
			c.logger.WithField("doc_id", docs[i].ID).WithError(err).Warn("skipping undecodable chat message")
			continue
		}
		if msg.ID == "" {
			msg.ID = docs[i].ID
		}
		messages = append(messages, msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.gen {
		return
	}
	c.publishLocked(ChatState{RoundID: roundID, Messages: messages})
}

func (c *ChatChannel) backoff(ctx context.Context, gen int, roundID string, attempt *int) bool {
	*attempt++
	if *attempt > c.cfg.Retry.MaxAttempts {
		return false
	}
	delay := c.cfg.Retry.Delay(*attempt)
	c.logger.WithFields(logrus.Fields{
		"round_id": roundID,
		"attempt":  *attempt,
		"delay":    delay.String(),
	}).Info("re-subscribing chat stream")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && gen == c.gen
}

func (c *ChatChannel) publishLocked(s ChatState) {
	c.state = s
	select {
	case c.out <- s:
	default:
		select {
		case <-c.out:
		default:
		}
		c.out <- s
	}
}
