// Package ws bridges the live engines onto websocket clients. Clients
// subscribe to topics; the registry runs one engine per topic shared by
// every subscriber and the hub fans engine states out to them.
package ws

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/live"
	"github.com/stitts-dev/links-live/internal/store"
)

// Topic kinds. A topic is "<kind>:<identifier>", e.g. "round:abc123".
const (
	TopicRound  = "round"
	TopicChat   = "chat"
	TopicActive = "active"
)

// Envelope types pushed to clients.
const (
	MessageRoundState  = "round_state"
	MessageChatState   = "chat_state"
	MessageActiveRound = "active_round"
	MessageError       = "error"
)

// SplitTopic splits "round:abc" into kind and identifier
func SplitTopic(topic string) (kind, id string, ok bool) {
	i := strings.IndexByte(topic, ':')
	if i <= 0 || i == len(topic)-1 {
		return "", "", false
	}
	return topic[:i], topic[i+1:], true
}

// Broadcast delivers an engine state to every subscriber of a topic
type Broadcast func(topic, msgType string, data interface{})

// EngineConfig carries the tuning for every engine the registry creates
type EngineConfig struct {
	Feed    live.FeedConfig
	Tracker live.TrackerConfig
	Chat    live.ChatConfig
}

// DefaultEngineConfig returns production settings for all engine kinds
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Feed:    live.DefaultFeedConfig(),
		Tracker: live.DefaultTrackerConfig(),
		Chat:    live.DefaultChatConfig(),
	}
}

// handle is one running engine plus its subscriber count
type handle struct {
	refs    int
	stop    func()
	chat    *live.ChatChannel
	current func() (string, interface{})
}

// Registry owns the engines behind active topics. Engines are created on
// the first subscription and stopped when the last subscriber leaves.
type Registry struct {
	store  store.Store
	logger *logrus.Logger
	log    *logrus.Entry
	cfg    EngineConfig
	emit   Broadcast

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// NewRegistry wires a registry over the given store. emit receives every
// state an engine publishes, tagged with its topic.
func NewRegistry(st store.Store, logger *logrus.Logger, cfg EngineConfig, emit Broadcast) *Registry {
	return &Registry{
		store:   st,
		logger:  logger,
		log:     logger.WithField("component", "ws_registry"),
		cfg:     cfg,
		emit:    emit,
		handles: make(map[string]*handle),
	}
}

// Acquire registers one subscriber for the topic, starting its engine when
// it is the first. It returns the envelope type for the topic and the
// engine's current state so the caller can seed a late joiner.
func (r *Registry) Acquire(topic string) (string, interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, fmt.Errorf("registry closed")
	}

	if h, ok := r.handles[topic]; ok {
		h.refs++
		msgType, snapshot := h.current()
		return msgType, snapshot, nil
	}

	kind, id, ok := SplitTopic(topic)
	if !ok {
		return "", nil, fmt.Errorf("malformed topic %q", topic)
	}

	h := &handle{refs: 1}
	switch kind {
	case TopicRound:
		feed := live.NewRoundFeed(r.store, r.logger, r.cfg.Feed)
		feed.SetRound(id)
		h.stop = feed.Stop
		h.current = func() (string, interface{}) { return MessageRoundState, feed.Current() }
		go func() {
			for state := range feed.States() {
				r.emit(topic, MessageRoundState, state)
			}
		}()
	case TopicChat:
		chat := live.NewChatChannel(r.store, r.logger, r.cfg.Chat)
		chat.SetRound(id)
		h.stop = chat.Stop
		h.chat = chat
		h.current = func() (string, interface{}) { return MessageChatState, chat.Current() }
		go func() {
			for state := range chat.States() {
				r.emit(topic, MessageChatState, state)
			}
		}()
	case TopicActive:
		tracker := live.NewActiveRoundTracker(r.store, r.logger, r.cfg.Tracker)
		tracker.SetUser(id)
		h.stop = tracker.Stop
		h.current = func() (string, interface{}) { return MessageActiveRound, tracker.Current() }
		go func() {
			for state := range tracker.States() {
				r.emit(topic, MessageActiveRound, state)
			}
		}()
	default:
		return "", nil, fmt.Errorf("unknown topic kind %q", kind)
	}

	r.handles[topic] = h
	r.log.WithField("topic", topic).Info("engine started")
	msgType, snapshot := h.current()
	return msgType, snapshot, nil
}

// Release drops one subscriber from the topic, stopping the engine when
// the last one leaves
func (r *Registry) Release(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[topic]
	if !ok {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.handles, topic)
	h.stop()
	r.log.WithField("topic", topic).Info("engine stopped")
}

// PruneChatLimiters drops idle per-sender limiter state across every
// running chat engine, reporting how many senders were evicted
func (r *Registry) PruneChatLimiters(maxIdle time.Duration) int {
	r.mu.Lock()
	chats := make([]*live.ChatChannel, 0, len(r.handles))
	for _, h := range r.handles {
		if h.chat != nil {
			chats = append(chats, h.chat)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, chat := range chats {
		removed += chat.PruneIdleSenders(maxIdle)
	}
	return removed
}

// Chat returns the chat engine for a round, if one is running
func (r *Registry) Chat(roundID string) (*live.ChatChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[TopicChat+":"+roundID]
	if !ok || h.chat == nil {
		return nil, false
	}
	return h.chat, true
}

// TopicCount reports how many engines are running
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close stops every engine. Further Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for topic, h := range r.handles {
		h.stop()
		delete(r.handles, topic)
	}
}
