package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/live"
	"github.com/stitts-dev/links-live/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendTimeout    = 5 * time.Second
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSendChat    = "send_chat"
)

var newline = []byte{'\n'}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the envelope for everything pushed to clients
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Command is what clients send over the socket
type Command struct {
	Action  string   `json:"action"`
	Topics  []string `json:"topics,omitempty"`
	RoundID string   `json:"roundId,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// Hub tracks connected clients and fans engine states out to topic
// subscribers
type Hub struct {
	registry *Registry
	logger   *logrus.Entry

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub builds a hub over the given registry. Wire the registry's emit to
// the hub's BroadcastToTopic.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:     logger.WithField("component", "ws_hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetRegistry attaches the engine registry. Must be called before Run.
func (h *Hub) SetRegistry(r *Registry) {
	h.registry = r
}

// Run owns the client set until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{
				"user_id": client.user.ID,
				"clients": count,
			}).Info("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			_, known := h.clients[client]
			if known {
				delete(h.clients, client)
			}
			count := len(h.clients)
			h.mu.Unlock()
			if !known {
				continue
			}
			client.closeSend()
			for _, topic := range client.topicList() {
				h.registry.Release(topic)
			}
			h.logger.WithFields(logrus.Fields{
				"user_id": client.user.ID,
				"clients": count,
			}).Info("client disconnected")

		case <-ctx.Done():
			h.mu.Lock()
			remaining := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				remaining = append(remaining, client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			for _, client := range remaining {
				client.closeSend()
				client.conn.Close()
			}
			return
		}
	}
}

// BroadcastToTopic pushes a state to every client subscribed to the topic.
// Slow clients are skipped; the next state supersedes anything dropped.
func (h *Hub) BroadcastToTopic(topic, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.WithField("topic", topic).WithError(err).Error("failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(topic) {
			continue
		}
		if !client.enqueue(payload) {
			h.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"user_id": client.user.ID,
			}).Debug("client send buffer full, dropping update")
		}
	}
}

// ClientCount reports connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client pumps. user carries the
// authenticated identity; a zero user means an anonymous spectator.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, user models.UserRef) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed")
		return
	}
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		user:   user,
		topics: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Client is one websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user models.UserRef

	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
	closed bool
}

func (c *Client) addTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics[topic] {
		return false
	}
	c.topics[topic] = true
	return true
}

func (c *Client) removeTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.topics[topic] {
		return false
	}
	delete(c.topics, topic)
	return true
}

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *Client) topicList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// enqueue hands a payload to the write pump without blocking. It reports
// false when the buffer is full. Holding the read lock during the send
// keeps closeSend from closing the channel underneath it.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump consumes client commands until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd Command) {
	switch cmd.Action {
	case ActionSubscribe:
		for _, topic := range cmd.Topics {
			c.subscribe(topic)
		}
	case ActionUnsubscribe:
		for _, topic := range cmd.Topics {
			if c.removeTopic(topic) {
				c.hub.registry.Release(topic)
			}
		}
	case ActionSendChat:
		c.sendChat(cmd.RoundID, cmd.Body)
	default:
		c.sendError(fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Client) subscribe(topic string) {
	kind, id, ok := SplitTopic(topic)
	if !ok {
		c.sendError(fmt.Sprintf("malformed topic %q", topic))
		return
	}
	if kind == TopicActive && (c.user.ID == "" || id != c.user.ID) {
		c.sendError("active topic is limited to your own user")
		return
	}

	if !c.addTopic(topic) {
		return
	}
	msgType, snapshot, err := c.hub.registry.Acquire(topic)
	if err != nil {
		c.removeTopic(topic)
		c.sendError(fmt.Sprintf("cannot subscribe to %q", topic))
		return
	}
	// seed the subscriber with the current state right away
	c.deliver(msgType, topic, snapshot)
}

func (c *Client) sendChat(roundID, body string) {
	if c.user.ID == "" {
		c.sendError("authentication required to send messages")
		return
	}
	if roundID == "" {
		c.sendError("roundId is required")
		return
	}
	chat, ok := c.hub.registry.Chat(roundID)
	if !ok {
		c.sendError("subscribe to the round chat before sending")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := chat.Send(ctx, c.user, body); err != nil {
		if errors.Is(err, live.ErrSendRateLimited) {
			c.sendError("sending too fast, slow down")
			return
		}
		c.sendError("message could not be sent")
	}
}

func (c *Client) deliver(msgType, topic string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.hub.logger.WithField("topic", topic).WithError(err).Error("failed to marshal state")
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendError(message string) {
	c.deliver(MessageError, "", map[string]string{"message": message})
}

// writePump drains the send channel onto the wire, coalescing queued
// payloads and keeping the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
