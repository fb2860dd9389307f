package live

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
	"github.com/stitts-dev/links-live/internal/store/memstore"
)

func testChatConfig() ChatConfig {
	return ChatConfig{
		HistoryLimit:  200,
		RatePerMinute: 600,
		Burst:         100,
		Retry:         RetryConfig{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond},
	}
}

func waitChat(t *testing.T, c *ChatChannel, cond func(ChatState) bool) ChatState {
	t.Helper()
	var last ChatState
	require.Eventually(t, func() bool {
		last = c.Current()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func appendMessage(t *testing.T, m *memstore.Memstore, roundID, senderID, body string) {
	t.Helper()
	_, err := m.Append(context.Background(), store.CollectionMessages, map[string]any{
		"roundId":    roundID,
		"senderId":   senderID,
		"senderName": "Sender " + senderID,
		"body":       body,
	})
	require.NoError(t, err)
}

func TestChatLoadsChronological(t *testing.T) {
	m := memstore.New()
	appendMessage(t, m, "r1", "p1", "first")
	appendMessage(t, m, "r1", "p2", "second")
	appendMessage(t, m, "r1", "p1", "third")
	appendMessage(t, m, "r9", "p9", "other round")

	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")

	s := waitChat(t, c, func(s ChatState) bool { return len(s.Messages) == 3 })
	assert.Equal(t, "first", s.Messages[0].Body)
	assert.Equal(t, "second", s.Messages[1].Body)
	assert.Equal(t, "third", s.Messages[2].Body)
	assert.False(t, s.Loading)
	for _, msg := range s.Messages {
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
	}
}

func TestChatCapsHistoryToNewest(t *testing.T) {
	m := memstore.New()
	for i := 1; i <= 250; i++ {
		appendMessage(t, m, "r1", "p1", fmt.Sprintf("msg-%03d", i))
	}

	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")

	s := waitChat(t, c, func(s ChatState) bool { return len(s.Messages) == 200 })
	assert.Equal(t, "msg-051", s.Messages[0].Body)
	assert.Equal(t, "msg-250", s.Messages[199].Body)
	for i := 1; i < len(s.Messages); i++ {
		assert.False(t, s.Messages[i].CreatedAt.Before(s.Messages[i-1].CreatedAt),
			"messages must stay in chronological order")
	}
}

func TestChatSendAppearsViaPush(t *testing.T) {
	m := memstore.New()
	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	sender := models.UserRef{ID: "p1", DisplayName: "Alice", Avatar: "a.png"}
	require.NoError(t, c.Send(context.Background(), sender, "  nice putt  "))

	s := waitChat(t, c, func(s ChatState) bool { return len(s.Messages) == 1 })
	msg := s.Messages[0]
	assert.Equal(t, "nice putt", msg.Body, "body is trimmed before append")
	assert.Equal(t, "r1", msg.RoundID)
	assert.Equal(t, "p1", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.False(t, msg.CreatedAt.IsZero(), "timestamp comes from the store")
}

func TestChatSendNoOps(t *testing.T) {
	m := memstore.New()
	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	sender := models.UserRef{ID: "p1", DisplayName: "Alice"}

	// no round selected
	require.NoError(t, c.Send(context.Background(), sender, "hello"))

	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	// blank bodies
	require.NoError(t, c.Send(context.Background(), sender, ""))
	require.NoError(t, c.Send(context.Background(), sender, "   \n\t "))

	docs, err := m.RunQuery(context.Background(), store.Query{Collection: store.CollectionMessages})
	require.NoError(t, err)
	assert.Empty(t, docs, "no-op sends must not append anything")
}

func TestChatSendRateLimited(t *testing.T) {
	m := memstore.New()
	cfg := testChatConfig()
	cfg.RatePerMinute = 60
	cfg.Burst = 1
	c := NewChatChannel(m, testLogger(), cfg)
	defer c.Stop()
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	sender := models.UserRef{ID: "p1", DisplayName: "Alice"}
	require.NoError(t, c.Send(context.Background(), sender, "one"))
	err := c.Send(context.Background(), sender, "two")
	assert.ErrorIs(t, err, ErrSendRateLimited)

	// another sender has their own budget
	assert.NoError(t, c.Send(context.Background(), models.UserRef{ID: "p2"}, "three"))
}

func TestChatSwitchRoundClears(t *testing.T) {
	m := memstore.New()
	appendMessage(t, m, "r1", "p1", "one")
	appendMessage(t, m, "r1", "p1", "two")
	appendMessage(t, m, "r2", "p2", "elsewhere")

	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return len(s.Messages) == 2 })

	c.SetRound("r2")
	s := waitChat(t, c, func(s ChatState) bool { return len(s.Messages) == 1 && s.RoundID == "r2" })
	assert.Equal(t, "elsewhere", s.Messages[0].Body)
}

func TestChatStopIsIdempotent(t *testing.T) {
	m := memstore.New()
	c := NewChatChannel(m, testLogger(), testChatConfig())
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	c.Stop()
	c.Stop()

	// a stopped channel swallows sends
	require.NoError(t, c.Send(context.Background(), models.UserRef{ID: "p1"}, "late"))
	docs, err := m.RunQuery(context.Background(), store.Query{Collection: store.CollectionMessages})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

// failingAppendStore refuses every append
type failingAppendStore struct {
	*memstore.Memstore
}

func (s *failingAppendStore) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	return "", errors.New("write path down")
}

func TestChatSendBreakerOpensAfterRepeatedFailures(t *testing.T) {
	m := memstore.New()
	c := NewChatChannel(&failingAppendStore{Memstore: m}, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	sender := models.UserRef{ID: "p1", DisplayName: "Alice"}
	var sawOpen bool
	for i := 0; i < 10; i++ {
		err := c.Send(context.Background(), sender, "doomed")
		require.Error(t, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			sawOpen = true
			break
		}
	}
	assert.True(t, sawOpen, "breaker should open after repeated append failures")
}

func TestChatPruneIdleSenders(t *testing.T) {
	m := memstore.New()
	c := NewChatChannel(m, testLogger(), testChatConfig())
	defer c.Stop()
	c.SetRound("r1")
	waitChat(t, c, func(s ChatState) bool { return !s.Loading })

	require.NoError(t, c.Send(context.Background(), models.UserRef{ID: "p1"}, "hi"))
	require.NoError(t, c.Send(context.Background(), models.UserRef{ID: "p2"}, "ho"))

	assert.Equal(t, 0, c.PruneIdleSenders(time.Minute))
	assert.Equal(t, 2, c.PruneIdleSenders(0))
}
