package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/links-live/internal/store"
)

func recvPing(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation ping")
	}
}

func TestPQNotifierDispatchRoutesByCollection(t *testing.T) {
	n := &pqNotifier{fan: newFanout()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds, err := n.Subscribe(ctx, store.CollectionRounds)
	require.NoError(t, err)
	messages, err := n.Subscribe(ctx, store.CollectionMessages)
	require.NoError(t, err)

	n.dispatch(&pq.Notification{Channel: pgNotifyChannel, Extra: store.CollectionRounds})
	recvPing(t, rounds)
	assert.Never(t, func() bool {
		select {
		case <-messages:
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestPQNotifierReconnectPingsEveryWatcher(t *testing.T) {
	n := &pqNotifier{fan: newFanout()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds, err := n.Subscribe(ctx, store.CollectionRounds)
	require.NoError(t, err)
	messages, err := n.Subscribe(ctx, store.CollectionMessages)
	require.NoError(t, err)

	// a nil notification is the reconnect marker; pings sent while the
	// connection was down never arrived
	n.dispatch(nil)
	recvPing(t, rounds)
	recvPing(t, messages)
}
