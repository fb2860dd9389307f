package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"
)

// Notifier carries collection-level invalidation pings between the writer
// and the open watches, across processes. A ping means "re-read now"; the
// database stays authoritative, so conflating duplicate pings is safe.
type Notifier interface {
	Publish(ctx context.Context, collection string) error
	Subscribe(ctx context.Context, collection string) (<-chan struct{}, error)
	Close() error
}

// redisInvalidationChannel is shared by every node pointed at one database
const redisInvalidationChannel = "links:store:invalidate"

// pgNotifyChannel is the LISTEN/NOTIFY channel for the redis-less mode
const pgNotifyChannel = "links_store_invalidate"

type fanoutSub struct {
	collection string
	ch         chan struct{}
}

type fanout struct {
	mu   sync.Mutex
	seq  int64
	subs map[int64]fanoutSub
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int64]fanoutSub)}
}

func (f *fanout) subscribe(ctx context.Context, collection string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.subs[id] = fanoutSub{collection: collection, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fanout) broadcast(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.collection != collection {
			continue
		}
		select {
		case s.ch <- struct{}{}:
		default:
			// a ping is already pending, one is enough
		}
	}
}

// broadcastAll pings every subscription regardless of collection
func (f *fanout) broadcastAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// localNotifier wires watches within a single process; the sqlite dev mode
// and the store tests run on it
type localNotifier struct {
	fan *fanout
}

// NewLocalNotifier returns an in-process notifier
func NewLocalNotifier() Notifier {
	return &localNotifier{fan: newFanout()}
}

func (n *localNotifier) Publish(ctx context.Context, collection string) error {
	n.fan.broadcast(collection)
	return nil
}

func (n *localNotifier) Subscribe(ctx context.Context, collection string) (<-chan struct{}, error) {
	return n.fan.subscribe(ctx, collection), nil
}

func (n *localNotifier) Close() error {
	return nil
}

// redisNotifier fans pings out over redis pub/sub so every node sees writes
// from every other. Publishes run through a breaker so a redis outage
// degrades to stale watches instead of failing writes.
type redisNotifier struct {
	rdb     *redis.Client
	logger  *logrus.Entry
	breaker *gobreaker.CircuitBreaker
	fan     *fanout
	cancel  context.CancelFunc
}

// NewRedisNotifier starts the subscription loop immediately
func NewRedisNotifier(rdb *redis.Client, logger *logrus.Logger) Notifier {
	entry := logger.WithField("component", "store_notifier")
	ctx, cancel := context.WithCancel(context.Background())
	n := &redisNotifier{
		rdb:    rdb,
		logger: entry,
		fan:    newFanout(),
		cancel: cancel,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-invalidate",
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
			}).Warn("invalidation breaker state changed")
		},
	})
	go n.consume(ctx)
	return n
}

func (n *redisNotifier) consume(ctx context.Context) {
	pubsub := n.rdb.Subscribe(ctx, redisInvalidationChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.fan.broadcast(msg.Payload)
		}
	}
}

func (n *redisNotifier) Publish(ctx context.Context, collection string) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.rdb.Publish(ctx, redisInvalidationChannel, collection).Err()
	})
	if err != nil {
		n.logger.WithField("collection", collection).WithError(err).Warn("failed to publish invalidation")
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	// the local process must not depend on the redis round trip
	n.fan.broadcast(collection)
	return nil
}

func (n *redisNotifier) Subscribe(ctx context.Context, collection string) (<-chan struct{}, error) {
	return n.fan.subscribe(ctx, collection), nil
}

func (n *redisNotifier) Close() error {
	n.cancel()
	return nil
}

// pqNotifier rides postgres LISTEN/NOTIFY for deployments without redis
type pqNotifier struct {
	db       *gorm.DB
	listener *pq.Listener
	logger   *logrus.Entry
	fan      *fanout
	done     chan struct{}
	closeOne sync.Once
}

// NewPQNotifier opens a dedicated listener connection on the given DSN
func NewPQNotifier(db *gorm.DB, dsn string, logger *logrus.Logger) (Notifier, error) {
	entry := logger.WithField("component", "store_notifier")
	listener := pq.NewListener(dsn, 2*time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			entry.WithError(err).Warn("postgres listener event")
		}
	})
	if err := listener.Listen(pgNotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", pgNotifyChannel, err)
	}
	n := &pqNotifier{
		db:       db,
		listener: listener,
		logger:   entry,
		fan:      newFanout(),
		done:     make(chan struct{}),
	}
	go n.consume()
	return n, nil
}

func (n *pqNotifier) consume() {
	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			n.dispatch(note)
		case <-time.After(90 * time.Second):
			go func() {
				if err := n.listener.Ping(); err != nil {
					n.logger.WithError(err).Warn("postgres listener ping failed")
				}
			}()
		}
	}
}

// dispatch routes one notification to the open watches. lib/pq sends a
// nil notification after the listener reconnects; anything notified
// while the connection was down is lost, so every watcher re-reads.
func (n *pqNotifier) dispatch(note *pq.Notification) {
	if note == nil {
		n.fan.broadcastAll()
		return
	}
	n.fan.broadcast(note.Extra)
}

func (n *pqNotifier) Publish(ctx context.Context, collection string) error {
	if err := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", pgNotifyChannel, collection).Error; err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func (n *pqNotifier) Subscribe(ctx context.Context, collection string) (<-chan struct{}, error) {
	return n.fan.subscribe(ctx, collection), nil
}

func (n *pqNotifier) Close() error {
	var err error
	n.closeOne.Do(func() {
		close(n.done)
		err = n.listener.Close()
	})
	return err
}
