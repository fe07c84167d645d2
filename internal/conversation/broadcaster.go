// ABOUTME: In-memory fan-out of change signals keyed by conversation or notification id
// ABOUTME: Coalesces bursts per subscriber so publishers never block on slow observers

package conversation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// AllKeys subscribes to every key published on a Broadcaster.
const AllKeys = "*"

// Handler receives the key that changed.
type Handler func(key string)

type subscriber struct {
	id      string
	key     string
	handler Handler
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
}

// Broadcaster provides in-memory pub/sub of change signals. Subscribers
// register for a key and are called on their own goroutine whenever the key
// is published.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // key -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers handler for key (or AllKeys). The returned function
// removes the subscription; calling it more than once is a no-op.
func (b *Broadcaster) Subscribe(key string, handler Handler) (unsubscribe func()) {
	sub := &subscriber{
		id:      uuid.New().String(),
		key:     key,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscriber)
	}
	b.subscribers[key][sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("subscriber added", "key", key, "sub_id", sub.id)

	return func() { b.unsubscribe(sub) }
}

// Publish signals every subscriber of key and every AllKeys subscriber.
func (b *Broadcaster) Publish(key string) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers[key])+len(b.subscribers[AllKeys]))
	for _, sub := range b.subscribers[key] {
		targets = append(targets, sub)
	}
	if key != AllKeys {
		for _, sub := range b.subscribers[AllKeys] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.notify(key)
	}
}

// Subscribers returns the number of subscribers registered for key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close removes every subscription. Later Subscribe calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var all []*subscriber
	for key, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subscribers, key)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	b.logger.Debug("broadcaster closed")
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.key]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, sub.key)
		}
	}
	b.mu.Unlock()

	sub.stop()
}

func (s *subscriber) notify(key string) {
	s.mu.Lock()
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
		// A wakeup is already queued; the key rides along with it.
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			s.mu.Lock()
			keys := make([]string, 0, len(s.pending))
			for key := range s.pending {
				keys = append(keys, key)
			}
			clear(s.pending)
			s.mu.Unlock()

			for _, key := range keys {
				select {
				case <-s.done:
					return
				default:
				}
				s.handler(key)
			}
		}
	}
}
