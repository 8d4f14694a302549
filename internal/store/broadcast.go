package store

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Broadcaster is an in-process Notifier. Slow subscribers lose
// notifications once their buffer is full; readers re-poll on idle timeout.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]subscriber
	nextID int
	buffer int
	logger *logrus.Logger
	closed bool
}

type subscriber struct {
	prefix string
	ch     chan Notification
}

// NewBroadcaster creates a notifier whose subscriber channels hold buffer items
func NewBroadcaster(buffer int, logger *logrus.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Broadcaster{subs: make(map[int]subscriber), buffer: buffer, logger: logger}
}

// Publish delivers n to every subscriber whose prefix matches
func (b *Broadcaster) Publish(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if !strings.HasPrefix(n.Key, s.prefix) {
			continue
		}
		select {
		case s.ch <- n:
		default:
			b.logger.WithField("key", n.Key).Debug("⚠️ Notification dropped for slow subscriber")
		}
	}
	return nil
}

// Subscribe registers a subscriber that is removed when ctx ends
func (b *Broadcaster) Subscribe(ctx context.Context, prefix string) (<-chan Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, b.buffer)
	if b.closed {
		close(ch)
		return ch, nil
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}()
	return ch, nil
}

// Close closes every subscriber channel
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}
