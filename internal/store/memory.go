package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pump-roadmap-bot/internal/position"
)

// Memory is a Store kept in process memory. Scanner and traders share it
// when they run inside one process.
type Memory struct {
	mu       sync.Mutex
	tokens   map[string]position.Token
	notifier Notifier
	now      func() time.Time
}

// NewMemory creates an empty store. A nil notifier gets a Broadcaster.
func NewMemory(notifier Notifier) *Memory {
	if notifier == nil {
		notifier = NewBroadcaster(0, nil)
	}
	return &Memory{
		tokens:   make(map[string]position.Token),
		notifier: notifier,
		now:      time.Now,
	}
}

func (m *Memory) GetUnclaimedTokens(_ context.Context, role, mint string) ([]position.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []position.Token
	for _, tok := range m.tokens {
		if unclaimed(tok, role, mint) {
			out = append(out, tok.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetToken(_ context.Context, mint string) (position.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[mint]
	if !ok {
		return position.Token{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	return tok.Clone(), nil
}

func (m *Memory) SetToken(ctx context.Context, tok position.Token) error {
	now := m.now()
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = now
	}
	tok.UpdatedAt = now

	m.mu.Lock()
	m.tokens[tok.Mint] = tok.Clone()
	m.mu.Unlock()

	return notifyErr(m.notifier.Publish(ctx, Notification{Key: Key(tok.Role, tok.Mint), Mint: tok.Mint}))
}

func (m *Memory) UpdateToken(ctx context.Context, mint string, p position.Patch) (position.Token, error) {
	m.mu.Lock()
	tok, ok := m.tokens[mint]
	if !ok {
		m.mu.Unlock()
		return position.Token{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	tok = tok.Merge(p)
	tok.UpdatedAt = m.now()
	m.tokens[mint] = tok
	m.mu.Unlock()

	return tok.Clone(), notifyErr(m.notifier.Publish(ctx, Notification{Key: Key(tok.Role, mint), Mint: mint}))
}

func (m *Memory) ClaimToken(_ context.Context, mint, workerID string) (position.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[mint]
	if !ok {
		return position.Token{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	if tok.WorkerID != "" && tok.WorkerID != workerID {
		return position.Token{}, fmt.Errorf("%w: %s owned by %s", ErrAlreadyClaimed, mint, tok.WorkerID)
	}
	tok = tok.Merge(position.Patch{WorkerID: position.Ptr(workerID), IsChecked: position.Ptr(true)})
	tok.UpdatedAt = m.now()
	m.tokens[mint] = tok
	return tok.Clone(), nil
}

func (m *Memory) ReleaseToken(ctx context.Context, mint, workerID string) error {
	m.mu.Lock()
	tok, ok := m.tokens[mint]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	if tok.WorkerID != workerID {
		m.mu.Unlock()
		return nil
	}
	tok = tok.Merge(position.Patch{WorkerID: position.Ptr(""), IsChecked: position.Ptr(false)})
	tok.UpdatedAt = m.now()
	m.tokens[mint] = tok
	m.mu.Unlock()

	return notifyErr(m.notifier.Publish(ctx, Notification{Key: Key(tok.Role, mint), Mint: mint}))
}

func (m *Memory) Subscribe(ctx context.Context, prefix string) (<-chan Notification, error) {
	return m.notifier.Subscribe(ctx, prefix)
}

func (m *Memory) Close() error {
	return m.notifier.Close()
}
