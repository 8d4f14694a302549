package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pump-roadmap-bot/internal/position"
)

var (
	// ErrNotFound is returned when no token is stored under a mint
	ErrNotFound = errors.New("token not found")
	// ErrAlreadyClaimed is returned when another worker owns the token
	ErrAlreadyClaimed = errors.New("token already claimed")
	// ErrNotify wraps a failed change notification. The write it follows
	// has been committed.
	ErrNotify = errors.New("token change not announced")
)

// KeyPrefix namespaces token change notifications
const KeyPrefix = "token:"

// Key returns the notification key of a token: token:<role>:<mint>
func Key(role, mint string) string {
	return KeyPrefix + role + ":" + mint
}

// RolePrefix returns the prefix matching every token of role
func RolePrefix(role string) string {
	if role == "" {
		return KeyPrefix
	}
	return KeyPrefix + role + ":"
}

// MintFromKey extracts the mint from a notification key
func MintFromKey(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Notification announces that the token stored under Key changed
type Notification struct {
	Key  string `json:"key"`
	Mint string `json:"mint"`
}

// Store hands tokens between the scanner and the trading workers
type Store interface {
	// GetUnclaimedTokens lists tokens of role that no worker owns yet. A
	// non-empty mint narrows the result to that token.
	GetUnclaimedTokens(ctx context.Context, role, mint string) ([]position.Token, error)
	GetToken(ctx context.Context, mint string) (position.Token, error)
	SetToken(ctx context.Context, tok position.Token) error
	UpdateToken(ctx context.Context, mint string, p position.Patch) (position.Token, error)
	// ClaimToken assigns the token to workerID and marks it checked. Claims
	// are serialized; losing a race returns ErrAlreadyClaimed.
	ClaimToken(ctx context.Context, mint, workerID string) (position.Token, error)
	// ReleaseToken hands a token claimed by workerID back to the pool. It is
	// a no-op when another worker owns the token.
	ReleaseToken(ctx context.Context, mint, workerID string) error
	// Subscribe delivers change notifications whose key starts with prefix
	// until ctx is done. Delivery is at least once.
	Subscribe(ctx context.Context, prefix string) (<-chan Notification, error)
	Close() error
}

// Notifier fans change notifications out to subscribers
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context, prefix string) (<-chan Notification, error)
	Close() error
}

var (
	_ Store    = (*Memory)(nil)
	_ Store    = (*Postgres)(nil)
	_ Notifier = (*Broadcaster)(nil)
	_ Notifier = (*AMQPNotifier)(nil)
)

func notifyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotify, err)
}

func unclaimed(tok position.Token, role, mint string) bool {
	if tok.WorkerID != "" || tok.IsClosed {
		return false
	}
	if role != "" && tok.Role != role {
		return false
	}
	return mint == "" || tok.Mint == mint
}
