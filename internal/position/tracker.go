package position

import (
	"sort"
	"sync"
	"time"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/market"
)

// Tracker holds the worker's in-memory positions keyed by mint. The worker
// goroutine is the only writer; the status server reads snapshots.
type Tracker struct {
	mu     sync.RWMutex
	tokens map[string]Token
	seen   map[string]map[string]struct{}
	now    func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		tokens: make(map[string]Token),
		seen:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Upsert merges p into the token stored under mint, creating it if needed
func (t *Tracker) Upsert(mint string, p Patch) Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.tokens[mint]
	if !ok {
		existing = Token{Mint: mint, CreatedAt: t.now()}
	}
	merged := existing.Merge(p)
	merged.UpdatedAt = t.now()
	t.tokens[mint] = merged
	return merged.Clone()
}

// Put stores tok as-is, replacing any previous entry
func (t *Tracker) Put(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tok.Mint] = tok.Clone()
}

// Get returns a copy of the token stored under mint
func (t *Tracker) Get(mint string) (Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tok, ok := t.tokens[mint]
	if !ok {
		return Token{}, false
	}
	return tok.Clone(), true
}

// Delete removes mint from the tracker
func (t *Tracker) Delete(mint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, mint)
	delete(t.seen, mint)
}

// Clear removes every position
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = make(map[string]Token)
	t.seen = make(map[string]map[string]struct{})
}

// Len returns the number of tracked positions
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}

// AppendTrade appends ev to the token's history. The stored history is
// replaced by a new slice so earlier readers keep their view. Returns false
// when mint is not tracked.
func (t *Tracker) AppendTrade(mint string, ev analytics.EnrichedTradeEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, ok := t.tokens[mint]
	if !ok {
		return false
	}

	history := make([]analytics.EnrichedTradeEvent, len(tok.History), len(tok.History)+1)
	copy(history, tok.History)
	tok.History = append(history, ev.Clone())
	tok.UpdatedAt = t.now()
	t.tokens[mint] = tok

	if t.seen[mint] == nil {
		t.seen[mint] = make(map[string]struct{})
	}
	t.seen[mint][ev.Signature] = struct{}{}
	return true
}

// Seen reports whether a trade with signature was already appended for mint
func (t *Tracker) Seen(mint, signature string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[mint][signature]
	return ok
}

// Filter returns copies of the tokens matching keep, ordered by mint
func (t *Tracker) Filter(keep func(Token) bool) []Token {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Token
	for _, tok := range t.tokens {
		if keep == nil || keep(tok) {
			out = append(out, tok.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Snapshot returns copies of every tracked token, ordered by mint
func (t *Tracker) Snapshot() []Token {
	return t.Filter(nil)
}

// Mints returns the mints of tokens matching keep
func (t *Tracker) Mints(keep func(Token) bool) []string {
	tokens := t.Filter(keep)
	mints := make([]string, len(tokens))
	for i, tok := range tokens {
		mints[i] = tok.Mint
	}
	return mints
}

// Curve returns the bonding curve as of the last trade recorded for mint
func (t *Tracker) Curve(mint string) (market.Curve, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tok, ok := t.tokens[mint]
	if !ok || len(tok.History) == 0 {
		return market.Curve{}, false
	}
	return market.CurveFromEvent(tok.History[len(tok.History)-1].TradeEvent), true
}

// Trackers reads several trackers as one, for processes running more than
// one worker.
type Trackers []*Tracker

// Snapshot returns every tracked token across all trackers, ordered by mint
func (ts Trackers) Snapshot() []Token {
	var out []Token
	for _, t := range ts {
		out = append(out, t.Snapshot()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Get returns mint from the first tracker holding it
func (ts Trackers) Get(mint string) (Token, bool) {
	for _, t := range ts {
		if tok, ok := t.Get(mint); ok {
			return tok, true
		}
	}
	return Token{}, false
}
