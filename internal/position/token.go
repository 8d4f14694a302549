package position

import (
	"time"

	"pump-roadmap-bot/internal/analytics"
)

// Token is a position the worker is tracking, from claim to close
type Token struct {
	Mint           string                         `json:"mint"`
	Name           string                         `json:"name"`
	Symbol         string                         `json:"symbol"`
	Creator        string                         `json:"creator"`
	Role           string                         `json:"role"`
	TradingAmount  float64                        `json:"trading_amount"`
	Owner          string                         `json:"owner"`
	WorkerID       string                         `json:"worker_id"`
	IsChecked      bool                           `json:"is_checked"`
	IsTraded       bool                           `json:"is_traded"`
	IsClosed       bool                           `json:"is_closed"`
	BuyTimestamp   time.Time                      `json:"buy_timestamp"`
	SellTimestamp  time.Time                      `json:"sell_timestamp"`
	BuySignature   string                         `json:"buy_signature,omitempty"`
	SellSignature  string                         `json:"sell_signature,omitempty"`
	ExitCriteria   string                         `json:"exit_criteria,omitempty"`
	TrackedTraders []string                       `json:"tracked_traders"`
	History        []analytics.EnrichedTradeEvent `json:"history,omitempty"`
	CreatedAt      time.Time                      `json:"created_at"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// IsOpen reports whether the position holds tokens that still need selling
func (t Token) IsOpen() bool {
	return t.IsTraded && !t.IsClosed
}

// LastOwnActions returns the timestamps analytics uses for own-trade deltas
func (t Token) LastOwnActions() map[string]time.Time {
	out := make(map[string]time.Time, 2)
	if !t.BuyTimestamp.IsZero() {
		out[analytics.BuyTimestampKey] = t.BuyTimestamp
	}
	if !t.SellTimestamp.IsZero() {
		out[analytics.SellTimestampKey] = t.SellTimestamp
	}
	return out
}

// Clone returns a deep copy of t
func (t Token) Clone() Token {
	t.TrackedTraders = append([]string(nil), t.TrackedTraders...)
	if t.History != nil {
		history := make([]analytics.EnrichedTradeEvent, len(t.History))
		for i := range t.History {
			history[i] = t.History[i].Clone()
		}
		t.History = history
	}
	return t
}

// Patch is a partial update. Nil fields are left untouched; History and
// TrackedTraders extend the existing lists.
type Patch struct {
	Name           *string
	Symbol         *string
	Creator        *string
	Role           *string
	TradingAmount  *float64
	Owner          *string
	WorkerID       *string
	IsChecked      *bool
	IsTraded       *bool
	IsClosed       *bool
	BuyTimestamp   *time.Time
	SellTimestamp  *time.Time
	BuySignature   *string
	SellSignature  *string
	ExitCriteria   *string
	TrackedTraders []string
	History        []analytics.EnrichedTradeEvent
}

// Merge applies p to a copy of t
func (t Token) Merge(p Patch) Token {
	out := t.Clone()

	setString(&out.Name, p.Name)
	setString(&out.Symbol, p.Symbol)
	setString(&out.Creator, p.Creator)
	setString(&out.Role, p.Role)
	setString(&out.Owner, p.Owner)
	setString(&out.WorkerID, p.WorkerID)
	setString(&out.BuySignature, p.BuySignature)
	setString(&out.SellSignature, p.SellSignature)
	setString(&out.ExitCriteria, p.ExitCriteria)

	if p.TradingAmount != nil {
		out.TradingAmount = *p.TradingAmount
	}
	if p.IsChecked != nil {
		out.IsChecked = *p.IsChecked
	}
	if p.IsTraded != nil {
		out.IsTraded = *p.IsTraded
	}
	if p.IsClosed != nil {
		out.IsClosed = *p.IsClosed
	}
	if p.BuyTimestamp != nil {
		out.BuyTimestamp = *p.BuyTimestamp
	}
	if p.SellTimestamp != nil {
		out.SellTimestamp = *p.SellTimestamp
	}

	for _, trader := range p.TrackedTraders {
		if !containsString(out.TrackedTraders, trader) {
			out.TrackedTraders = append(out.TrackedTraders, trader)
		}
	}
	for i := range p.History {
		out.History = append(out.History, p.History[i].Clone())
	}
	return out
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}
