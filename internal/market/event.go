package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned when a feed message is missing a required field
// or carries a value that cannot be used for analytics.
var ErrMalformed = errors.New("malformed market message")

// TxType is the direction of a trade event
type TxType string

const (
	TxBuy    TxType = "buy"
	TxSell   TxType = "sell"
	TxCreate TxType = "create"
)

// IsBuy reports whether the event adds base currency to the curve.
// Creation messages carry the creator's initial buy.
func (t TxType) IsBuy() bool {
	return t == TxBuy || t == TxCreate
}

// Valid reports whether t is a known trade direction
func (t TxType) Valid() bool {
	switch t {
	case TxBuy, TxSell, TxCreate:
		return true
	}
	return false
}

// TimestampSource tags where an event timestamp came from
type TimestampSource string

const (
	// TimestampMessage means the feed message carried its own timestamp
	TimestampMessage TimestampSource = "message"
	// TimestampArrival means the engine clock stamped the event on arrival
	TimestampArrival TimestampSource = "arrival"
)

// TradeEvent is a normalized trade observed on the market feed
type TradeEvent struct {
	Signature             string          `json:"signature"`
	Mint                  string          `json:"mint"`
	TraderPublicKey       string          `json:"traderPublicKey"`
	TxType                TxType          `json:"txType"`
	TokenAmount           float64         `json:"tokenAmount"`
	SolAmount             float64         `json:"solAmount,omitempty"`
	NewTokenBalance       float64         `json:"newTokenBalance"`
	BondingCurveKey       string          `json:"bondingCurveKey"`
	VTokensInBondingCurve float64         `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64         `json:"vSolInBondingCurve"`
	MarketCapSol          float64         `json:"marketCapSol"`
	Timestamp             time.Time       `json:"timestamp"`
	TimestampSource       TimestampSource `json:"timestamp_source"`
}

// Price returns the spot price per token in SOL implied by the event reserves
func (e TradeEvent) Price() float64 {
	return Curve{VirtualSol: e.VSolInBondingCurve, VirtualTokens: e.VTokensInBondingCurve}.Price()
}

// NewTokenEvent is a token creation observed on the new-token feed
type NewTokenEvent struct {
	Signature             string    `json:"signature"`
	Mint                  string    `json:"mint"`
	Creator               string    `json:"traderPublicKey"`
	Name                  string    `json:"name"`
	Symbol                string    `json:"symbol"`
	URI                   string    `json:"uri"`
	InitialBuy            float64   `json:"initialBuy"`
	SolAmount             float64   `json:"solAmount"`
	BondingCurveKey       string    `json:"bondingCurveKey"`
	VTokensInBondingCurve float64   `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64   `json:"vSolInBondingCurve"`
	MarketCapSol          float64   `json:"marketCapSol"`
	Pool                  string    `json:"pool"`
	DiscoveredAt          time.Time `json:"discovered_at"`
}

// Trade converts a creation into the creator's opening trade event
func (n NewTokenEvent) Trade() TradeEvent {
	return TradeEvent{
		Signature:             n.Signature,
		Mint:                  n.Mint,
		TraderPublicKey:       n.Creator,
		TxType:                TxCreate,
		TokenAmount:           n.InitialBuy,
		SolAmount:             n.SolAmount,
		NewTokenBalance:       n.InitialBuy,
		BondingCurveKey:       n.BondingCurveKey,
		VTokensInBondingCurve: n.VTokensInBondingCurve,
		VSolInBondingCurve:    n.VSolInBondingCurve,
		MarketCapSol:          n.MarketCapSol,
		Timestamp:             n.DiscoveredAt,
		TimestampSource:       TimestampArrival,
	}
}

// Kind classifies a decoded feed message
type Kind int

const (
	KindAck Kind = iota
	KindTrade
	KindNewToken
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindTrade:
		return "trade"
	case KindNewToken:
		return "new_token"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one decoded feed message. Exactly one of Trade or NewToken is
// set unless Kind is KindAck.
type Message struct {
	Kind     Kind
	Ack      string
	Trade    *TradeEvent
	NewToken *NewTokenEvent
}

// wireMessage mirrors the feed JSON. Pointers distinguish a missing field
// from a zero value.
type wireMessage struct {
	Message               *string  `json:"message"`
	Errors                *string  `json:"errors"`
	Signature             *string  `json:"signature"`
	Mint                  *string  `json:"mint"`
	TraderPublicKey       *string  `json:"traderPublicKey"`
	TxType                *string  `json:"txType"`
	TokenAmount           *float64 `json:"tokenAmount"`
	SolAmount             *float64 `json:"solAmount"`
	NewTokenBalance       *float64 `json:"newTokenBalance"`
	InitialBuy            *float64 `json:"initialBuy"`
	BondingCurveKey       string   `json:"bondingCurveKey"`
	VTokensInBondingCurve *float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    *float64 `json:"vSolInBondingCurve"`
	MarketCapSol          *float64 `json:"marketCapSol"`
	Name                  string   `json:"name"`
	Symbol                string   `json:"symbol"`
	URI                   string   `json:"uri"`
	Pool                  string   `json:"pool"`
	TimestampMs           *int64   `json:"timestamp"`
}

// Normalize decodes a raw feed message. Trade messages missing any numeric
// field the analytics depend on are rejected with ErrMalformed rather than
// defaulted to zero. now stamps events that carry no timestamp of their own.
func Normalize(raw []byte, now time.Time) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Signature == nil && w.TxType == nil {
		if w.Errors != nil {
			return Message{}, fmt.Errorf("%w: feed error: %s", ErrMalformed, *w.Errors)
		}
		if w.Message != nil {
			return Message{Kind: KindAck, Ack: *w.Message}, nil
		}
		return Message{}, fmt.Errorf("%w: neither trade nor acknowledgement", ErrMalformed)
	}

	ts, source := now, TimestampArrival
	if w.TimestampMs != nil && *w.TimestampMs > 0 {
		ts, source = time.UnixMilli(*w.TimestampMs), TimestampMessage
	}

	txType := TxType(str(w.TxType))
	if txType == TxCreate && w.Name != "" {
		return normalizeCreate(w, ts)
	}

	ev, err := normalizeTrade(w, ts, source)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindTrade, Trade: &ev}, nil
}

func normalizeTrade(w wireMessage, ts time.Time, source TimestampSource) (TradeEvent, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"signature", w.Signature != nil && *w.Signature != ""},
		{"mint", w.Mint != nil && *w.Mint != ""},
		{"traderPublicKey", w.TraderPublicKey != nil && *w.TraderPublicKey != ""},
		{"txType", w.TxType != nil},
		{"vTokensInBondingCurve", w.VTokensInBondingCurve != nil},
		{"vSolInBondingCurve", w.VSolInBondingCurve != nil},
	}
	for _, r := range required {
		if !r.ok {
			return TradeEvent{}, fmt.Errorf("%w: missing %s", ErrMalformed, r.name)
		}
	}

	txType := TxType(*w.TxType)
	if !txType.Valid() {
		return TradeEvent{}, fmt.Errorf("%w: unknown txType %q", ErrMalformed, *w.TxType)
	}

	tokenAmount := w.TokenAmount
	if tokenAmount == nil && txType == TxCreate {
		tokenAmount = w.InitialBuy
	}
	if tokenAmount == nil {
		return TradeEvent{}, fmt.Errorf("%w: missing tokenAmount", ErrMalformed)
	}

	ev := TradeEvent{
		Signature:             *w.Signature,
		Mint:                  *w.Mint,
		TraderPublicKey:       *w.TraderPublicKey,
		TxType:                txType,
		TokenAmount:           *tokenAmount,
		SolAmount:             num(w.SolAmount),
		NewTokenBalance:       num(w.NewTokenBalance),
		BondingCurveKey:       w.BondingCurveKey,
		VTokensInBondingCurve: *w.VTokensInBondingCurve,
		VSolInBondingCurve:    *w.VSolInBondingCurve,
		MarketCapSol:          num(w.MarketCapSol),
		Timestamp:             ts,
		TimestampSource:       source,
	}
	if err := Validate(ev); err != nil {
		return TradeEvent{}, err
	}
	return ev, nil
}

func normalizeCreate(w wireMessage, ts time.Time) (Message, error) {
	if w.Mint == nil || *w.Mint == "" {
		return Message{}, fmt.Errorf("%w: create message missing mint", ErrMalformed)
	}
	if w.VSolInBondingCurve == nil || w.VTokensInBondingCurve == nil {
		return Message{}, fmt.Errorf("%w: create message missing reserves", ErrMalformed)
	}

	initialBuy := w.InitialBuy
	if initialBuy == nil {
		initialBuy = w.TokenAmount
	}

	return Message{
		Kind: KindNewToken,
		NewToken: &NewTokenEvent{
			Signature:             str(w.Signature),
			Mint:                  *w.Mint,
			Creator:               str(w.TraderPublicKey),
			Name:                  w.Name,
			Symbol:                w.Symbol,
			URI:                   w.URI,
			InitialBuy:            num(initialBuy),
			SolAmount:             num(w.SolAmount),
			BondingCurveKey:       w.BondingCurveKey,
			VTokensInBondingCurve: *w.VTokensInBondingCurve,
			VSolInBondingCurve:    *w.VSolInBondingCurve,
			MarketCapSol:          num(w.MarketCapSol),
			Pool:                  w.Pool,
			DiscoveredAt:          ts,
		},
	}, nil
}

// Validate checks the invariants every trade event must satisfy before it
// reaches analytics.
func Validate(ev TradeEvent) error {
	switch {
	case ev.Signature == "":
		return fmt.Errorf("%w: empty signature", ErrMalformed)
	case ev.Mint == "":
		return fmt.Errorf("%w: empty mint", ErrMalformed)
	case !ev.TxType.Valid():
		return fmt.Errorf("%w: unknown txType %q", ErrMalformed, ev.TxType)
	}

	for name, v := range map[string]float64{
		"tokenAmount":           ev.TokenAmount,
		"vTokensInBondingCurve": ev.VTokensInBondingCurve,
		"vSolInBondingCurve":    ev.VSolInBondingCurve,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrMalformed, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative %s", ErrMalformed, name)
		}
	}
	return nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
