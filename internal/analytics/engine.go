package analytics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"pump-roadmap-bot/internal/market"
)

// ErrInvalidEvent is returned for events or holdings the engine cannot fold
var ErrInvalidEvent = errors.New("invalid trade event")

// Keys of the last own action timestamps map
const (
	BuyTimestampKey  = "buy_timestamp"
	SellTimestampKey = "sell_timestamp"
)

// TimestampKey returns the last-action key for a trade direction
func TimestampKey(t market.TxType) string {
	if t.IsBuy() {
		return BuyTimestampKey
	}
	return SellTimestampKey
}

// Clock supplies the engine's notion of now
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Params tune relevance and streak confirmation
type Params struct {
	// RelevantAmount is the minimum SOL moved for a trade to count as relevant
	RelevantAmount float64
	// NonRelevantTolerance is how many consecutive non-relevant trades of the
	// same direction confirm a streak on their own. Zero disables it.
	NonRelevantTolerance int
	// TotalBondingCurveTokens is used when an event carries no token reserve
	TotalBondingCurveTokens float64
}

// Holding describes the agent's stake in the token being analyzed
type Holding struct {
	Committed      float64
	Self           string
	TrackedTraders []string
	LastOwnActions map[string]time.Time
}

// Engine folds trade events into enriched records
type Engine struct {
	params Params
	clock  Clock
}

// NewEngine creates an engine. A nil clock falls back to the system clock.
func NewEngine(params Params, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{params: params, clock: clock}
}

// Analyze derives the enriched record for ev given the token's prior
// history. It does not modify history.
func (e *Engine) Analyze(ev market.TradeEvent, history []EnrichedTradeEvent, h Holding) (EnrichedTradeEvent, error) {
	if err := market.Validate(ev); err != nil {
		return EnrichedTradeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if math.IsNaN(h.Committed) || math.IsInf(h.Committed, 0) || h.Committed < 0 {
		return EnrichedTradeEvent{}, fmt.Errorf("%w: committed amount %v", ErrInvalidEvent, h.Committed)
	}

	now := e.clock.Now()
	out := EnrichedTradeEvent{TradeEvent: ev}
	out.IsOwnTrade = h.Self != "" && ev.TraderPublicKey == h.Self
	out.TraderHasSold = contains(h.TrackedTraders, ev.TraderPublicKey)

	if !ev.TxType.IsBuy() {
		out.SellerIsAnUnknownTrader = !seenTrader(history, ev.TraderPublicKey)
	}

	if out.IsOwnTrade {
		if last, ok := h.LastOwnActions[TimestampKey(ev.TxType)]; ok && !last.IsZero() {
			out.TradeTimeDelta = ev.Timestamp.Sub(last).Seconds()
		}
	}

	if len(history) == 0 {
		e.first(&out, h)
	} else {
		e.next(&out, history, h, now)
	}

	out.SolsInTokenAfterBuying = ev.VSolInBondingCurve - out.VSolInBondingCurveBase
	return out, nil
}

// first establishes the base and seeds streak state from the token's
// first observed trade. Only a relevant first trade starts a streak.
func (e *Engine) first(out *EnrichedTradeEvent, h Holding) {
	ev := out.TradeEvent

	delta := e.approximateSpend(ev)
	if out.IsOwnTrade {
		delta = h.Committed
	}
	out.SolDelta = delta

	switch {
	case out.IsOwnTrade:
		out.VSolInBondingCurveBase = ev.VSolInBondingCurve - h.Committed
	case ev.TxType.IsBuy():
		out.VSolInBondingCurveBase = ev.VSolInBondingCurve - delta
	default:
		out.VSolInBondingCurveBase = ev.VSolInBondingCurve + delta
	}

	out.IsRelevantTrade = delta >= e.params.RelevantAmount
	if !out.IsRelevantTrade {
		out.NonRelevantTradeCount = 1
	}

	out.MaxConsecutiveBuys = []BuyRun{{}}
	out.ConsecutiveBuysTimestamps = make(map[int64]int)
	if out.IsRelevantTrade {
		e.confirm(out, delta)
	}
}

func (e *Engine) next(out *EnrichedTradeEvent, history []EnrichedTradeEvent, h Holding, now time.Time) {
	ev := out.TradeEvent
	prev := history[len(history)-1]

	out.VSolInBondingCurveBase = history[0].VSolInBondingCurveBase
	out.MaxConsecutiveBuys = copyRuns(prev.MaxConsecutiveBuys)
	out.ConsecutiveBuysTimestamps = copyStamps(prev.ConsecutiveBuysTimestamps)
	out.LastBuyConfirmedAt = prev.LastBuyConfirmedAt
	out.LastSellConfirmedAt = prev.LastSellConfirmedAt
	out.SecondsBetweenBuys = prev.SecondsBetweenBuys
	out.SecondsBetweenSells = prev.SecondsBetweenSells

	delta := math.Abs(ev.VSolInBondingCurve - prev.VSolInBondingCurve)
	if out.IsOwnTrade {
		delta = h.Committed
	}
	out.SolDelta = delta
	out.IsRelevantTrade = !out.IsOwnTrade && delta >= e.params.RelevantAmount

	if ev.TxType.IsBuy() == prev.TxType.IsBuy() {
		out.ConsecutiveBuys = prev.ConsecutiveBuys
		out.ConsecutiveSells = prev.ConsecutiveSells

		nrc := prev.NonRelevantTradeCount
		if !out.IsRelevantTrade {
			nrc++
		}
		tolerated := e.params.NonRelevantTolerance > 0 && nrc >= e.params.NonRelevantTolerance
		if out.IsRelevantTrade || prev.IsRelevantTrade || tolerated {
			nrc = 0
			e.confirm(out, delta)
		}
		out.NonRelevantTradeCount = nrc
	} else {
		if !out.IsRelevantTrade {
			out.NonRelevantTradeCount = 1
		}
		if ev.TxType.IsBuy() {
			out.MaxConsecutiveBuys = append(out.MaxConsecutiveBuys, BuyRun{})
		}
		e.confirm(out, delta)
	}

	out.MarketInactivity = nonNegative(now.Sub(prev.Timestamp).Seconds())
	out.MaxSecondsInMarket = nonNegative(now.Sub(history[0].Timestamp).Seconds())
}

// confirm extends the streak in the event's direction and resets the other
func (e *Engine) confirm(out *EnrichedTradeEvent, delta float64) {
	ts := out.Timestamp

	if !out.TxType.IsBuy() {
		out.ConsecutiveSells++
		out.ConsecutiveBuys = 0
		if !out.LastSellConfirmedAt.IsZero() {
			out.SecondsBetweenSells = ts.Sub(out.LastSellConfirmedAt).Seconds()
		}
		out.LastSellConfirmedAt = ts
		return
	}

	out.ConsecutiveBuys++
	out.ConsecutiveSells = 0
	if !out.LastBuyConfirmedAt.IsZero() {
		out.SecondsBetweenBuys = ts.Sub(out.LastBuyConfirmedAt).Seconds()
	}
	out.LastBuyConfirmedAt = ts

	if len(out.MaxConsecutiveBuys) == 0 {
		out.MaxConsecutiveBuys = []BuyRun{{}}
	}
	run := &out.MaxConsecutiveBuys[len(out.MaxConsecutiveBuys)-1]
	if !out.IsOwnTrade {
		run.Quantity++
		run.Sols += delta
	}
	run.StampTimes = append(run.StampTimes, ts)
	out.ConsecutiveBuysTimestamps[ts.Unix()]++
}

// approximateSpend estimates the SOL another trader moved from the token
// amount at the event's spot price.
func (e *Engine) approximateSpend(ev market.TradeEvent) float64 {
	tokens := ev.VTokensInBondingCurve
	if tokens <= 0 {
		tokens = e.params.TotalBondingCurveTokens
	}
	if tokens <= 0 {
		return 0
	}
	return ev.TokenAmount * ev.VSolInBondingCurve / tokens
}

func seenTrader(history []EnrichedTradeEvent, trader string) bool {
	for i := range history {
		if history[i].TraderPublicKey == trader {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
