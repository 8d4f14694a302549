package analytics

import (
	"time"

	"pump-roadmap-bot/internal/market"
)

// BuyRun is one streak of confirmed buys by other traders
type BuyRun struct {
	Quantity   int         `json:"quantity"`
	Sols       float64     `json:"sols"`
	StampTimes []time.Time `json:"stamp_times"`
}

// EnrichedTradeEvent is a trade event plus the analytics derived from the
// token's history up to and including it. Records are never mutated after
// Analyze returns them; maps and slices are copied forward.
type EnrichedTradeEvent struct {
	market.TradeEvent

	IsOwnTrade              bool    `json:"is_own_trade"`
	SolDelta                float64 `json:"sol_delta"`
	TradeTimeDelta          float64 `json:"trade_time_delta"`
	IsRelevantTrade         bool    `json:"is_relevant_trade"`
	NonRelevantTradeCount   int     `json:"is_non_relevant_trade_count"`
	ConsecutiveBuys         int     `json:"consecutive_buys"`
	ConsecutiveSells        int     `json:"consecutive_sells"`
	SecondsBetweenBuys      float64 `json:"seconds_between_buys"`
	SecondsBetweenSells     float64 `json:"seconds_between_sells"`
	VSolInBondingCurveBase  float64 `json:"vSolInBondingCurve_Base"`
	SolsInTokenAfterBuying  float64 `json:"sols_in_token_after_buying"`
	TraderHasSold           bool    `json:"trader_has_sold"`
	SellerIsAnUnknownTrader bool    `json:"seller_is_an_unknown_trader"`
	MarketInactivity        float64 `json:"market_inactivity"`
	MaxSecondsInMarket      float64 `json:"max_seconds_in_market"`

	MaxConsecutiveBuys        []BuyRun      `json:"max_consecutive_buys"`
	ConsecutiveBuysTimestamps map[int64]int `json:"consecutive_buys_timestamps"`

	LastBuyConfirmedAt  time.Time `json:"last_buy_confirmed_at"`
	LastSellConfirmedAt time.Time `json:"last_sell_confirmed_at"`
}

// Clone returns a deep copy of e
func (e EnrichedTradeEvent) Clone() EnrichedTradeEvent {
	e.MaxConsecutiveBuys = copyRuns(e.MaxConsecutiveBuys)
	e.ConsecutiveBuysTimestamps = copyStamps(e.ConsecutiveBuysTimestamps)
	return e
}

func copyRuns(runs []BuyRun) []BuyRun {
	out := make([]BuyRun, len(runs))
	for i, r := range runs {
		out[i] = BuyRun{
			Quantity:   r.Quantity,
			Sols:       r.Sols,
			StampTimes: append([]time.Time(nil), r.StampTimes...),
		}
	}
	return out
}

func copyStamps(stamps map[int64]int) map[int64]int {
	out := make(map[int64]int, len(stamps))
	for k, v := range stamps {
		out[k] = v
	}
	return out
}
