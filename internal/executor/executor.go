package executor

import (
	"context"
	"errors"
	"time"
)

// ErrTradeFailed is returned when a trade was rejected or never confirmed
var ErrTradeFailed = errors.New("trade failed")

// Direction is the side of a trade
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// TradeRequest describes one trade. Buys spend Amount SOL; sells either
// sell Amount tokens or, with SellAll, the whole holding.
type TradeRequest struct {
	Direction       Direction
	Mint            string
	Amount          float64
	SellAll         bool
	SlippagePercent float64
	PriorityFee     float64
	Pool            string
}

// TradeResult represents the result of a trade
type TradeResult struct {
	Success      bool          `json:"success"`
	Signature    string        `json:"signature"`
	AmountSOL    float64       `json:"amount_sol"`
	AmountTokens float64       `json:"amount_tokens"`
	Price        float64       `json:"price"`
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts"`
	TradeTime    time.Duration `json:"trade_time"`
}

// Executor submits trades to the market
type Executor interface {
	SubmitTrade(ctx context.Context, req TradeRequest) (TradeResult, error)
}
