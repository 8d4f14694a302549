package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pump-roadmap-bot/internal/market"
)

// Quotes supplies the latest known curve of a token
type Quotes interface {
	Curve(mint string) (market.Curve, bool)
}

// QuoteFunc adapts a function to Quotes
type QuoteFunc func(mint string) (market.Curve, bool)

func (f QuoteFunc) Curve(mint string) (market.Curve, bool) { return f(mint) }

// Paper fills trades against the bonding curve without touching the chain
type Paper struct {
	quotes   Quotes
	logger   *logrus.Logger
	mu       sync.Mutex
	holdings map[string]float64
}

// NewPaper creates a dry-run executor
func NewPaper(quotes Quotes, logger *logrus.Logger) *Paper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Paper{quotes: quotes, logger: logger, holdings: make(map[string]float64)}
}

// SubmitTrade simulates req at the current curve
func (p *Paper) SubmitTrade(_ context.Context, req TradeRequest) (TradeResult, error) {
	start := time.Now()

	curve := market.LaunchCurve
	if p.quotes != nil {
		if c, ok := p.quotes.Curve(req.Mint); ok && c.VirtualTokens > 0 {
			curve = c
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := TradeResult{
		Signature: "paper-" + uuid.NewString(),
		Attempts:  1,
		Price:     curve.Price(),
	}

	switch req.Direction {
	case Buy:
		if req.Amount <= 0 {
			return p.fail(res, req, "amount must be positive")
		}
		res.AmountSOL = req.Amount
		res.AmountTokens = curve.TokensForSOL(req.Amount)
		p.holdings[req.Mint] += res.AmountTokens
	case Sell:
		held := p.holdings[req.Mint]
		tokens := req.Amount
		if req.SellAll || tokens > held {
			tokens = held
		}
		if tokens <= 0 {
			return p.fail(res, req, "nothing to sell")
		}
		res.AmountTokens = tokens
		res.AmountSOL = curve.SOLForTokens(tokens)
		p.holdings[req.Mint] = held - tokens
		if p.holdings[req.Mint] <= 0 {
			delete(p.holdings, req.Mint)
		}
	default:
		return p.fail(res, req, "unknown direction")
	}

	res.Success = true
	res.TradeTime = time.Since(start)

	p.logger.WithFields(logrus.Fields{
		"mint":      req.Mint,
		"direction": req.Direction,
		"sol":       res.AmountSOL,
		"tokens":    res.AmountTokens,
	}).Info("📝 Paper trade filled")
	return res, nil
}

func (p *Paper) fail(res TradeResult, req TradeRequest, reason string) (TradeResult, error) {
	res.Error = reason
	return res, fmt.Errorf("%w: %s %s: %s", ErrTradeFailed, req.Direction, req.Mint, reason)
}

// Holding returns the simulated token balance of mint
func (p *Paper) Holding(mint string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[mint]
}
