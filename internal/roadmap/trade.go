package roadmap

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pump-roadmap-bot/internal/executor"
	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/position"
)

func (w *Worker) request(dir executor.Direction, tok position.Token) executor.TradeRequest {
	return executor.TradeRequest{
		Direction:       dir,
		Mint:            tok.Mint,
		Amount:          tok.TradingAmount,
		SellAll:         dir == executor.Sell,
		SlippagePercent: w.cfg.Trading.SlippagePercent,
		PriorityFee:     w.cfg.Trading.PriorityFee,
		Pool:            w.cfg.Trading.Pool,
	}
}

// buy opens a position on every claimed token not yet traded. A failed buy
// closes the token and follows the step's error redirect.
func (w *Worker) buy(ctx context.Context, step Step) (outcome, error) {
	failed := false

	for _, tok := range w.tracker.Filter(func(t position.Token) bool { return !t.IsClosed && !t.IsTraded }) {
		// Recorded before submitting so the own-buy delta covers the fill.
		w.tracker.Upsert(tok.Mint, position.Patch{BuyTimestamp: position.Ptr(w.clock.Now())})

		req := w.request(executor.Buy, tok)
		w.logger.LogTradeAttempt(string(executor.Buy), tok.Mint, req.Amount)
		res, err := w.executor.SubmitTrade(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			failed = true
			updated := w.tracker.Upsert(tok.Mint, position.Patch{
				IsTraded:     position.Ptr(false),
				IsClosed:     position.Ptr(true),
				ExitCriteria: position.Ptr(ExitBuyFailed),
			})
			w.persist(ctx, tok.Mint, position.Patch{
				IsTraded:     position.Ptr(false),
				IsClosed:     position.Ptr(true),
				ExitCriteria: position.Ptr(ExitBuyFailed),
			})
			w.stats.update(func(s *Stats) { s.failedTrades++ })
			w.logger.LogTradeError(string(executor.Buy), tok.Mint, req.Amount, err)
			w.journal(updated, req, res, err)
			continue
		}

		now := w.clock.Now()
		updated := w.tracker.Upsert(tok.Mint, position.Patch{
			IsTraded:     position.Ptr(true),
			BuyTimestamp: position.Ptr(now),
			BuySignature: position.Ptr(res.Signature),
		})
		w.persist(ctx, tok.Mint, position.Patch{
			IsTraded:     position.Ptr(true),
			BuyTimestamp: position.Ptr(now),
			BuySignature: position.Ptr(res.Signature),
		})
		w.stats.update(func(s *Stats) { s.buys++ })
		w.logger.LogTradeConfirmed(string(executor.Buy), tok.Mint, res.AmountSOL, res.Signature)
		w.journal(updated, req, res, nil)
	}

	if failed {
		return onError(step), nil
	}
	return outcome{kind: advance}, nil
}

// sell closes every open position in full
func (w *Worker) sell(ctx context.Context, step Step) (outcome, error) {
	failed := false

	for _, tok := range w.tracker.Filter(position.Token.IsOpen) {
		tok = w.tracker.Upsert(tok.Mint, position.Patch{SellTimestamp: position.Ptr(w.clock.Now())})

		req := w.request(executor.Sell, tok)
		w.logger.LogTradeAttempt(string(executor.Sell), tok.Mint, req.Amount)
		res, err := w.executor.SubmitTrade(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			failed = true
			w.stats.update(func(s *Stats) { s.failedTrades++ })
			w.logger.LogTradeError(string(executor.Sell), tok.Mint, req.Amount, err)
			w.journal(tok, req, res, err)
			continue
		}

		now := w.clock.Now()
		updated := w.tracker.Upsert(tok.Mint, position.Patch{
			IsClosed:      position.Ptr(true),
			SellTimestamp: position.Ptr(now),
			SellSignature: position.Ptr(res.Signature),
		})
		w.persist(ctx, tok.Mint, position.Patch{
			IsClosed:      position.Ptr(true),
			SellTimestamp: position.Ptr(now),
			SellSignature: position.Ptr(res.Signature),
		})
		w.stats.update(func(s *Stats) { s.sells++ })
		w.logger.LogTradeConfirmed(string(executor.Sell), tok.Mint, res.AmountSOL, res.Signature)
		w.journal(updated, req, res, nil)
	}

	if failed {
		if err := w.sellBackoff(ctx); err != nil {
			return outcome{}, err
		}
		return onError(step), nil
	}
	w.sellFailures = 0
	return outcome{kind: advance}, nil
}

// sellBackoff waits RetryDelay doubled per consecutive failed sell round,
// capped at the idle timeout, before the error redirect runs.
func (w *Worker) sellBackoff(ctx context.Context) error {
	w.sellFailures++
	delay := w.cfg.RetryDelay
	for i := 1; i < w.sellFailures && delay < w.cfg.IdleTimeout; i++ {
		delay *= 2
	}
	if delay > w.cfg.IdleTimeout {
		delay = w.cfg.IdleTimeout
	}

	w.log().WithFields(logrus.Fields{
		"event":    "sell_retry",
		"failures": w.sellFailures,
		"delay":    delay.String(),
	}).Warn("⏳ Sell failed, backing off")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// journal appends the trade to the trade log when one is configured
func (w *Worker) journal(tok position.Token, req executor.TradeRequest, res executor.TradeResult, tradeErr error) {
	if w.trades == nil {
		return
	}

	entry := logger.TradeLog{
		TradeType:       string(req.Direction),
		Mint:            tok.Mint,
		TokenName:       tok.Name,
		TokenSymbol:     tok.Symbol,
		Creator:         tok.Creator,
		WorkerID:        w.cfg.ID,
		Role:            w.role,
		AmountSOL:       res.AmountSOL,
		AmountTokens:    res.AmountTokens,
		Price:           res.Price,
		Signature:       res.Signature,
		Status:          logger.TradeSuccess,
		Attempts:        res.Attempts,
		SlippagePercent: req.SlippagePercent,
		PriorityFee:     req.PriorityFee,
		ExitCriteria:    tok.ExitCriteria,
		DryRun:          w.cfg.DryRun,
	}
	if tradeErr != nil {
		entry.Status = logger.TradeFailed
		entry.ErrorMessage = tradeErr.Error()
		if entry.AmountSOL == 0 {
			entry.AmountSOL = req.Amount
		}
	}

	if err := w.trades.LogTrade(entry); err != nil {
		w.log().WithError(err).WithField("trade_type", req.Direction).Warn("⚠️ Failed to journal trade")
	}
}
