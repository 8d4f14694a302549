package roadmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pump-roadmap-bot/internal/config"
	"pump-roadmap-bot/internal/discovery"
	"pump-roadmap-bot/internal/market"
	"pump-roadmap-bot/internal/position"
	"pump-roadmap-bot/internal/store"
	"pump-roadmap-bot/internal/stream"
)

// readNextToken claims one unclaimed token of the worker's role. A worker
// already holding an unfinished token keeps it.
func (w *Worker) readNextToken(ctx context.Context, step Step) (outcome, error) {
	if held := w.tracker.Mints(func(t position.Token) bool { return !t.IsClosed }); len(held) > 0 {
		return outcome{kind: advance}, nil
	}

	claimed, err := w.claimNext(ctx)
	if err != nil {
		return outcome{}, err
	}
	if claimed || w.stopped.Load() || w.sessionExpired() {
		return outcome{kind: advance}, nil
	}

	w.watchStore(ctx)

	wait := w.idleTimeout(step)
	if wait > w.cfg.PollInterval {
		wait = w.cfg.PollInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{}, ctx.Err()
		case _, ok := <-w.notes:
			if ok {
				return outcome{kind: stay}, nil
			}
			w.storeWatchLost()
		case <-timer.C:
			return outcome{kind: stay}, nil
		}
	}
}

// watchStore re-subscribes to store notifications once the retry time of a
// lost subscription has come. Until then waits fall back to the timer.
func (w *Worker) watchStore(ctx context.Context) {
	if w.notes != nil || time.Now().Before(w.notesRetry) {
		return
	}
	notes, err := w.store.Subscribe(ctx, store.RolePrefix(w.role))
	if err != nil {
		w.log().WithError(err).Warn("⚠️ Token notifications unavailable, polling")
		w.storeWatchLost()
		return
	}
	w.notes = notes
}

func (w *Worker) storeWatchLost() {
	if w.notesBackoff == 0 {
		w.notesBackoff = w.cfg.PollInterval
	} else if w.notesBackoff < w.cfg.IdleTimeout {
		w.notesBackoff *= 2
	}
	w.notes = nil
	w.notesRetry = time.Now().Add(w.notesBackoff)
	w.log().WithField("retry_in", w.notesBackoff.String()).Debug("Token notification channel closed")
}

func (w *Worker) claimNext(ctx context.Context) (bool, error) {
	tokens, err := w.store.GetUnclaimedTokens(ctx, w.role, "")
	if err != nil {
		return false, fmt.Errorf("failed to list unclaimed tokens: %w", err)
	}

	for _, tok := range tokens {
		if tok.IsChecked || tok.Role != w.role {
			continue
		}

		claimed, err := w.store.ClaimToken(ctx, tok.Mint, w.cfg.ID)
		if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrNotFound) {
			w.log().WithField("mint", tok.Mint).Debug("Token taken by another worker")
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim %s: %w", tok.Mint, err)
		}

		ok, err := w.takeClaimed(ctx, claimed)
		if err != nil {
			w.release(tok.Mint)
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// takeClaimed funds a freshly claimed token and records the trade amount.
// It reports false when the token was closed for lack of balance.
func (w *Worker) takeClaimed(ctx context.Context, claimed position.Token) (bool, error) {
	mint := claimed.Mint
	amount := claimed.TradingAmount
	if amount <= 0 {
		amount = w.cfg.Trading.BuyAmountSOL
	}
	amount, funded, err := w.fund(ctx, amount)
	if err != nil {
		return false, err
	}

	if !funded {
		w.log().WithFields(logrus.Fields{
			"event":  "insufficient_balance",
			"mint":   mint,
			"amount": amount,
		}).Warn("💸 Insufficient balance, closing token")
		err := w.retry(ctx, "close unfunded token", func() error {
			_, err := w.store.UpdateToken(ctx, mint, position.Patch{
				IsClosed:     position.Ptr(true),
				ExitCriteria: position.Ptr(ExitInsufficientBalance),
			})
			return w.committed(err, mint)
		})
		if err != nil {
			return false, fmt.Errorf("failed to close %s: %w", mint, err)
		}
		return false, nil
	}

	err = w.retry(ctx, "record claimed token", func() error {
		var err error
		claimed, err = w.store.UpdateToken(ctx, mint, position.Patch{
			TradingAmount: position.Ptr(amount),
			Owner:         position.Ptr(w.cfg.Self),
		})
		return w.committed(err, mint)
	})
	if err != nil {
		return false, fmt.Errorf("failed to update claimed %s: %w", mint, err)
	}

	w.tracker.Put(claimed)
	w.stats.update(func(s *Stats) { s.claimed++ })
	w.logger.LogTokenClaimed(claimed.Mint, w.cfg.ID, amount)
	return true, nil
}

// release hands a claimed token back so another worker can take it. It
// runs on a fresh context since the claim must not outlive a cancelled run.
func (w *Worker) release(mint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.committed(w.store.ReleaseToken(ctx, mint, w.cfg.ID), mint); err != nil {
		w.log().WithError(err).WithField("mint", mint).Error("❌ Failed to release claimed token")
		return
	}
	w.log().WithFields(logrus.Fields{
		"event": "token_released",
		"mint":  mint,
	}).Warn("↩️ Claim released")
}

// committed drops a notification failure. The write it follows is stored;
// readers catch up on their next poll.
func (w *Worker) committed(err error, mint string) error {
	if errors.Is(err, store.ErrNotify) {
		w.log().WithError(err).WithField("mint", mint).Warn("⚠️ Token change stored but not announced")
		return nil
	}
	return err
}

// retry runs op up to Retries times, RetryDelay apart. Missing tokens,
// lost claims and cancellation are not retried.
func (w *Worker) retry(ctx context.Context, what string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Retries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, store.ErrNotFound) || errors.Is(lastErr, store.ErrAlreadyClaimed) || ctx.Err() != nil {
			return lastErr
		}
		w.log().WithError(lastErr).WithFields(logrus.Fields{
			"op":      what,
			"attempt": attempt,
		}).Warn("⚠️ Operation failed, retrying")

		if attempt == w.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, w.cfg.Retries, lastErr)
}

// fund checks amount against the spendable balance, shrinking it when the
// trading config allows.
func (w *Worker) fund(ctx context.Context, amount float64) (float64, bool, error) {
	if w.balance == nil {
		return amount, true, nil
	}

	var balance float64
	err := w.retry(ctx, "read balance", func() error {
		var err error
		balance, err = w.balance.Balance(ctx)
		return err
	})
	if err != nil {
		return 0, false, err
	}

	available := balance - w.cfg.Trading.MinBalanceReserve
	if amount <= available {
		return amount, true, nil
	}
	if w.cfg.Trading.ShrinkToBalance && available >= config.MinTradeAmountSOL {
		w.log().WithFields(logrus.Fields{
			"requested": amount,
			"available": available,
		}).Info("📉 Trading amount reduced to available balance")
		return available, true, nil
	}
	return amount, false, nil
}

// closeTokens writes closed positions back with their full history and
// drops them from the tracker.
func (w *Worker) closeTokens(ctx context.Context) (outcome, error) {
	for _, tok := range w.tracker.Filter(func(t position.Token) bool { return t.IsClosed }) {
		p := position.Patch{
			IsClosed:     position.Ptr(true),
			IsTraded:     position.Ptr(tok.IsTraded),
			ExitCriteria: position.Ptr(tok.ExitCriteria),
			History:      tok.History,
		}
		if !tok.BuyTimestamp.IsZero() {
			p.BuyTimestamp = position.Ptr(tok.BuyTimestamp)
			p.BuySignature = position.Ptr(tok.BuySignature)
		}
		if !tok.SellTimestamp.IsZero() {
			p.SellTimestamp = position.Ptr(tok.SellTimestamp)
			p.SellSignature = position.Ptr(tok.SellSignature)
		}

		err := w.retry(ctx, "close token", func() error {
			_, err := w.store.UpdateToken(ctx, tok.Mint, p)
			return w.committed(err, tok.Mint)
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			w.log().WithField("mint", tok.Mint).Warn("⚠️ Closed token missing from store")
		case err != nil:
			return outcome{}, fmt.Errorf("failed to close %s: %w", tok.Mint, err)
		}

		w.tracker.Delete(tok.Mint)
		w.log().WithFields(logrus.Fields{
			"event":         "token_closed",
			"mint":          tok.Mint,
			"exit_criteria": tok.ExitCriteria,
			"trades":        len(tok.History),
		}).Info("📦 Token closed")
	}
	return outcome{kind: advance}, nil
}

// discoverTokens watches the new-token feed and stores qualifying launches
// for the trading role. It advances once the feed goes idle.
func (w *Worker) discoverTokens(ctx context.Context, step Step) (outcome, error) {
	if err := w.feed.Subscribe(ctx, stream.MethodNewToken, nil); err != nil {
		return outcome{}, err
	}

	target := step.Params.TargetRole
	if target == "" {
		target = config.RoleSniper
	}
	idle := w.idleTimeout(step)
	lastActivity := time.Now()

	for {
		if w.stopped.Load() || w.sessionExpired() {
			return outcome{kind: advance}, nil
		}
		remaining := idle - time.Since(lastActivity)
		if remaining <= 0 {
			return outcome{kind: advance}, nil
		}

		raw, err := w.receive(ctx, remaining)
		if err != nil {
			return outcome{}, err
		}
		if raw == nil {
			continue
		}
		msg, ok := w.decode(raw)
		if !ok || msg.Kind != market.KindNewToken || msg.NewToken == nil {
			continue
		}
		lastActivity = time.Now()

		ev := msg.NewToken
		if qualified, reason := w.qualifier.Qualify(ev); !qualified {
			w.logger.LogFilterReject(ev.Mint, "discovery", reason)
			continue
		}
		if _, err := w.store.GetToken(ctx, ev.Mint); err == nil {
			continue
		}

		tok := discovery.NewToken(ev, target, w.cfg.Trading.BuyAmountSOL)
		err = w.retry(ctx, "store discovered token", func() error {
			return w.committed(w.store.SetToken(ctx, tok), tok.Mint)
		})
		if err != nil {
			return outcome{}, fmt.Errorf("failed to store discovered %s: %w", ev.Mint, err)
		}
		w.stats.update(func(s *Stats) { s.discovered++ })
		w.logger.LogTokenDiscovered(ev.Mint, ev.Creator, ev.Name, ev.Symbol)
	}
}

// receive waits up to wait, capped by the poll interval, for the next feed
// message. A nil message with a nil error means the wait elapsed.
func (w *Worker) receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	if wait > w.cfg.PollInterval {
		wait = w.cfg.PollInterval
	}
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	raw, err := w.feed.Next(rctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

func (w *Worker) decode(raw []byte) (market.Message, bool) {
	msg, err := market.Normalize(raw, w.clock.Now())
	if err != nil {
		w.stats.update(func(s *Stats) { s.malformed++ })
		w.log().WithError(err).WithField("event", "malformed_message").Warn("⚠️ Skipping malformed feed message")
		return market.Message{}, false
	}
	return msg, true
}
