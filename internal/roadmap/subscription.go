package roadmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/criteria"
	"pump-roadmap-bot/internal/market"
	"pump-roadmap-bot/internal/position"
)

// keys resolves a step's key set against the tracked tokens
func (w *Worker) keys(p Params) []string {
	switch p.Keys {
	case KeysTokensTraded:
		return w.tracker.Mints(position.Token.IsOpen)
	case KeysTokensChecked:
		return w.tracker.Mints(func(t position.Token) bool { return t.IsChecked && !t.IsClosed })
	case KeysTokensClosed:
		return w.tracker.Mints(func(t position.Token) bool { return t.IsClosed })
	case KeysAccounts:
		seen := make(map[string]struct{})
		var out []string
		add := func(acct string) {
			if _, ok := seen[acct]; acct == "" || ok {
				return
			}
			seen[acct] = struct{}{}
			out = append(out, acct)
		}
		for _, acct := range p.Accounts {
			add(acct)
		}
		for _, tok := range w.tracker.Filter(func(t position.Token) bool { return !t.IsClosed }) {
			for _, trader := range tok.TrackedTraders {
				add(trader)
			}
		}
		return out
	}
	return nil
}

func (w *Worker) subscribe(ctx context.Context, step Step) (outcome, error) {
	keys := w.keys(step.Params)
	if err := w.feed.Subscribe(ctx, step.Params.Method, keys); err != nil {
		return outcome{}, err
	}
	if !step.Params.Monitor {
		return outcome{kind: advance}, nil
	}
	return w.monitor(ctx, step)
}

func (w *Worker) unsubscribe(ctx context.Context, step Step) (outcome, error) {
	keys := w.keys(step.Params)
	if err := w.feed.Unsubscribe(ctx, step.Params.Method, keys); err != nil {
		return outcome{}, err
	}
	return outcome{kind: advance}, nil
}

// monitor feeds trades through analytics until every open position has an
// exit criterion, the session expires or relevant activity stops.
func (w *Worker) monitor(ctx context.Context, step Step) (outcome, error) {
	idle := w.idleTimeout(step)
	lastActivity := time.Now()

	for {
		if w.exitsDecided() {
			return outcome{kind: advance}, nil
		}
		if w.sessionExpired() {
			w.markUndecided(ctx, ExitSessionExpired)
			return outcome{kind: advance}, nil
		}
		remaining := idle - time.Since(lastActivity)
		if remaining <= 0 {
			w.markUndecided(ctx, ExitIdleTimeout)
			return outcome{kind: advance}, nil
		}

		raw, err := w.receive(ctx, remaining)
		if err != nil {
			return outcome{}, err
		}
		if raw == nil {
			continue
		}

		relevant, err := w.handleTrade(ctx, raw, step.Params.Criteria)
		if err != nil {
			return outcome{}, err
		}
		if relevant {
			lastActivity = time.Now()
		}
	}
}

func (w *Worker) exitsDecided() bool {
	undecided := w.tracker.Mints(func(t position.Token) bool { return t.IsOpen() && t.ExitCriteria == "" })
	return len(undecided) == 0
}

func (w *Worker) markUndecided(ctx context.Context, label string) {
	for _, tok := range w.tracker.Filter(func(t position.Token) bool { return t.IsOpen() && t.ExitCriteria == "" }) {
		w.setExit(ctx, tok.Mint, label, nil)
	}
}

func (w *Worker) setExit(ctx context.Context, mint, label string, fields logrus.Fields) {
	w.tracker.Upsert(mint, position.Patch{ExitCriteria: position.Ptr(label)})
	w.stats.update(func(s *Stats) { s.criteriaFired[label]++ })
	w.logger.LogCriteriaFired(mint, label, fields)
	w.persist(ctx, mint, position.Patch{ExitCriteria: position.Ptr(label)})
}

// handleTrade enriches one feed message and evaluates the exit list. It
// reports whether the trade was relevant.
func (w *Worker) handleTrade(ctx context.Context, raw []byte, list criteria.List) (bool, error) {
	msg, ok := w.decode(raw)
	if !ok || msg.Kind != market.KindTrade || msg.Trade == nil {
		return false, nil
	}
	ev := *msg.Trade

	tok, ok := w.tracker.Get(ev.Mint)
	if !ok || tok.IsClosed {
		return false, nil
	}
	if w.tracker.Seen(ev.Mint, ev.Signature) {
		w.stats.update(func(s *Stats) { s.duplicates++ })
		w.log().WithFields(logrus.Fields{"mint": ev.Mint, "signature": ev.Signature}).Debug("Duplicate trade ignored")
		return false, nil
	}

	enriched, err := w.engine.Analyze(ev, tok.History, analytics.Holding{
		Committed:      tok.TradingAmount,
		Self:           w.cfg.Self,
		TrackedTraders: tok.TrackedTraders,
		LastOwnActions: tok.LastOwnActions(),
	})
	if errors.Is(err, analytics.ErrInvalidEvent) {
		w.stats.update(func(s *Stats) { s.malformed++ })
		w.log().WithError(err).WithField("mint", ev.Mint).Warn("⚠️ Skipping invalid trade")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("analytics for %s: %w", ev.Mint, err)
	}

	w.tracker.AppendTrade(ev.Mint, enriched)
	w.stats.update(func(s *Stats) { s.events++ })

	if tok.IsOpen() && tok.ExitCriteria == "" && len(list) > 0 {
		if fired, name := w.evaluator.Evaluate(&enriched, tok.TradingAmount, list); fired {
			w.setExit(ctx, ev.Mint, name, logrus.Fields{
				"signature":        ev.Signature,
				"tx_type":          ev.TxType,
				"sol_delta":        enriched.SolDelta,
				"consecutive_buys": enriched.ConsecutiveBuys,
				"market_cap_sol":   ev.MarketCapSol,
			})
		}
	}
	return enriched.IsRelevantTrade, nil
}
