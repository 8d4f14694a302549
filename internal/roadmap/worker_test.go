package roadmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/config"
	"pump-roadmap-bot/internal/executor"
	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/position"
	"pump-roadmap-bot/internal/store"
	"pump-roadmap-bot/internal/stream"
	"pump-roadmap-bot/internal/wallet"
)

const (
	mintA = "MintAAA"
	self  = "SelfWallet111"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type frame struct {
	data []byte
	err  error
}

type subCall struct {
	method stream.Method
	keys   []string
}

// fakeFeed replays queued frames. Once the queue is drained Next blocks
// until ctx ends.
type fakeFeed struct {
	mu           sync.Mutex
	frames       chan frame
	subs         []subCall
	unsubs       []subCall
	connects     int
	reconnects   int
	reconnectErr error
}

func newFakeFeed(frames ...frame) *fakeFeed {
	f := &fakeFeed{frames: make(chan frame, len(frames)+1)}
	for _, fr := range frames {
		f.frames <- fr
	}
	return f
}

func (f *fakeFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeFeed) Subscribe(_ context.Context, method stream.Method, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subCall{method, keys})
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, method stream.Method, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, subCall{method, keys})
	return nil
}

func (f *fakeFeed) Next(ctx context.Context) ([]byte, error) {
	select {
	case fr := <-f.frames:
		return fr.data, fr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeFeed) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.reconnectErr
}

// failingExecutor rejects every trade
type failingExecutor struct {
	mu    sync.Mutex
	calls []executor.TradeRequest
}

func (e *failingExecutor) SubmitTrade(_ context.Context, req executor.TradeRequest) (executor.TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	return executor.TradeResult{Error: "slippage exceeded", Attempts: 3},
		fmt.Errorf("%w: %s %s: slippage exceeded", executor.ErrTradeFailed, req.Direction, req.Mint)
}

func tradeJSON(sig, trader, tx string, tokens, vsol float64) frame {
	return frame{data: []byte(fmt.Sprintf(`{"signature":%q,"mint":%q,"traderPublicKey":%q,"txType":%q,
		"tokenAmount":%v,"solAmount":0.1,"newTokenBalance":%v,"bondingCurveKey":"bc",
		"vTokensInBondingCurve":1000000000,"vSolInBondingCurve":%v,"marketCapSol":32}`,
		sig, mintA, trader, tx, tokens, tokens, vsol))}
}

type harness struct {
	feed    *fakeFeed
	store   *store.Memory
	tracker *position.Tracker
	journal *logger.TradeLogger
	worker  *Worker
}

type option func(*Config, *Deps)

func withExecutor(e executor.Executor) option {
	return func(_ *Config, d *Deps) { d.Executor = e }
}

func withBalance(b BalanceOracle) option {
	return func(_ *Config, d *Deps) { d.Balance = b }
}

func withClock(c analytics.Clock) option {
	return func(_ *Config, d *Deps) { d.Clock = c }
}

func withTrading(fn func(*config.TradingConfig)) option {
	return func(c *Config, _ *Deps) { fn(&c.Trading) }
}

func newHarness(t *testing.T, doc string, feed *fakeFeed, opts ...option) *harness {
	t.Helper()

	rm, err := Parse([]byte(doc))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LogConfig{Level: "debug", Format: "json", Output: io.Discard})
	require.NoError(t, err)
	journal, err := logger.NewTradeLogger(t.TempDir(), log)
	require.NoError(t, err)

	mem := store.NewMemory(store.NewBroadcaster(16, log.Logger))
	tracker := position.NewTracker()

	cfg := Config{
		ID:           "worker-1",
		Self:         self,
		IdleTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		RetryDelay:   time.Millisecond,
		DryRun:       true,
		Trading: config.TradingConfig{
			BuyAmountSOL:    0.01,
			SlippagePercent: 15,
			Pool:            "pump",
		},
	}
	deps := Deps{
		Feed:     feed,
		Store:    mem,
		Executor: executor.NewPaper(tracker, log.Logger),
		Engine: analytics.NewEngine(analytics.Params{
			RelevantAmount:          0.05,
			NonRelevantTolerance:    3,
			TotalBondingCurveTokens: 1_073_000_000,
		}, analytics.ClockFunc(func() time.Time { return t0 })),
		Tracker: tracker,
		Journal: journal,
		Logger:  log,
		Clock:   analytics.ClockFunc(func() time.Time { return t0 }),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	w, err := NewWorker(cfg, rm, deps)
	require.NoError(t, err)
	return &harness{feed: feed, store: mem, tracker: tracker, journal: journal, worker: w}
}

func (h *harness) seed(t *testing.T, mint string, amount float64) {
	t.Helper()
	require.NoError(t, h.store.SetToken(context.Background(), position.Token{
		Mint:           mint,
		Name:           "Frog",
		Symbol:         "FROG",
		Creator:        "Dev",
		Role:           "sniper",
		TradingAmount:  amount,
		TrackedTraders: []string{"Dev"},
	}))
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.worker.Run(ctx) }()

	select {
	case err := <-errCh:
		require.NoError(t, ctx.Err(), "worker did not finish in time")
		return err
	case <-time.After(6 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

const tradingRoadmap = `
name: sniper
role: sniper
steps:
  - action: start_session
    params: {duration: -1}
  - action: read_next_token
  - action: subscribe
    params: {method: token_trade, keys: tokens_checked}
  - action: buy
    on_error_go_to_step: 6
  - action: subscribe
    params:
      method: token_trade
      keys: tokens_traded
      monitor: true
      criteria:
        unknown_seller: 1
  - action: sell
    on_error_go_to_step: 6
  - action: unsubscribe
    params: {method: token_trade, keys: tokens_closed}
  - action: close_token
  - action: stop_worker
`

func TestWorkerTradesUntilCriterionFires(t *testing.T) {
	feed := newFakeFeed(
		tradeJSON("s1", "Alice", "buy", 1_000_000, 32.1),
		tradeJSON("s1", "Alice", "buy", 1_000_000, 32.1),
		frame{data: []byte(`{"signature":"s2","mint":"MintAAA","txType":"buy"}`)},
		frame{data: []byte(`{"message":"Successfully subscribed"}`)},
		tradeJSON("s3", "Bob", "sell", 500_000, 32.0),
	)
	h := newHarness(t, tradingRoadmap, feed)
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", tok.WorkerID)
	assert.Equal(t, self, tok.Owner)
	assert.True(t, tok.IsChecked)
	assert.True(t, tok.IsTraded)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, "unknown_seller", tok.ExitCriteria)
	assert.Contains(t, tok.BuySignature, "paper-")
	assert.Contains(t, tok.SellSignature, "paper-")
	assert.Equal(t, t0, tok.BuyTimestamp)
	require.Len(t, tok.History, 2)
	assert.Equal(t, "s1", tok.History[0].Signature)
	assert.Equal(t, "s3", tok.History[1].Signature)
	assert.True(t, tok.History[1].SellerIsAnUnknownTrader)

	assert.Zero(t, h.tracker.Len())
	assert.Equal(t, []subCall{
		{stream.MethodTokenTrade, []string{mintA}},
		{stream.MethodTokenTrade, []string{mintA}},
	}, feed.subs, "subscribed before the buy and again for monitoring")
	assert.Equal(t, []subCall{{stream.MethodTokenTrade, []string{mintA}}}, feed.unsubs)

	stats := h.worker.Stats()
	assert.Equal(t, 1, stats["claimed"])
	assert.Equal(t, 1, stats["buys"])
	assert.Equal(t, 1, stats["sells"])
	assert.Equal(t, 1, stats["duplicates"])
	assert.Equal(t, 1, stats["malformed"])
	assert.Equal(t, 2, stats["events"])
	assert.Equal(t, map[string]int{"unknown_seller": 1}, stats["criteria_fired"])

	summary := h.journal.Summary()
	assert.Equal(t, 1, summary.TotalBuys)
	assert.Equal(t, 1, summary.TotalSells)
}

func TestBuyFailureClosesTokenAndRedirects(t *testing.T) {
	exec := &failingExecutor{}
	h := newHarness(t, tradingRoadmap, newFakeFeed(), withExecutor(exec))
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.False(t, tok.IsTraded)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, ExitBuyFailed, tok.ExitCriteria)
	assert.Empty(t, tok.BuySignature)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, executor.Buy, exec.calls[0].Direction)
	assert.Equal(t, 0.02, exec.calls[0].Amount)
	assert.Len(t, h.feed.subs, 1, "redirect skips the monitoring step")
	assert.Len(t, h.feed.unsubs, 1)
	assert.Equal(t, 1, h.worker.Stats()["failed_trades"])
	assert.Equal(t, 1, h.journal.Summary().FailedTrades)
}

func TestStreamLossReconnectsAndResumesStep(t *testing.T) {
	feed := newFakeFeed(
		tradeJSON("s1", "Alice", "buy", 1_000_000, 32.1),
		frame{err: fmt.Errorf("%w: read failed", stream.ErrStreamLost)},
		tradeJSON("s3", "Bob", "sell", 500_000, 32.0),
	)
	h := newHarness(t, tradingRoadmap, feed)
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	assert.Equal(t, 1, feed.reconnects)
	assert.Equal(t, 1, h.worker.Stats()["reconnects"])
	assert.Len(t, feed.subs, 3, "the interrupted monitoring step runs again")

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, "unknown_seller", tok.ExitCriteria)
	assert.Len(t, tok.History, 2)
}

func TestReconnectFailureIsFatal(t *testing.T) {
	feed := newFakeFeed(frame{err: stream.ErrStreamLost})
	feed.reconnectErr = fmt.Errorf("%w: 5 reconnect attempts failed", stream.ErrStreamLost)
	h := newHarness(t, tradingRoadmap, feed)
	h.seed(t, mintA, 0.02)

	err := h.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrStreamLost))
	assert.Contains(t, err.Error(), "4:subscribe")
}

func TestIdleTimeoutEndsMonitoring(t *testing.T) {
	h := newHarness(t, tradingRoadmap, newFakeFeed())
	h.worker.cfg.IdleTimeout = 50 * time.Millisecond
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, ExitIdleTimeout, tok.ExitCriteria)
}

func TestSessionExpiryEndsMonitoringAndRun(t *testing.T) {
	doc := `
role: sniper
steps:
  - action: start_session
    params: {duration: 10}
  - action: read_next_token
  - action: buy
  - action: subscribe
    params: {method: token_trade, keys: tokens_traded, monitor: true, criteria: {unknown_seller: 1}}
  - action: sell
  - action: close_token
`
	var mu sync.Mutex
	calls := 0
	clock := analytics.ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return t0.Add(time.Duration(calls) * time.Second)
	})

	h := newHarness(t, doc, newFakeFeed(), withClock(clock))
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t), "an expired session ends the run at wraparound")

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, ExitSessionExpired, tok.ExitCriteria)
	assert.Equal(t, 1, h.worker.Stats()["cycles"])
}

func TestStopFlagIsHonouredAtWraparound(t *testing.T) {
	doc := `
role: sniper
steps:
  - action: start_session
    params: {duration: -1}
  - action: read_next_token
  - action: close_token
`
	h := newHarness(t, doc, newFakeFeed())
	h.worker.Stop()

	require.NoError(t, h.run(t))
	assert.Equal(t, 1, h.worker.Stats()["cycles"])
}

func TestInsufficientBalanceClosesToken(t *testing.T) {
	doc := "role: sniper\nsteps: [{action: read_next_token}, {action: stop_worker}]"
	h := newHarness(t, doc, newFakeFeed(), withBalance(wallet.FixedBalance(0.005)))
	h.seed(t, mintA, 0.01)
	h.worker.Stop()

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, ExitInsufficientBalance, tok.ExitCriteria)
	assert.Zero(t, h.tracker.Len())
}

func TestShrinkToBalance(t *testing.T) {
	doc := "role: sniper\nsteps: [{action: read_next_token}, {action: stop_worker}]"
	h := newHarness(t, doc, newFakeFeed(),
		withBalance(wallet.FixedBalance(0.005)),
		withTrading(func(tc *config.TradingConfig) {
			tc.ShrinkToBalance = true
			tc.MinBalanceReserve = 0.001
		}))
	h.seed(t, mintA, 0.01)

	require.NoError(t, h.run(t))

	tok, ok := h.tracker.Get(mintA)
	require.True(t, ok)
	assert.InDelta(t, 0.004, tok.TradingAmount, 1e-12)
	assert.Equal(t, "worker-1", tok.WorkerID)
}

func TestReadNextTokenSkipsOtherRoles(t *testing.T) {
	doc := "role: sniper\nsteps: [{action: read_next_token}, {action: stop_worker}]"
	h := newHarness(t, doc, newFakeFeed())
	require.NoError(t, h.store.SetToken(context.Background(), position.Token{Mint: "Other", Role: "scanner"}))
	h.worker.Stop()

	require.NoError(t, h.run(t))
	assert.Zero(t, h.tracker.Len())

	tok, err := h.store.GetToken(context.Background(), "Other")
	require.NoError(t, err)
	assert.Empty(t, tok.WorkerID)
}

func TestDiscoverTokensStoresQualifiedLaunches(t *testing.T) {
	doc := `
role: scanner
steps:
  - action: discover_tokens
    params: {target_role: sniper}
  - action: stop_worker
`
	feed := newFakeFeed(
		frame{data: []byte(`{"signature":"c1","mint":"NewMint","traderPublicKey":"Dev","txType":"create",
			"initialBuy":50000000,"solAmount":1.5,"bondingCurveKey":"bc","vTokensInBondingCurve":1023000000,
			"vSolInBondingCurve":31.5,"marketCapSol":30.8,"name":"Frog Coin","symbol":"FROG"}`)},
		tradeJSON("s1", "Alice", "buy", 1_000_000, 32.1),
	)
	h := newHarness(t, doc, feed)
	h.worker.cfg.IdleTimeout = 50 * time.Millisecond

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), "NewMint")
	require.NoError(t, err)
	assert.Equal(t, "sniper", tok.Role)
	assert.Equal(t, "Frog Coin", tok.Name)
	assert.Equal(t, 0.01, tok.TradingAmount)
	assert.Equal(t, []subCall{{stream.MethodNewToken, nil}}, feed.subs)
	assert.Equal(t, 1, h.worker.Stats()["discovered"])

	_, err = h.store.GetToken(context.Background(), mintA)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestKeys(t *testing.T) {
	h := newHarness(t, "role: sniper\nsteps: [{action: close_token}]", newFakeFeed())
	h.tracker.Put(position.Token{Mint: "Open", IsChecked: true, IsTraded: true, TrackedTraders: []string{"Dev"}})
	h.tracker.Put(position.Token{Mint: "Checked", IsChecked: true, TrackedTraders: []string{"Dev", "Whale"}})
	h.tracker.Put(position.Token{Mint: "Closed", IsChecked: true, IsTraded: true, IsClosed: true, TrackedTraders: []string{"Gone"}})

	assert.Equal(t, []string{"Open"}, h.worker.keys(Params{Keys: KeysTokensTraded}))
	assert.Equal(t, []string{"Checked", "Open"}, h.worker.keys(Params{Keys: KeysTokensChecked}))
	assert.Equal(t, []string{"Closed"}, h.worker.keys(Params{Keys: KeysTokensClosed}))
	assert.Equal(t, []string{"Fixed", "Dev", "Whale"}, h.worker.keys(Params{Keys: KeysAccounts, Accounts: []string{"Fixed", "Dev"}}))
	assert.Nil(t, h.worker.keys(Params{}))
}

func TestNewWorkerValidates(t *testing.T) {
	_, err := NewWorker(Config{}, nil, Deps{})
	assert.True(t, errors.Is(err, ErrConfig))

	rm := &Roadmap{Role: "sniper", Steps: []Step{{Action: ActionCloseToken}}}
	_, err = NewWorker(Config{}, rm, Deps{})
	assert.Error(t, err)
}

func withStore(wrap func(store.Store) store.Store) option {
	return func(_ *Config, d *Deps) { d.Store = wrap(d.Store) }
}

func TestOwnBuyAnchorsCurveBase(t *testing.T) {
	feed := newFakeFeed(
		tradeJSON("own", self, "buy", 600_000, 32.02),
		tradeJSON("s2", "Bob", "sell", 500_000, 32.0),
	)
	h := newHarness(t, tradingRoadmap, feed)
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	require.Len(t, tok.History, 2)

	own := tok.History[0]
	assert.True(t, own.IsOwnTrade)
	assert.False(t, own.IsRelevantTrade)
	assert.InDelta(t, 32.0, own.VSolInBondingCurveBase, 1e-9, "base is the reserve before our committed amount")
	assert.InDelta(t, 32.0, tok.History[1].VSolInBondingCurveBase, 1e-9)
	assert.Equal(t, "unknown_seller", tok.ExitCriteria)
}

// closedNotes hands out notification channels that are already closed
type closedNotes struct {
	store.Store
	mu    sync.Mutex
	polls int
}

func (s *closedNotes) Subscribe(context.Context, string) (<-chan store.Notification, error) {
	ch := make(chan store.Notification)
	close(ch)
	return ch, nil
}

func (s *closedNotes) GetUnclaimedTokens(ctx context.Context, role, mint string) ([]position.Token, error) {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
	return s.Store.GetUnclaimedTokens(ctx, role, mint)
}

func TestClosedNotificationsFallBackToPolling(t *testing.T) {
	doc := "role: sniper\nsteps: [{action: read_next_token}, {action: stop_worker}]"
	var notes *closedNotes
	h := newHarness(t, doc, newFakeFeed(), withStore(func(s store.Store) store.Store {
		notes = &closedNotes{Store: s}
		return notes
	}))
	h.worker.cfg.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, h.worker.Run(ctx))

	notes.mu.Lock()
	defer notes.mu.Unlock()
	assert.Positive(t, notes.polls)
	assert.LessOrEqual(t, notes.polls, 20, "a closed channel must not turn the wait into a busy loop")
}

// flakyUpdates wraps a store whose UpdateToken fails with err. When commit
// is set the write lands before the error is returned.
type flakyUpdates struct {
	store.Store
	err    error
	commit bool
}

func (s *flakyUpdates) UpdateToken(ctx context.Context, mint string, p position.Patch) (position.Token, error) {
	if !s.commit {
		return position.Token{}, s.err
	}
	tok, err := s.Store.UpdateToken(ctx, mint, p)
	if err != nil {
		return tok, err
	}
	return tok, s.err
}

func TestUnannouncedUpdatesKeepTrading(t *testing.T) {
	feed := newFakeFeed(tradeJSON("s1", "Bob", "sell", 500_000, 32.0))
	h := newHarness(t, tradingRoadmap, feed, withStore(func(s store.Store) store.Store {
		return &flakyUpdates{Store: s, commit: true, err: fmt.Errorf("%w: broker down", store.ErrNotify)}
	}))
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", tok.WorkerID)
	assert.True(t, tok.IsTraded)
	assert.True(t, tok.IsClosed)
	assert.Equal(t, "unknown_seller", tok.ExitCriteria)
	assert.Equal(t, 1, h.worker.Stats()["sells"])
}

func TestFailedClaimUpdateReleasesToken(t *testing.T) {
	doc := "role: sniper\nsteps: [{action: read_next_token}, {action: stop_worker}]"
	h := newHarness(t, doc, newFakeFeed(), withStore(func(s store.Store) store.Store {
		return &flakyUpdates{Store: s, err: errors.New("connection reset")}
	}))
	h.seed(t, mintA, 0.02)

	err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record claimed token failed after 3 attempts")

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.Empty(t, tok.WorkerID, "the claim goes back to the pool")
	assert.False(t, tok.IsChecked)
	assert.Zero(t, h.tracker.Len())
}

// flakySells fails the first n sells and records the tracked sell stamp
// seen at each submission.
type flakySells struct {
	inner   executor.Executor
	tracker *position.Tracker
	n       int

	mu     sync.Mutex
	stamps []time.Time
	at     []time.Time
}

func (e *flakySells) SubmitTrade(ctx context.Context, req executor.TradeRequest) (executor.TradeResult, error) {
	if req.Direction != executor.Sell {
		return e.inner.SubmitTrade(ctx, req)
	}

	e.mu.Lock()
	tok, _ := e.tracker.Get(req.Mint)
	e.stamps = append(e.stamps, tok.SellTimestamp)
	e.at = append(e.at, time.Now())
	fail := len(e.stamps) <= e.n
	e.mu.Unlock()

	if fail {
		return executor.TradeResult{Error: "blockhash expired"},
			fmt.Errorf("%w: sell %s: blockhash expired", executor.ErrTradeFailed, req.Mint)
	}
	return e.inner.SubmitTrade(ctx, req)
}

func TestSellFailureBacksOffBeforeRetrying(t *testing.T) {
	doc := `
role: sniper
steps:
  - action: start_session
    params: {duration: -1}
  - action: read_next_token
  - action: buy
  - action: subscribe
    params: {method: token_trade, keys: tokens_traded, monitor: true, criteria: {unknown_seller: 1}}
  - action: sell
    on_error_go_to_step: 4
  - action: close_token
  - action: stop_worker
`
	feed := newFakeFeed(tradeJSON("s1", "Bob", "sell", 500_000, 32.0))
	var exec *flakySells
	h := newHarness(t, doc, feed, func(c *Config, d *Deps) {
		c.RetryDelay = 20 * time.Millisecond
		exec = &flakySells{inner: d.Executor, tracker: d.Tracker, n: 2}
		d.Executor = exec
	})
	h.seed(t, mintA, 0.02)

	require.NoError(t, h.run(t))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.stamps, 3)
	for _, stamp := range exec.stamps {
		assert.Equal(t, t0, stamp, "sell time is recorded before submitting")
	}
	assert.GreaterOrEqual(t, exec.at[1].Sub(exec.at[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, exec.at[2].Sub(exec.at[1]), 40*time.Millisecond, "the delay doubles")

	tok, err := h.store.GetToken(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, tok.IsClosed)
	assert.Contains(t, tok.SellSignature, "paper-")
	assert.Zero(t, h.worker.sellFailures)
	assert.Equal(t, 2, h.worker.Stats()["failed_trades"])
	assert.Equal(t, 1, h.worker.Stats()["sells"])
}
