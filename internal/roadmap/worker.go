package roadmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/config"
	"pump-roadmap-bot/internal/criteria"
	"pump-roadmap-bot/internal/discovery"
	"pump-roadmap-bot/internal/executor"
	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/position"
	"pump-roadmap-bot/internal/store"
	"pump-roadmap-bot/internal/stream"
)

// Exit criteria recorded when a token leaves monitoring without a predicate
// firing.
const (
	ExitBuyFailed           = "buy_failed"
	ExitInsufficientBalance = "insufficient_balance"
	ExitIdleTimeout         = "idle_timeout"
	ExitSessionExpired      = "session_expired"
)

// Feed is the market stream the worker subscribes to
type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, method stream.Method, keys []string) error
	Unsubscribe(ctx context.Context, method stream.Method, keys []string) error
	Next(ctx context.Context) ([]byte, error)
	Reconnect(ctx context.Context) error
}

// BalanceOracle reports the spendable wallet balance in SOL
type BalanceOracle interface {
	Balance(ctx context.Context) (float64, error)
}

// Config tunes a worker
type Config struct {
	// ID identifies the worker in claims; a uuid is generated when empty
	ID string
	// Self is the wallet public key used to recognize own trades
	Self    string
	Trading config.TradingConfig
	// IdleTimeout bounds waiting steps that set no idle_timeout of their own
	IdleTimeout time.Duration
	// PollInterval caps a single wait so stop and session checks stay live
	PollInterval time.Duration
	// Retries bounds attempts at balance reads and store writes
	Retries    int
	RetryDelay time.Duration
	DryRun     bool
}

// Deps are the worker's collaborators
type Deps struct {
	Feed      Feed
	Store     store.Store
	Executor  executor.Executor
	Balance   BalanceOracle
	Engine    *analytics.Engine
	Evaluator *criteria.Evaluator
	Qualifier *discovery.Qualifier
	Tracker   *position.Tracker
	Journal   *logger.TradeLogger
	Logger    *logger.Logger
	Clock     analytics.Clock
}

type outcomeKind int

const (
	advance outcomeKind = iota
	stay
	redirect
	halt
)

type outcome struct {
	kind   outcomeKind
	target int
}

func (o outcome) String() string {
	switch o.kind {
	case stay:
		return "stay"
	case redirect:
		return fmt.Sprintf("goto %d", o.target)
	case halt:
		return "stop"
	default:
		return "advance"
	}
}

// Worker executes one roadmap in a loop
type Worker struct {
	cfg     Config
	roadmap *Roadmap
	role    string

	feed      Feed
	store     store.Store
	executor  executor.Executor
	balance   BalanceOracle
	engine    *analytics.Engine
	evaluator *criteria.Evaluator
	qualifier *discovery.Qualifier
	tracker   *position.Tracker
	trades    *logger.TradeLogger
	logger    *logger.Logger
	clock     analytics.Clock

	session session
	stopped atomic.Bool

	// notes is nil while the store subscription is down; it is retried
	// from notesRetry on with doubling backoff.
	notes        <-chan store.Notification
	notesBackoff time.Duration
	notesRetry   time.Time

	// consecutive sell rounds that failed, for the retry backoff
	sellFailures int

	stats *Stats

	runMu   sync.Mutex
	running bool
}

// NewWorker creates a worker for rm
func NewWorker(cfg Config, rm *Roadmap, deps Deps) (*Worker, error) {
	if rm == nil {
		return nil, fmt.Errorf("%w: roadmap is required", ErrConfig)
	}
	if err := rm.Validate(); err != nil {
		return nil, err
	}
	if deps.Feed == nil || deps.Store == nil || deps.Executor == nil || deps.Tracker == nil || deps.Logger == nil {
		return nil, fmt.Errorf("feed, store, executor, tracker and logger are required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("analytics engine is required")
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = config.MaxRetries
	}
	if deps.Clock == nil {
		deps.Clock = analytics.SystemClock{}
	}
	if deps.Evaluator == nil {
		deps.Evaluator = criteria.NewEvaluator(deps.Logger.Logger)
	}
	if deps.Qualifier == nil {
		deps.Qualifier = discovery.NewQualifier(deps.Logger.Logger)
	}

	return &Worker{
		cfg:       cfg,
		roadmap:   rm.normalized(),
		role:      rm.Role,
		feed:      deps.Feed,
		store:     deps.Store,
		executor:  deps.Executor,
		balance:   deps.Balance,
		engine:    deps.Engine,
		evaluator: deps.Evaluator,
		qualifier: deps.Qualifier,
		tracker:   deps.Tracker,
		trades:    deps.Journal,
		logger:    deps.Logger,
		clock:     deps.Clock,
		stats:     newStats(),
	}, nil
}

// ID returns the worker id used for claims
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Role returns the roadmap role
func (w *Worker) Role() string {
	return w.role
}

// Stop asks the worker to finish at the next wraparound
func (w *Worker) Stop() {
	if !w.stopped.Swap(true) {
		w.logger.WithField("worker_id", w.cfg.ID).Info("🛑 Stop requested, finishing current cycle")
	}
}

// Stats returns the worker counters
func (w *Worker) Stats() map[string]interface{} {
	return w.stats.Map()
}

func (w *Worker) log() *logrus.Entry {
	return w.logger.WithFields(logrus.Fields{"worker_id": w.cfg.ID, "role": w.role})
}

// Run executes the roadmap until it stops, ctx ends or a fatal error occurs.
// Cancellation returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("worker %s is already running", w.cfg.ID)
	}
	w.running = true
	w.runMu.Unlock()
	defer func() {
		w.runMu.Lock()
		w.running = false
		w.runMu.Unlock()
	}()

	notes, err := w.store.Subscribe(ctx, store.RolePrefix(w.role))
	if err != nil {
		return fmt.Errorf("failed to subscribe to token store: %w", err)
	}
	w.notes = notes
	w.notesBackoff = 0

	if err := w.feed.Connect(ctx); err != nil {
		w.log().WithError(err).Warn("⚠️ Initial stream connection failed")
		if err := w.feed.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect market stream: %w", err)
		}
	}

	w.log().WithFields(logrus.Fields{
		"roadmap": w.roadmap.Name,
		"steps":   len(w.roadmap.Steps),
		"dry_run": w.cfg.DryRun,
	}).Info("🚀 Worker started")

	idx := 0
	for {
		if ctx.Err() != nil {
			w.log().Info("🛑 Worker context cancelled")
			return nil
		}

		step := w.roadmap.Steps[idx]
		w.stats.update(func(s *Stats) {
			s.currentStep = idx
			s.currentName = step.Name
			s.steps++
		})

		out, err := w.execute(ctx, step)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				w.log().Info("🛑 Worker context cancelled")
				return nil
			case errors.Is(err, stream.ErrStreamLost):
				w.log().WithError(err).WithField("step", step.String()).Warn("🔌 Market stream lost, reconnecting")
				if rerr := w.feed.Reconnect(ctx); rerr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("step %s: %w", step, rerr)
				}
				w.stats.update(func(s *Stats) { s.reconnects++ })
				continue
			default:
				w.logger.LogError("roadmap", string(step.Action), err, logrus.Fields{
					"worker_id": w.cfg.ID,
					"step":      step.String(),
				})
				return fmt.Errorf("step %s: %w", step, err)
			}
		}

		if out.kind == halt {
			w.logger.LogStepTransition(w.cfg.ID, idx, idx, step.Name, out.String())
			return nil
		}

		next := idx + 1
		switch out.kind {
		case stay:
			next = idx
		case redirect:
			next = out.target
		}

		if next >= len(w.roadmap.Steps) {
			next = 0
			w.stats.update(func(s *Stats) { s.cycles++ })
			if w.stopped.Load() {
				w.log().Info("🛑 Worker stopped at end of cycle")
				return nil
			}
			if w.session.expired(w.clock.Now()) {
				w.logger.LogSession(w.cfg.ID, "expired", w.session.duration)
				return nil
			}
		}

		if next != idx {
			w.logger.LogStepTransition(w.cfg.ID, idx, next, w.roadmap.Steps[next].Name, out.String())
		}
		idx = next
	}
}

func (w *Worker) execute(ctx context.Context, step Step) (outcome, error) {
	switch step.Action {
	case ActionStartSession:
		w.session = newSession(w.clock.Now(), step.Params.Duration)
		w.logger.LogSession(w.cfg.ID, "started", w.session.duration)
		return outcome{kind: advance}, nil
	case ActionStopWorker:
		return outcome{kind: halt}, nil
	case ActionReadNextToken:
		return w.readNextToken(ctx, step)
	case ActionCloseToken:
		return w.closeTokens(ctx)
	case ActionDiscoverTokens:
		return w.discoverTokens(ctx, step)
	case ActionSubscribe:
		return w.subscribe(ctx, step)
	case ActionUnsubscribe:
		return w.unsubscribe(ctx, step)
	case ActionBuy:
		return w.buy(ctx, step)
	case ActionSell:
		return w.sell(ctx, step)
	default:
		w.log().WithFields(logrus.Fields{
			"event":  "config_error",
			"step":   step.String(),
			"action": step.Action,
		}).Warn("⚠️ Unknown step action skipped")
		return outcome{kind: advance}, nil
	}
}

func (w *Worker) idleTimeout(step Step) time.Duration {
	if step.Params.IdleTimeout > 0 {
		return time.Duration(step.Params.IdleTimeout) * time.Second
	}
	return w.cfg.IdleTimeout
}

func (w *Worker) sessionExpired() bool {
	return w.session.expired(w.clock.Now())
}

// onError resolves the outcome of a failed trade step
func onError(step Step) outcome {
	if step.OnErrorGoToStep != nil {
		return outcome{kind: redirect, target: *step.OnErrorGoToStep}
	}
	return outcome{kind: advance}
}

// persist writes a patch through to the store. The tracker already holds
// the change, so a failed write is logged and retried at close.
func (w *Worker) persist(ctx context.Context, mint string, p position.Patch) {
	if _, err := w.store.UpdateToken(ctx, mint, p); w.committed(err, mint) != nil {
		w.log().WithError(err).WithField("mint", mint).Warn("⚠️ Failed to persist token update")
	}
}
