package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/client"
	"pump-roadmap-bot/internal/config"
	"pump-roadmap-bot/internal/criteria"
	"pump-roadmap-bot/internal/discovery"
	"pump-roadmap-bot/internal/executor"
	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/position"
	"pump-roadmap-bot/internal/roadmap"
	"pump-roadmap-bot/internal/status"
	"pump-roadmap-bot/internal/store"
	"pump-roadmap-bot/internal/stream"
	"pump-roadmap-bot/internal/wallet"
)

const Version = "2.0.0"

// CLI flags
var (
	configFile  = flag.String("config", "configs/bot.yaml", "Path to config file")
	envFile     = flag.String("env", "", "Path to .env file")
	network     = flag.String("network", "", "Network to use (mainnet/devnet)")
	logLevel    = flag.String("log-level", "", "Log level (debug/info/warn/error)")
	role        = flag.String("role", "", "Worker roles, comma separated (scanner,sniper)")
	roadmapPath = flag.String("roadmap", "", "Path to the roadmap file")
	dryRun      = flag.Bool("dry-run", false, "Paper trade against the observed bonding curve")
	workerID    = flag.String("worker-id", "", "Worker id prefix used when claiming tokens")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// App wires the configured roadmap workers around one token store
type App struct {
	config   *config.Config
	logger   *logger.Logger
	journal  *logger.TradeLogger
	rpc      *client.Client
	wallet   *wallet.Wallet
	store    store.Store
	units    []*unit
	status   *status.Server
	schedule *cron.Cron
}

// unit is one worker with the feed and positions it owns
type unit struct {
	worker  *roadmap.Worker
	feed    *stream.Feed
	tracker *position.Tracker
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	applyFlagsToEnv()

	cfg, err := config.LoadConfig(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := initializeLogger(cfg)
	defer log.Close()

	app, err := NewApp(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create application")
	}

	if err := app.Start(); err != nil {
		log.WithError(err).Error("❌ Workers stopped with error")
		app.shutdown()
		os.Exit(1)
	}
	app.shutdown()
}

// applyFlagsToEnv routes CLI overrides through the config's env bindings so
// validation sees them.
func applyFlagsToEnv() {
	overrides := map[string]string{
		"PUMPBOT_NETWORK":             *network,
		"PUMPBOT_LOGGING_LEVEL":       *logLevel,
		"PUMPBOT_WORKER_ROLE":         *role,
		"PUMPBOT_WORKER_ROADMAP_PATH": *roadmapPath,
	}
	for key, value := range overrides {
		if value != "" {
			os.Setenv(key, value)
		}
	}
	if *dryRun {
		os.Setenv("PUMPBOT_WORKER_DRY_RUN", "true")
	}
}

func initializeLogger(cfg *config.Config) *logger.Logger {
	log, err := logger.NewLogger(logger.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		LogToFile:   cfg.Logging.LogToFile,
		LogFilePath: cfg.Logging.LogFilePath,
		TradeLogDir: cfg.Logging.TradeLogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

// NewApp builds every component the configured roles need
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	journal, err := logger.NewTradeLogger(cfg.Logging.TradeLogDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade logger: %w", err)
	}

	rpcClient := client.NewClient(client.ClientConfig{
		RPCEndpoint: cfg.RPCUrl,
		APIKey:      cfg.RPCAPIKey,
		Timeout:     30 * time.Second,
		MaxRetries:  uint(cfg.Advanced.MaxRetries),
	}, log.Logger)

	// A dry run still loads a configured key so own trades are recognized.
	var w *wallet.Wallet
	if cfg.NeedsWallet() || cfg.PrivateKey != "" || cfg.Mnemonic != "" {
		w, err = wallet.NewWallet(wallet.WalletConfig{
			PrivateKey: cfg.PrivateKey,
			Mnemonic:   cfg.Mnemonic,
			Passphrase: cfg.Passphrase,
			Network:    cfg.Network,
		}, rpcClient, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
	}

	tokenStore, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	app := &App{
		config:   cfg,
		logger:   log,
		journal:  journal,
		rpc:      rpcClient,
		wallet:   w,
		store:    tokenStore,
		schedule: cron.New(cron.WithSeconds()),
	}

	for _, role := range cfg.Worker.Roles() {
		rm, err := loadRoadmap(cfg, role)
		if err != nil {
			tokenStore.Close()
			return nil, err
		}
		count := 1
		if role != config.RoleScanner {
			count = cfg.Worker.Snipers
		}
		for i := 0; i < count; i++ {
			u, err := app.newUnit(rm, workerName(role, i, count))
			if err != nil {
				tokenStore.Close()
				return nil, err
			}
			app.units = append(app.units, u)
		}
	}

	if cfg.Advanced.EnableStatus {
		trackers := make(position.Trackers, 0, len(app.units))
		stats := make(map[string]status.StatsFunc, 2*len(app.units))
		for _, u := range app.units {
			trackers = append(trackers, u.tracker)
			stats[u.worker.ID()] = u.worker.Stats
			stats[u.worker.ID()+".stream"] = u.feed.Stats
		}
		app.status = status.NewServer(status.Config{Port: cfg.Advanced.StatusPort}, trackers, stats, journal.Summary, log)
	}
	return app, nil
}

// workerName derives a worker id from the -worker-id prefix. Empty ids get
// a uuid from the worker.
func workerName(role string, i, count int) string {
	if *workerID == "" {
		return ""
	}
	if count == 1 {
		return *workerID + "-" + role
	}
	return fmt.Sprintf("%s-%s-%d", *workerID, role, i+1)
}

// newUnit builds a worker for rm with its own stream, positions and
// executor. Only the store and wallet are shared.
func (a *App) newUnit(rm *roadmap.Roadmap, id string) (*unit, error) {
	cfg, log := a.config, a.logger

	tracker := position.NewTracker()
	feed := stream.NewFeed(stream.Config{
		URL:               cfg.Stream.URL,
		APIKey:            cfg.Stream.APIKey,
		ReadTimeout:       cfg.Stream.IdleTimeout(),
		PingInterval:      cfg.Stream.PingInterval(),
		ReconnectAttempts: cfg.Stream.ReconnectAttempts,
		BackoffBase:       cfg.Stream.BackoffBase(),
		BackoffMax:        cfg.Stream.BackoffMax(),
		Buffer:            cfg.Stream.Buffer,
	}, log.Logger)

	engine := analytics.NewEngine(analytics.Params{
		RelevantAmount:          cfg.Trading.RelevantAmount,
		NonRelevantTolerance:    cfg.Trading.NonRelevantTolerance,
		TotalBondingCurveTokens: cfg.Trading.TotalBondingCurveTokens,
	}, analytics.SystemClock{})

	workerCfg := roadmap.Config{
		ID:          id,
		Trading:     cfg.Trading,
		IdleTimeout: cfg.Stream.IdleTimeout(),
		Retries:     cfg.Advanced.MaxRetries,
		RetryDelay:  cfg.Advanced.RetryDelay(),
		DryRun:      cfg.Worker.DryRun,
	}
	deps := roadmap.Deps{
		Feed:      feed,
		Store:     a.store,
		Executor:  newExecutor(cfg, a.wallet, a.rpc, tracker, log),
		Engine:    engine,
		Evaluator: criteria.NewEvaluator(log.Logger),
		Qualifier: discovery.FromConfig(cfg.Discovery, log.Logger),
		Tracker:   tracker,
		Journal:   a.journal,
		Logger:    log,
	}
	if a.wallet != nil {
		workerCfg.Self = a.wallet.PublicKey()
		if cfg.NeedsWallet() {
			deps.Balance = a.wallet
		}
	}

	worker, err := roadmap.NewWorker(workerCfg, rm, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s worker: %w", rm.Role, err)
	}
	return &unit{worker: worker, feed: feed, tracker: tracker}, nil
}

// loadRoadmap returns the roadmap for role. The scanner falls back to the
// built-in discovery roadmap.
func loadRoadmap(cfg *config.Config, role string) (*roadmap.Roadmap, error) {
	path := cfg.Worker.RoadmapPath
	if role == config.RoleScanner {
		path = cfg.Worker.ScannerRoadmapPath
		if path == "" {
			return defaultScannerRoadmap(cfg.Worker.TradingRole()), nil
		}
	}
	rm, err := roadmap.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if rm.Role != role {
		return nil, fmt.Errorf("roadmap %s is for role %q, worker runs %q", path, rm.Role, role)
	}
	return rm, nil
}

// defaultScannerRoadmap discovers tokens forever for target
func defaultScannerRoadmap(target string) *roadmap.Roadmap {
	if target == "" {
		target = config.RoleSniper
	}
	return &roadmap.Roadmap{
		Name: "scanner",
		Role: config.RoleScanner,
		Steps: []roadmap.Step{
			{Name: "session", Action: roadmap.ActionStartSession, Params: roadmap.Params{Duration: roadmap.Forever}},
			{Name: "discover", Action: roadmap.ActionDiscoverTokens, Params: roadmap.Params{TargetRole: target}},
		},
	}
}

func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	var notifier store.Notifier
	if cfg.Storage.AMQPURL != "" {
		amqpNotifier, err := store.DialAMQP(store.AMQPConfig{
			URL:        cfg.Storage.AMQPURL,
			Exchange:   cfg.Storage.Exchange,
			MaxRetries: cfg.Advanced.MaxRetries,
			RetryDelay: cfg.Advanced.RetryDelay(),
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notifier: %w", err)
		}
		notifier = amqpNotifier
		log.LogConnection("amqp", "connected", cfg.Storage.Exchange)
	} else {
		notifier = store.NewBroadcaster(cfg.Stream.Buffer, log.Logger)
	}

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(store.PostgresConfig{
			DSN:             cfg.Storage.DSN,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			ConnMaxLifetime: time.Hour,
		}, notifier)
		if err != nil {
			notifier.Close()
			return nil, err
		}
		log.LogConnection("postgres", "connected", nil)
		return pg, nil
	default:
		return store.NewMemory(notifier), nil
	}
}

// newExecutor returns the live PumpPortal executor, or a paper one in dry
// run and for roles that never trade.
func newExecutor(cfg *config.Config, w *wallet.Wallet, rpcClient *client.Client, tracker *position.Tracker, log *logger.Logger) executor.Executor {
	if !cfg.NeedsWallet() || w == nil {
		log.Info("📝 Paper trading enabled")
		return executor.NewPaper(tracker, log.Logger)
	}

	var bundles executor.BundleSender
	if cfg.JITO.Enabled {
		log.Info("🛡️ Submitting trades through Jito bundles")
		bundles = client.NewJitoClient(client.JitoClientConfig{
			Endpoint:    cfg.JITO.Endpoint,
			APIKey:      cfg.JITO.APIKey,
			ConfirmWait: time.Duration(cfg.JITO.ConfirmTimeout) * time.Second,
		}, log.Logger)
	}

	return executor.NewPortal(executor.PortalConfig{
		Endpoint:        config.PumpPortalTradeAPI,
		Pool:            cfg.Trading.Pool,
		MaxRetries:      cfg.Advanced.MaxRetries,
		RetryDelay:      cfg.Advanced.RetryDelay(),
		ConfirmTimeout:  cfg.Advanced.ConfirmTimeout(),
		TradesPerSecond: cfg.Advanced.TradesPerSecond,
	}, w, rpcClient, bundles, log.Logger)
}

// Start runs every worker until all of them finish, one fails or a signal
// arrives.
func (a *App) Start() error {
	a.logger.LogStartup(Version, a.config.Network, strings.Join(a.config.Worker.Roles(), ","))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.wallet != nil && a.config.NeedsWallet() {
		if err := a.testConnections(ctx); err != nil {
			return err
		}
	}

	if _, err := a.schedule.AddFunc(a.config.Advanced.SummaryCron, func() {
		if err := a.journal.LogDailySummary(); err != nil {
			a.logger.LogError("journal", "daily_summary", err, nil)
		}
	}); err != nil {
		return fmt.Errorf("invalid summary schedule %q: %w", a.config.Advanced.SummaryCron, err)
	}
	a.schedule.Start()

	if a.status != nil {
		go func() {
			if err := a.status.Start(ctx); err != nil {
				a.logger.LogError("status", "serve", err, nil)
			}
		}()
	}

	errChan := make(chan error, len(a.units))
	for _, u := range a.units {
		go func(w *roadmap.Worker) {
			err := w.Run(ctx)
			if err != nil {
				err = fmt.Errorf("worker %s: %w", w.ID(), err)
			}
			errChan <- err
		}(u.worker)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.logger.WithField("workers", len(a.units)).Info("🎯 Workers started - following roadmaps")

	var firstErr error
	stopping := false
	for running := len(a.units); running > 0; {
		select {
		case sig := <-sigChan:
			// A first interrupt finishes the current cycle; anything else cancels.
			if sig == syscall.SIGINT && !stopping {
				stopping = true
				a.logger.Info(fmt.Sprintf("🛑 Received signal: %v, stopping after this cycle", sig))
				for _, u := range a.units {
					u.worker.Stop()
				}
				continue
			}
			a.logger.Info(fmt.Sprintf("🛑 Received signal: %v, cancelling", sig))
			cancel()
		case err := <-errChan:
			running--
			if err != nil && firstErr == nil {
				firstErr = err
				cancel()
			}
		}
	}
	return firstErr
}

func (a *App) testConnections(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := a.rpc.GetSlot(ctx); err != nil {
		return fmt.Errorf("RPC connection test failed: %w", err)
	}
	a.logger.Info("✅ RPC connection test passed")

	balance, err := a.wallet.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet balance: %w", err)
	}
	a.logger.LogBalance(balance)
	return nil
}

func (a *App) shutdown() {
	a.logger.Info("🛑 Shutting down...")

	<-a.schedule.Stop().Done()
	if err := a.journal.LogDailySummary(); err != nil {
		a.logger.LogError("journal", "daily_summary", err, nil)
	}
	open := 0
	workers := make(map[string]interface{}, len(a.units))
	for _, u := range a.units {
		if err := u.feed.Close(); err != nil {
			a.logger.WithComponent("stream").WithError(err).Debug("Stream close")
		}
		workers[u.worker.ID()] = u.worker.Stats()
		open += len(u.tracker.Filter(position.Token.IsOpen))
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithComponent("store").WithError(err).Warn("⚠️ Store close failed")
	}

	a.logger.WithFields(map[string]interface{}{
		"workers": workers,
		"open":    open,
	}).Info("📊 Final statistics")
	a.logger.LogShutdown("complete")
}
