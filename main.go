package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/identity"
	"execution-core/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config (optional)")
	issueToken := flag.String("issue-token", "", "print a control API token for this operator and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.New("main")

	if *issueToken != "" {
		token, err := api.IssueToken(*issueToken, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("main: issue token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("main: exited with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	instance := identity.InstancePrefix()
	log.Info().Str("version", version).Str("instance", instance).Bool("dry_run", cfg.DryRun).Msg("main: starting")

	// Everything below until the loop starts runs before any other goroutine
	// touches loop-owned state.
	lp := loop.New(cfg.LoopBuffer, logger.New("loop"))
	routerLog := logger.New("router")
	router := events.NewRouter(events.RouterOptions{StrictEndpoints: cfg.StrictEndpoints, Logger: &routerLog})

	store, err := state.New(router, logger.New("state"))
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	for _, sym := range cfg.Instruments {
		inst, err := instrumentFromSymbol(sym)
		if err != nil {
			return err
		}
		if err := store.UpdateInstrument(inst); err != nil {
			return fmt.Errorf("seed instrument %s: %w", sym, err)
		}
	}

	adapter, err := newAdapter(cfg, lp, router)
	if err != nil {
		return err
	}

	metrics := monitor.NewMetrics()
	riskMgr := risk.NewManager(riskConfig(cfg.Risk), risk.WithLogger(logger.New("risk")))
	exec, err := order.NewExecutor(order.Config{
		SubmitTimeout:        cfg.SubmitTimeout(),
		CancelTimeout:        cfg.CancelTimeout(),
		ReconcileMaxAttempts: cfg.ReconcileMaxAttempts,
		ReconcileMaxBackoff:  cfg.ReconcileBackoff(),
	}, router, store, adapter, lp,
		order.WithRisk(riskMgr),
		order.WithObserver(metrics),
		order.WithIDGenerator(order.PrefixedIDs{Prefix: instance}),
		order.WithLogger(logger.New("executor")),
	)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	var (
		journal *persistence.Journal
		queries *db.JournalQueries
	)
	if cfg.Journal.Enabled {
		database, err := db.New(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			return fmt.Errorf("journal migrations: %w", err)
		}
		journal = persistence.NewJournal(database, cfg.Journal.BatchSize, cfg.Journal.FlushInterval(), logger.New("journal"))
		if err := journal.Attach(router); err != nil {
			return fmt.Errorf("attach journal: %w", err)
		}
		queries = database.Queries()
		log.Info().Str("path", cfg.Journal.Path).Msg("main: journal enabled")
	}

	mon := &monitor.Monitor{
		Metrics: metrics,
		Sink:    monitor.LogSink{Log: logger.New("alerts")},
		Sample: func() monitor.Gauges {
			st := store.Stats()
			es := exec.Stats()
			rs := router.Stats()
			processed, panics := lp.Counters()
			return monitor.Gauges{
				Pending:       es.Pending,
				Tracked:       es.Tracked,
				OpenOrders:    st.OpenOrders,
				ClosedOrders:  st.ClosedOrders,
				Positions:     st.Positions,
				LoopTasks:     processed,
				LoopPanics:    panics,
				Published:     rs.Published,
				HandlerErrors: rs.HandlerErrors,
			}
		},
		Log: logger.New("monitor"),
	}
	if err := mon.Start(router); err != nil {
		return err
	}

	// Recovery must finish before endpoints exist, so no command can race it.
	report, err := exec.RecoverOrders(ctx)
	if err != nil {
		return fmt.Errorf("recover orders: %w", err)
	}
	if err := exec.RegisterEndpoints(); err != nil {
		return fmt.Errorf("register endpoints: %w", err)
	}
	log.Info().Int("checked", report.Checked).Int("missing", report.Missing).Msg("main: recovery done")

	recon := reconciliation.NewService(lp, exec, adapter, cfg.SweepInterval(), logger.New("reconciliation"))
	if journal != nil {
		recon.SetSink(journal)
	}

	server := api.NewServer(api.Deps{
		Loop:      lp,
		Events:    router,
		Store:     store,
		Exec:      exec,
		Metrics:   metrics,
		Journal:   queries,
		Recon:     recon,
		JWTSecret: cfg.JWTSecret,
		Meta: api.SystemMeta{
			DryRun:      cfg.DryRun,
			Instance:    instance,
			Instruments: cfg.Instruments,
			Version:     version,
		},
		Log: logger.New("api"),
	})
	if err := server.Hub.Attach(router); err != nil {
		return fmt.Errorf("attach event stream: %w", err)
	}
	server.Idempotency.StartJanitor(time.Minute, ctx.Done())

	// The loop outlives ctx so shutdown can still detach on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- lp.Run(loopCtx) }()

	recon.Start(ctx)
	go tick(ctx, lp, router, cfg.TickInterval(), log)
	if cfg.DryRun && cfg.MockFeedInterval() > 0 {
		feed := &market.MockFeed{
			Loop:     lp,
			Router:   router,
			Start:    marks(cfg.DryRunMarks),
			Interval: cfg.MockFeedInterval(),
			Spread:   decimal.RequireFromString("0.01"),
			Log:      logger.New("mock_feed"),
		}
		go feed.Run(ctx)
	}

	var stream *order.UserStream
	if cfg.UserStream.URL != "" {
		stream = order.NewUserStream(order.UserStreamConfig{
			URL:       cfg.UserStream.URL,
			Heartbeat: cfg.UserStream.Heartbeat(),
		}, lp, router, logger.New("user_stream"))
		stream.Start(ctx)
	}

	grpcSrv := api.NewGRPCServer(logger.New("grpc"))
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Error().Err(err).Msg("main: grpc server stopped")
		}
	}()
	grpcSrv.MarkServing()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("main: http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("main: shutting down")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-loopDone:
		return fmt.Errorf("event loop stopped: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("main: http shutdown")
	}
	grpcSrv.Stop()
	if stream != nil {
		stream.Stop()
	}

	if err := lp.Do(shutdownCtx, func() error {
		server.Hub.Detach(router)
		mon.Stop(router)
		if journal != nil {
			journal.Detach()
		}
		exec.Close()
		return nil
	}); err != nil {
		log.Warn().Err(err).Msg("main: detach on loop")
	}
	stopLoop()
	<-loopDone

	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("main: journal close")
		}
	}
	log.Info().Msg("main: stopped")
	return runErr
}

// newAdapter returns the exchange the executor talks to. Only the in-process
// dry-run exchange ships with the core.
func newAdapter(cfg *config.Config, lp *loop.Loop, router *events.Router) (*order.DryRunAdapter, error) {
	if !cfg.DryRun {
		return nil, errors.New("live trading needs an exchange adapter; only dry_run is built in")
	}
	adapter := order.NewDryRunAdapter(order.DryRunConfig{
		LatencyMax: cfg.DryRunLatency(),
	}, logger.New("dry_run"))
	for sym, price := range marks(cfg.DryRunMarks) {
		adapter.SetMarkPrice(sym, price)
	}
	adapter.SetPush(func(u events.ExchangeOrderUpdate) {
		_ = lp.Post(func() { _ = router.Publish(events.ExchangeOrderTopic(u.InstrumentID), u) })
	})
	if _, err := router.Subscribe("market_data.*", adapter.OnMarketData); err != nil {
		return nil, err
	}
	return adapter, nil
}

func marks(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for sym, price := range in {
		out[strings.ToUpper(sym)] = decimal.NewFromFloat(price)
	}
	return out
}

func riskConfig(rc config.RiskConfig) risk.Config {
	return risk.Config{
		Enabled:          rc.Enabled,
		MaxPositionSize:  decimal.NewFromFloat(rc.MaxPositionSize),
		MaxOrderSize:     decimal.NewFromFloat(rc.MaxOrderSize),
		MaxOpenOrders:    rc.MaxOpenOrders,
		MinOrderInterval: rc.MinOrderInterval(),
	}
}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH"}

func instrumentFromSymbol(sym string) (domain.Instrument, error) {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if !events.ValidSegment(sym) {
		return domain.Instrument{}, fmt.Errorf("instrument %q: ids must be non-empty without '.' or '*'", sym)
	}
	inst := domain.Instrument{ID: sym, BaseAsset: sym}
	for _, q := range quoteAssets {
		if base, ok := strings.CutSuffix(sym, q); ok && base != "" {
			inst.BaseAsset, inst.QuoteAsset = base, q
			break
		}
	}
	return inst, nil
}

// tick publishes system.tick from the loop so the monitor can sample gauges.
func tick(ctx context.Context, lp *loop.Loop, router *events.Router, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := lp.Post(func() { _ = router.Publish(events.TopicSystemTick, events.Tick{Time: now}) }); err != nil {
				log.Debug().Err(err).Msg("main: tick dropped")
				return
			}
		}
	}
}
