package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algotrader/internal/backtest"
	"algotrader/internal/config"
	cronrunner "algotrader/internal/cron"
	"algotrader/internal/db"
	"algotrader/internal/execution"
	"algotrader/internal/handler"
	"algotrader/internal/identity"
	"algotrader/internal/logger"
	"algotrader/internal/marketdata"
	"algotrader/internal/models"
	"algotrader/internal/position"
	"algotrader/internal/queue"
	"algotrader/internal/repository"
	gormrepository "algotrader/internal/repository/gorm"
	"algotrader/internal/risk"
	"algotrader/internal/scheduler"
	"algotrader/internal/strategy"
)

func main() {
	cfgPath := os.Getenv("AT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("AT_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)

	marketProvider := &marketdata.HTTPProvider{
		Client:  &http.Client{Timeout: cfg.MarketData.Timeout},
		BaseURL: cfg.MarketData.BaseURL,
	}
	var stream *marketdata.StreamCache
	if cfg.MarketData.StreamEnable && cfg.MarketData.StreamURL != "" {
		stream = &marketdata.StreamCache{
			URL:     cfg.MarketData.StreamURL,
			Logger:  logger,
			Symbols: watchedSymbols(store, cfg.MarketData.MaxSymbols),
		}
		marketProvider.Stream = stream
	}

	sessions := marketdata.NewSessionCalendar(cfg.Sessions)
	identityProvider := identity.StaticProvider{
		Region:      cfg.Identity.DefaultRegion,
		TradingMode: cfg.Identity.DefaultMode,
	}

	riskMgr := &risk.Manager{Config: cfg.Risk, Repo: store, Logger: logger}
	positionMgr := &position.Manager{Repo: store, Logger: logger}
	aggregator := &queue.Aggregator{Repo: store, Logger: logger, Config: cfg.Queue}

	brokers := buildBrokers(cfg, marketProvider)
	router, err := execution.NewRouter(cfg.Execution, cfg.Routing, store, brokers, logger)
	if err != nil {
		logger.Fatal("routing table invalid", zap.Error(err))
	}
	releaser := &execution.Releaser{
		Queue:    aggregator,
		Router:   router,
		Identity: identityProvider,
		Logger:   logger,
	}
	monitor := &execution.Monitor{
		Repo:      store,
		Logger:    logger,
		Config:    cfg.Monitor,
		Brokers:   brokers,
		Positions: positionMgr,
	}

	sched := &scheduler.Scheduler{
		Repo:     store,
		Logger:   logger,
		Config:   cfg.Scheduler,
		Market:   marketProvider,
		Queue:    aggregator,
		Risk:     riskMgr,
		Sessions: sessions,
		Identity: identityProvider,
		ResolveBroker: func(p identity.Principal) string {
			route, err := router.Resolve(p)
			if err != nil {
				return "paper"
			}
			return route.Broker
		},
	}

	backtester := &backtest.Engine{
		Repo:    store,
		Logger:  logger,
		History: marketProvider,
		Config:  cfg.Backtest,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)

	api := engine.Group("/api/v1")
	api.Use(identity.Middleware(cfg.Auth.JWTSecret))

	algoHandler := &handler.AlgorithmHandler{
		Repo:      store,
		Scheduler: sched,
		Backtest:  backtester,
		Logger:    logger,
	}
	algoHandler.Register(api)
	positionHandler := &handler.PositionHandler{
		Repo:      store,
		Positions: positionMgr,
		Logger:    logger,
	}
	positionHandler.Register(api)
	queueHandler := &handler.QueueHandler{
		Repo:   store,
		Queue:  aggregator,
		Logger: logger,
	}
	queueHandler.Register(api)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)

	if cfg.Scheduler.Enabled {
		_, err = cronRunner.Add("@every "+cfg.Scheduler.TickInterval.String(), func(ctx context.Context) {
			if err := sched.Tick(ctx, time.Now().UTC()); err != nil {
				logger.Warn("scheduler tick failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register scheduler tick failed", zap.Error(err))
		}
	}

	_, err = cronRunner.Add("@every "+cfg.Queue.ReleaseInterval.String(), func(ctx context.Context) {
		routed, err := releaser.Release(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("batch release failed", zap.Error(err))
			return
		}
		if routed > 0 {
			logger.Info("released batches", zap.Int("count", routed))
		}
	})
	if err != nil {
		logger.Warn("cron register batch release failed", zap.Error(err))
	}

	_, err = cronRunner.Add("@every "+cfg.Monitor.SweepInterval.String(), func(ctx context.Context) {
		if err := monitor.Sweep(ctx, time.Now().UTC()); err != nil {
			logger.Warn("order sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("cron register order sweep failed", zap.Error(err))
	}

	_, err = cronRunner.Add("@every 1m", func(ctx context.Context) {
		n, err := store.ExpirePendingSignals(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("expire signals failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("expired stale signals", zap.Int64("count", n))
		}
	})
	if err != nil {
		logger.Warn("cron register signal expiry failed", zap.Error(err))
	}

	_, err = cronRunner.Add("@every 30s", func(ctx context.Context) {
		if err := refreshPositionPrices(ctx, store, marketProvider, positionMgr); err != nil {
			logger.Warn("position price refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("cron register position refresh failed", zap.Error(err))
	}

	cronRunner.Start()
	defer cronRunner.Stop()

	if stream != nil {
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("market stream stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// buildBrokers constructs a client per distinct broker in the routing table.
// "paper" is always available and fills at the latest quoted price.
func buildBrokers(cfg config.Config, provider marketdata.Provider) map[string]execution.Client {
	brokers := map[string]execution.Client{
		"paper": &execution.PaperBroker{
			FillPrice: func(symbol string) decimal.Decimal {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.MarketData.Timeout)
				defer cancel()
				snap, err := provider.GetSnapshot(ctx, []string{symbol}, nil)
				if err != nil {
					return decimal.Zero
				}
				return snap[symbol].Price
			},
		},
	}
	for _, route := range cfg.Routing {
		if route.Broker == "paper" || route.BaseURL == "" {
			continue
		}
		if _, ok := brokers[route.Broker]; ok {
			continue
		}
		envKey := "AT_BROKER_" + strings.ToUpper(route.Broker) + "_API_KEY"
		brokers[route.Broker] = &execution.HTTPBroker{
			Client:  &http.Client{Timeout: cfg.Execution.SubmitTimeout},
			BaseURL: route.BaseURL,
			APIKey:  os.Getenv(envKey),
		}
	}
	return brokers
}

// watchedSymbols feeds the stream subscription with the union of all
// runnable algorithm universes.
func watchedSymbols(store repository.Repository, max int) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		algos, err := store.ListRunnableAlgorithms(ctx)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		var symbols []string
		for _, algo := range algos {
			universe, err := strategy.UniverseSymbols(algo)
			if err != nil {
				continue
			}
			for _, symbol := range universe {
				if seen[symbol] {
					continue
				}
				seen[symbol] = true
				symbols = append(symbols, symbol)
			}
		}
		if max > 0 && len(symbols) > max {
			symbols = symbols[:max]
		}
		return symbols, nil
	}
}

func refreshPositionPrices(ctx context.Context, store repository.Repository, provider marketdata.Provider, mgr *position.Manager) error {
	seen := map[string]bool{}
	var symbols []string
	for _, status := range []string{models.PositionActive, models.PositionPartial} {
		items, err := store.ListPositions(ctx, repository.ListPositionsParams{Limit: 2000, Status: &status})
		if err != nil {
			return err
		}
		for _, item := range items {
			if seen[item.Symbol] {
				continue
			}
			seen[item.Symbol] = true
			symbols = append(symbols, item.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil
	}
	snap, err := provider.GetSnapshot(ctx, symbols, nil)
	if err != nil {
		return err
	}
	prices := make(map[string]decimal.Decimal, len(snap))
	for symbol, quote := range snap {
		prices[symbol] = quote.Price
	}
	return mgr.RefreshPrices(ctx, prices)
}
