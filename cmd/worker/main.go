package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/cache"
	"escrow-engine/internal/config"
	"escrow-engine/internal/handler"
	"escrow-engine/internal/logger"
	"escrow-engine/internal/middleware"
	"escrow-engine/internal/model"
	"escrow-engine/internal/notify"
	"escrow-engine/internal/queue"
	"escrow-engine/internal/ratelimit"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/router"
	"escrow-engine/internal/service"
	"escrow-engine/internal/tradenet"
	"escrow-engine/pkg/uid"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	sweepOnce := flag.Bool("sweep-once", false, "run one reconciliation sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.Must(cfg.App.Environment, cfg.App.Debug)
	defer log.Sync()

	log.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.App.Environment))

	ledger, err := openLedger(cfg.Ledger)
	if err != nil {
		log.Fatal("open ledger", zap.String("driver", cfg.Ledger.Driver), zap.Error(err))
	}
	defer ledger.Close()
	log.Info("ledger ready", zap.String("driver", cfg.Ledger.Driver))

	var redisClient *redis.Client
	if cfg.Queue.Backend == "redis" || cfg.Cache.Type == "redis" {
		redisClient, err = cache.NewRedisClient(cache.RedisOptions{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal("connect redis", zap.String("addr", cfg.Redis.Address()), zap.Error(err))
		}
		defer redisClient.Close()
		log.Info("redis ready", zap.String("addr", cfg.Redis.Address()))
	}

	var q queue.Queue
	if cfg.Queue.Backend == "redis" {
		q = queue.NewRedisQueue(redisClient, cfg.Queue.Prefix)
	} else {
		log.Warn("using in-memory queue; jobs do not survive a restart")
		q = queue.NewMemoryQueue()
	}
	defer q.Close()

	var alertStore repository.AlertStore
	if cfg.Alerts.MongoURI != "" {
		mongoStore, err := repository.NewMongoDBAlertRepository(cfg.Alerts.MongoURI, cfg.Alerts.MongoDatabase, cfg.Alerts.MongoCollection)
		if err != nil {
			log.Fatal("connect mongodb alert store", zap.Error(err))
		}
		alertStore = mongoStore
	} else {
		alertStore = repository.NewMemoryAlertRepository(cfg.Alerts.MemorySize)
	}
	defer alertStore.Close()

	hub := notify.NewHub(64, log)
	publishers := notify.Fanout{hub}
	if redisClient != nil {
		publishers = append(publishers, notify.NewRedisPublisher(redisClient, cfg.Redis.Prefix))
	}
	alerter := notify.NewAlerter(publishers, alertStore, log)

	bots, err := loadBots(cfg.Bots)
	if err != nil {
		alerter.Raise(context.Background(), "startup", model.SeverityCritical, err.Error())
		log.Fatal("load bots", zap.String("file", cfg.Bots.File), zap.Error(err))
	}

	var network tradenet.Network
	if cfg.TradeNet.Paper {
		log.Warn("using paper trading network")
		network = tradenet.NewPaperNetwork()
	} else {
		network = tradenet.NewHTTPClient(cfg.TradeNet.BaseURL, cfg.TradeNet.APIKey, cfg.TradeNet.Timeout)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	pool := botpool.NewPool(network, limiter, bots, alerter, botpool.Config{
		CallTimeout:       cfg.TradeNet.Timeout,
		SuperviseInterval: cfg.TradeNet.SuperviseInterval,
	}, log)
	defer pool.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	if idle := pool.Start(startCtx); idle == 0 && len(bots) > 0 {
		alerter.Raise(startCtx, "botpool", model.SeverityCritical, "no bot could log in at startup")
	}
	cancelStart()
	pool.Supervise()

	worker := cfg.Worker.ID
	if worker == "" {
		worker = uid.New()
	}
	var invCache cache.Cache
	if cfg.Cache.Type == "redis" {
		invCache = cache.NewRedisCache(redisClient, "escrow:inventory")
	} else {
		mem := cache.NewMemoryCache(time.Minute)
		defer mem.Close()
		invCache = mem
	}

	deps := service.Deps{
		Ledger:   ledger,
		Queue:    q,
		Pool:     pool,
		Notifier: notify.NewNotifier(publishers, log),
		Alerts:   alerter,
		Log:      log,
		Cache:    invCache,
		Worker:   worker,
		ClaimTTL: cfg.Worker.ClaimTTL,
	}

	comp := service.NewCompensator(deps)
	offers := service.NewOffers(deps, comp)
	inventory := service.NewInventoryService(deps, cfg.Cache.TTL)
	handlers := service.NewHandlers(deps, comp, inventory)
	scanner := service.NewScanner(deps, comp, offers, service.ScannerConfig{
		Interval:      cfg.Scanner.Interval,
		DepositWindow: cfg.Scanner.DepositWindow,
		StaleAfter:    cfg.Scanner.StaleAfter,
		ExpireAfter:   cfg.Scanner.ExpireAfter,
		BatchSize:     cfg.Scanner.BatchSize,
	})

	if *sweepOnce {
		rep, err := scanner.RunNow()
		log.Info("sweep finished", zap.Any("report", rep), zap.Error(err))
		if err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, botID := range pool.BotIDs() {
		for _, appID := range cfg.Sync.AppIDs {
			job := model.NewJob(uid.New(), model.SyncInventory{BotID: botID, AppID: appID})
			if _, err := q.EnqueueRecurring(ctx, job, cfg.Sync.Interval); err != nil {
				log.Fatal("schedule inventory sync", zap.String("bot", botID), zap.Int("app", appID), zap.Error(err))
			}
		}
	}

	scanner.Start()

	processor := queue.NewProcessor(q, queue.ProcessorConfig{
		PollInterval: cfg.Worker.PollInterval,
		LeaseTTL:     cfg.Worker.LeaseTTL,
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxAttempts,
			Initial:     cfg.Worker.RetryInitial,
			Max:         cfg.Worker.RetryMax,
			DeferDelay:  cfg.Worker.DeferDelay,
		},
		OnExhausted: handlers.OnExhausted,
	}, log)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		processor.Process(ctx, cfg.Worker.Concurrency, handlers.Handle)
	}()

	checks := map[string]handler.Pinger{"ledger": ledger}
	if redisClient != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	r := router.New(router.Config{
		Handler: handler.New(cfg.App.Name, cfg.App.Version, checks),
		AdminHandler: handler.NewAdminHandler(handler.AdminDeps{
			Ledger:    ledger,
			Queue:     q,
			Pool:      pool,
			Alerts:    alertStore,
			Inventory: inventory,
			Scanner:   scanner,
			SyncApps:  cfg.Sync.AppIDs,
			LedgerDB:  cfg.Ledger.Driver,
			Log:       log,
		}),
		NotificationHandler: handler.NewNotificationHandler(hub),
		OfferHandler:        handler.NewOfferHandler(offers, log),
		AuthMiddleware: middleware.NewAuthMiddleware(middleware.AuthConfig{
			APIKeys: cfg.Server.APIKeys,
		}),
		Log: log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	scanner.Stop()

	select {
	case <-processed:
	case <-shutdownCtx.Done():
		log.Warn("jobs still running at shutdown deadline; their leases will expire and be recovered")
	}

	log.Info("stopped")
}

func openLedger(cfg config.LedgerConfig) (repository.Ledger, error) {
	switch cfg.Driver {
	case "mysql":
		return repository.NewMySQLLedger(cfg.MySQLDSN())
	case "postgres":
		return repository.NewPostgresLedger(cfg.PostgresDSN())
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		return repository.NewSQLiteLedger(cfg.Path)
	}
}

func loadBots(cfg config.BotsConfig) ([]botpool.Bot, error) {
	if cfg.Passphrase == "" {
		return nil, errors.New("BOTS_PASSPHRASE is not set")
	}
	entries, err := botpool.LoadBotsFile(cfg.File)
	if err != nil {
		return nil, err
	}
	bots := make([]botpool.Bot, 0, len(entries))
	for _, e := range entries {
		key, err := botpool.DeriveKey(cfg.Passphrase, e.Salt)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", e.ID, err)
		}
		creds, err := botpool.Open(e.Credentials, key)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", e.ID, err)
		}
		bots = append(bots, botpool.Bot{
			ID:          e.ID,
			AccountName: e.AccountName,
			TradeURL:    e.TradeURL,
			Credentials: creds,
		})
	}
	return bots, nil
}
