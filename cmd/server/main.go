package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, err := openStore(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Error("open booking store", "error", err)
		os.Exit(1)
	}

	driverGeo, reg := openDriverState(ctx, cfg, logger, &closers)
	ledger, stripeClient, err := openWallet(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Error("open wallet store", "error", err)
		os.Exit(1)
	}

	hub := dispatch.NewHub(logger)
	var push dispatch.Pusher
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushClient(cfg.PushEndpoint, cfg.PushKey)
	}
	notify := dispatch.NewFanout(hub, push, openEventStream(cfg, logger, &closers), logger)

	calc := pricing.NewCalculator(store)
	commission := pricing.NewCommissionPolicy(store, cfg.CommissionRate)
	m := &matcher.Service{
		Geo:             driverGeo,
		Registry:        reg,
		Store:           store,
		Wallets:         ledger,
		Notify:          notify,
		Commission:      commission,
		ETAClient:       etaClient(cfg, logger),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		RadiusKm:        cfg.DispatchRadiusKm,
		SearchSlackKm:   cfg.DispatchSlackKm,
		MaxDrivers:      cfg.DispatchMaxDrivers,
		Logger:          logger,
	}
	var surge *pricing.SurgePolicy
	if cfg.SurgeEnabled {
		surge = &pricing.SurgePolicy{Density: m, Func: pricing.RatioSurge(cfg.SurgeMax)}
	}
	timers := lifecycle.NewTimers()
	closers = append(closers, timers.StopAll)
	svc := &lifecycle.Service{
		Store:   store,
		Pricing: calc,
		Surge:   surge,
		Matcher: m,
		Trips: &trip.Tracker{
			Store:       store,
			Pricing:     calc,
			Commission:  commission,
			Wallets:     ledger,
			Registry:    reg,
			Notify:      notify,
			AdminUserID: cfg.AdminUserID,
			Logger:      logger,
		},
		Registry:          reg,
		Notify:            notify,
		Timers:            timers,
		DisconnectTimeout: cfg.DisconnectTimeout,
		Logger:            logger,
	}

	deps := httpapi.Deps{
		Lifecycle: svc,
		Surge:     surge,
		Geo:       driverGeo,
		Registry:  reg,
		Wallet:    ledger,
		Hub:       hub,
	}
	if stripeClient != nil {
		deps.Stripe = stripeClient
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, func() { producer.Close() })
		deps.Locations = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func()) (storage.Store, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { ps.Close() })
		if cfg.RunMigrations {
			if err := runMigrations(ctx, ps, "migrations", logger); err != nil {
				return nil, err
			}
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, bookings are kept in memory")
		store = storage.NewMemoryStore()
	}
	if cfg.PricingRulesFile != "" {
		n, err := loadPricingRules(ctx, store, cfg.PricingRulesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("pricing rules loaded", "file", cfg.PricingRulesFile, "rules", n)
	}
	return store, nil
}

// runMigrations applies every migrations/*.sql file in name order. The
// files are idempotent.
func runMigrations(ctx context.Context, ps *storage.PostgresStore, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}

func loadPricingRules(ctx context.Context, store storage.Pricing, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var rules []models.PricingRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return 0, fmt.Errorf("pricing rules %s: %w", path, err)
	}
	for _, r := range rules {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = time.Now().UTC()
		}
		if err := store.PutRule(ctx, r); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}

// openDriverState picks Redis for the driver index and dispatch registry
// when configured, so several API replicas share them.
func openDriverState(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func()) (geo.Geo, registry.Registry) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		*closers = append(*closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		}
		return geo.NewRedisGeo(client, cfg.RedisGeoKey), registry.NewRedis(client, cfg.DispatchTTL, logger)
	}
	mem := registry.NewMemory(cfg.DispatchTTL, logger)
	go mem.Run(ctx, cfg.DispatchSweepInterval)
	return geo.NewIndex(), mem
}

func openWallet(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func()) (*wallet.Ledger, *payments.StripeClient, error) {
	var store wallet.Store
	if cfg.WalletDSN != "" {
		pg, err := wallet.NewPGStore(ctx, cfg.WalletDSN)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, pg.Close)
		store = pg
	} else {
		store = wallet.NewMemoryStore()
	}
	var (
		processor payments.Processor
		stripe    *payments.StripeClient
	)
	if cfg.StripeAPIKey != "" {
		stripe = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
		processor = stripe
	} else {
		logger.Warn("STRIPE_API_KEY not set, top-ups and payouts are disabled")
	}
	return wallet.NewLedger(store, processor, cfg.Currency, logger), stripe, nil
}

func openEventStream(cfg config.ServerConfig, logger *slog.Logger, closers *[]func()) events.Publisher {
	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp unavailable, events not mirrored to the exchange", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if len(pubs) == 0 {
		return nil
	}
	*closers = append(*closers, func() { pubs.Close() })
	return pubs
}

func etaClient(cfg config.ServerConfig, logger *slog.Logger) eta.Client {
	var base eta.Client = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gm, err := eta.NewGoogleMapsClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Warn("google maps client unavailable, using straight-line ETA", "error", err)
			break
		}
		base = gm
	case cfg.OSRMEndpoint != "":
		base = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	return eta.Cached{Client: base, Cache: eta.NewCache(cfg.ETACacheTTL)}
}
