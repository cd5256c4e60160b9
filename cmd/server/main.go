package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/urbanflow/internal/auth"
	"github.com/example/urbanflow/internal/config"
	"github.com/example/urbanflow/internal/dispatch"
	"github.com/example/urbanflow/internal/eta"
	"github.com/example/urbanflow/internal/geo"
	httpapi "github.com/example/urbanflow/internal/http"
	"github.com/example/urbanflow/internal/idempotency"
	"github.com/example/urbanflow/internal/ingest"
	"github.com/example/urbanflow/internal/logging"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/payments"
	"github.com/example/urbanflow/internal/pricing"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/rides"
	"github.com/example/urbanflow/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("urbanflow-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]func(context.Context) error{}

	var (
		store   storage.Store
		locator geo.Locator
		tracker geo.Tracker
		idem    idempotency.Store
	)

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, pg.DB())
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		pg.MaxAge = cfg.DriverLocationMaxAge
		store, locator = pg, pg
		checks["postgres"] = pg.Ping
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.DriverLocationMaxAge)
		tracker, locator = rg, rg
		idem = idempotency.NewRedis(rc, "", cfg.IdempotencyTTL)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		idem = idempotency.NewMemory(cfg.IdempotencyTTL)
		if locator == nil {
			idx := geo.NewIndex(cfg.DriverLocationMaxAge)
			tracker, locator = idx, idx
		}
	}

	var events ingest.Publisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideEventsTopic)
		defer producer.Close()
		events = producer
	}

	estimator := &eta.Estimator{AvgSpeedKmph: cfg.AvgSpeedKmph}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.ETACacheSize, cfg.ETACacheTTL)
	}

	hub := realtime.NewHub(realtime.DefaultBuffer)
	dispatchers := dispatch.Multi{&dispatch.HubDispatcher{Hub: hub}}
	if cfg.PushEndpoint != "" {
		dispatchers = append(dispatchers, dispatch.NewWebhookDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}

	m := &matcher.Service{
		Locator:  locator,
		Store:    store,
		Dispatch: dispatchers,
		Logger:   logger,
		RadiusKm: cfg.OffersRadiusKm,
		TopN:     cfg.MatcherTopN,
		OfferTTL: cfg.OfferTTL,
	}
	svc := &rides.Service{
		Store:   store,
		Matcher: m,
		Tracker: tracker,
		Hub:     hub,
		Events:  events,
		ETA:     estimator,
		Logger:  logger,
		Tariff:  pricing.Tariff{BaseFare: cfg.BaseFare, PerKm: cfg.PerKmRate},
		FeeRate: &cfg.PlatformFee,
		RideTTL: cfg.RideTTL,
	}

	var gateway payments.Gateway
	switch cfg.PaymentProvider {
	case "stripe":
		gateway = payments.NewStripe(cfg.StripeAPIKey, nil)
	default:
		gateway = payments.NewRazorpay(cfg.RazorpayKey, cfg.RazorpaySecret, cfg.RazorpayBaseURL)
	}
	if !gateway.Configured() {
		logger.Warn("payment credentials missing, order creation will fail", "provider", gateway.Name())
	}
	if h, ok := gateway.(payments.Holder); ok && gateway.Configured() {
		svc.Holds = h
	}

	var verifier *auth.Verifier
	if cfg.AuthSecret != "" {
		verifier = auth.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, requests are not authenticated")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:    svc,
		Matcher:  m,
		Store:    store,
		Hub:      hub,
		Payments: gateway,
		Idem:     idem,
		Auth:     verifier,
		Checks:   checks,
	}, logger)

	go svc.Run(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("urbanflow api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
