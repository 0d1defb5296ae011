package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/mailcore/internal/api"
	"github.com/lalithlochan/mailcore/internal/audit"
	"github.com/lalithlochan/mailcore/internal/bounce"
	"github.com/lalithlochan/mailcore/internal/circuitbreaker"
	"github.com/lalithlochan/mailcore/internal/config"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/db/memstore"
	"github.com/lalithlochan/mailcore/internal/events"
	"github.com/lalithlochan/mailcore/internal/keylock"
	"github.com/lalithlochan/mailcore/internal/lead"
	"github.com/lalithlochan/mailcore/internal/metrics"
	"github.com/lalithlochan/mailcore/internal/observ"
	"github.com/lalithlochan/mailcore/internal/redis"
	"github.com/lalithlochan/mailcore/internal/reply"
	"github.com/lalithlochan/mailcore/internal/segment"
	"github.com/lalithlochan/mailcore/internal/sender"
	"github.com/lalithlochan/mailcore/internal/sqs"
	"github.com/lalithlochan/mailcore/internal/suppression"
	"github.com/lalithlochan/mailcore/internal/worker"
)

// Store is everything the gateway persists. Both the Postgres repository
// and the in-memory store satisfy it.
type Store interface {
	lead.Store
	suppression.Repository
	bounce.Store
	reply.Store
	segment.Store
	audit.Store
	worker.SendStore
	worker.RetryStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mailcore gateway",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var store Store
	var healthChecks []dependencyCheck
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		store = memstore.New()
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		store = db.NewRepository(database, logger)
		healthChecks = append(healthChecks, dependencyCheck{"postgres", database.Health})

		g.Go(func() error {
			reportPoolStats(gctx, database)
			return nil
		})
	}

	// Redis backs rate limiting, send idempotency and the cross-host lock.
	// Without it the gateway still runs on a single host.
	var redisClient *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		redisClient, err = redis.New(ctx, redis.Config{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("addr", addr),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
			healthChecks = append(healthChecks, dependencyCheck{"redis", redisClient.Ping})
		}
	}

	var locker keylock.Locker = keylock.NewLocal()
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		locker = redis.NewLocker(redisClient, observ.Component(logger, "lock"), redis.LockConfig{TTL: cfg.LockTTL})
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Name:   "webhook",
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	// Core components
	ledger := audit.NewLedger(store, audit.NewPendingStore(), observ.Component(logger, "audit"), audit.WithMaxDepth(cfg.TraceMaxDepth))
	supp := suppression.NewService(store, observ.Component(logger, "suppression"))
	bounces := bounce.NewProcessor(store, supp, ledger, observ.Component(logger, "bounce"))
	replies := reply.NewDetector(store, ledger, observ.Component(logger, "reply"))
	leads := lead.NewService(store, observ.Component(logger, "lead"))
	segments := segment.NewReconciler(store, locker, ledger, observ.Component(logger, "segment"))

	var publisher events.Publisher = events.Nop{}
	if cfg.SNSTopicARN != "" {
		publisher, err = events.NewSNSPublisher(ctx, cfg.SNSTopicARN, cfg.AWSRegion, cfg.AWSEndpoint, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS publisher: %w", err)
		}
	}
	lifecycle := events.NewLifecycle(publisher, logger)

	// Outbound: suppression guard, then the breaker, then the provider.
	var provider sender.Sender
	if cfg.SESFromEmail != "" {
		provider, err = sender.NewSESSender(ctx, sender.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}
	} else {
		logger.Warn("SES_FROM_EMAIL not set, sends are only logged")
		provider = sender.NewLogSender(logger)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(provider.Name()), logger)
	outbound := sender.NewSuppressionGuard(circuitbreaker.NewProtectedSender(provider, breaker, logger), supp, logger)

	sendWorker := worker.NewSendWorker(store, outbound, worker.Config{
		PollInterval: cfg.SendPollInterval,
		BatchSize:    cfg.SendBatchSize,
		MaxAttempts:  cfg.SendMaxAttempts,
	}, observ.Component(logger, "send_worker"))
	retryScheduler := worker.NewRetryScheduler(store, locker, ledger, cfg.RetryPollInterval, observ.Component(logger, "retry_scheduler"))

	handler := api.NewHandler(logger, api.Services{
		Bounces:     bounces,
		Replies:     replies,
		Leads:       leads,
		Segments:    segments,
		Suppression: supp,
		Ledger:      ledger,
		Sends:       store,
		Lifecycle:   lifecycle,
		Provider:    provider.Name(),
	}).WithBreakers(breaker)
	for _, p := range healthChecks {
		handler.WithHealthCheck(p.name, p.check)
	}
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
	}

	// With a queue, webhooks are acknowledged with 202 and processed by
	// the inbound consumer.
	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}
		handler.WithQueue(sqs.NewProducer(client, cfg.SQSQueueURL, logger))

		inbound := worker.NewInboundConsumer(
			sqs.NewConsumer(client, cfg.SQSQueueURL, logger),
			bounces, replies, lifecycle,
			observ.Component(logger, "inbound"),
		)
		g.Go(func() error {
			inbound.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		sendWorker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		retryScheduler.Start(gctx)
		return nil
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		handler.Routes(r, api.RateLimitMiddleware(rateLimiter, logger, api.WebhookKeyFunc))
	})
	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

type dependencyCheck struct {
	name  string
	check func(ctx context.Context) error
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// the route pattern keeps addresses in /suppressions/{email} out of the log
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.Stats())
		}
	}
}
