package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jleitner/studiobook/libs/config"
	"github.com/jleitner/studiobook/libs/db"
	"github.com/jleitner/studiobook/libs/httpx"
	"github.com/jleitner/studiobook/libs/kafkax"
	otelx "github.com/jleitner/studiobook/libs/otel"
	"github.com/jleitner/studiobook/libs/runtime"
	"github.com/jleitner/studiobook/services/booking-service/internal/handlers"
	"github.com/jleitner/studiobook/services/booking-service/internal/outbox"
	"github.com/jleitner/studiobook/services/booking-service/internal/payments"
	"github.com/jleitner/studiobook/services/booking-service/internal/reconcile"
	"github.com/jleitner/studiobook/services/booking-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if err := db.RunMigrations(dbURL, config.String("MIGRATIONS_DIR", "migrations")); err != nil {
		logger.Error("migrations failed", "err", err)
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	businessLoc, err := time.LoadLocation(config.String("BUSINESS_TIMEZONE", "Europe/Berlin"))
	if err != nil {
		logger.Error("invalid BUSINESS_TIMEZONE", "err", err)
		panic(err)
	}

	appts := storage.NewAppointmentRepository(pool)
	subs := storage.NewSubscriptionRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	records := storage.NewRecords(pool, outboxRepo)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	stripeClient := payments.New(payments.Config{
		SecretKey:  config.String("STRIPE_SECRET_KEY", ""),
		SuccessURL: config.String("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
		CancelURL:  config.String("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
		Timeout:    time.Duration(config.Int("STRIPE_TIMEOUT_SECONDS", 10)) * time.Second,
	})

	recSvc := reconcile.NewService(records, stripeClient, logger)
	poller := reconcile.NewPoller(recSvc, reconcile.PollerConfig{
		Interval:       time.Duration(config.Int("PAYMENT_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		MaxAttempts:    config.Int("PAYMENT_POLL_MAX_ATTEMPTS", 30),
		ForceSyncEvery: config.Int("PAYMENT_FORCE_SYNC_EVERY", 5),
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	h := handlers.New(appts, subs, records, recSvc, poller, stripeClient, logger, handlers.Config{
		Environment:            config.String("ENVIRONMENT", "development"),
		BusinessLocation:       businessLoc,
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: time.Duration(config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		CheckoutSuccessURL:     config.String("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
	})
	mux.HandleFunc("/api/v1/bookings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateAppointment(w, r)
		default:
			h.ListAppointments(w, r)
		}
	})
	mux.HandleFunc("/api/v1/bookings/availability", h.Availability)
	mux.HandleFunc("/api/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateSubscription(w, r)
		default:
			h.ListSubscriptions(w, r)
		}
	})
	mux.HandleFunc("/api/v1/payments/checkout", h.InitiateCheckout)
	mux.HandleFunc("/api/v1/payments/checkout/ack", h.AckCheckoutReturn)
	mux.HandleFunc("/api/v1/payments/webhooks/stripe", h.StripeWebhook)
	mux.HandleFunc("/api/v1/payments/status", h.PaymentStatus)
	mux.HandleFunc("/api/v1/payments/force-sync", h.ForceSync)
	mux.HandleFunc("/api/v1/payments/await", h.AwaitPayment)

	rateLimit := newRateLimit(logger)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithMetrics(),
		httpx.WithBodyLimit(1<<20),
		rateLimit,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}),
	)
	handler = otelhttp.NewHandler(handler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// newRateLimit prefers the Redis-backed limiter when REDIS_ADDR is set
// (multi-instance deployments); otherwise falls back to per-process.
func newRateLimit(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		rl := httpx.NewRedisRateLimiter(rdb, limit, time.Minute, "booking")
		return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	return httpx.NewRateLimiter(limit, time.Minute).Middleware()
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
