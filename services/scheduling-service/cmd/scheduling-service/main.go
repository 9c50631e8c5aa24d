package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/careloop-health/careslot/libs/config"
	"github.com/careloop-health/careslot/libs/db"
	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/libs/kafkax"
	otelx "github.com/careloop-health/careslot/libs/otel"
	"github.com/careloop-health/careslot/libs/runtime"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/booking"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/cache"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/directory"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/handlers"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/outbox"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/payments"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/refunds"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/slotledger"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8081")
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
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}
	slotCache := cache.NewSlotCache(rdb, config.Duration("SLOT_CACHE_TTL", 30*time.Second), logger)

	slotRepo := storage.NewSlotRepository()
	bookingRepo := storage.NewBookingRepository()
	outboxRepo := outbox.NewRepository()
	refundRepo := refunds.NewRepository()
	ledger := slotledger.New()

	uow := storage.NewUnitOfWork(pool, logger, config.Bool("DB_TX_DISABLED", false))
	if !uow.Atomic() {
		logger.Warn("transactions disabled, slot/booking atomicity is best-effort")
	}

	pgDir := directory.NewPgDirectory(pool)
	dir, err := directory.NewRemoteDirectory(logger, pgDir, config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory client init failed, using local table", "err", err)
		dir = pgDir
	}

	gateway := payments.NewStripeGateway(config.String("STRIPE_API_KEY", ""))

	svc := booking.NewService(booking.ServiceDeps{
		DB:       pool,
		UoW:      uow,
		Slots:    slotRepo,
		Bookings: bookingRepo,
		Ledger:   ledger,
		Dir:      dir,
		Gateway:  gateway,
		Events:   outboxRepo,
		Refunds:  refundRepo,
		Logger:   logger,
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	refundWorker := refunds.NewWorker(pool, refundRepo, bookingRepo, gateway, logger, refunds.WorkerConfig{
		Interval:  config.Duration("REFUND_POLL_INTERVAL", 15*time.Second),
		BatchSize: config.Int("REFUND_BATCH_SIZE", 20),
		Backoff:   config.Duration("REFUND_RETRY_BACKOFF", 2*time.Minute),
	})
	go refundWorker.Run(ctx)

	authn := handlers.NewAuthenticator(jwtSecret, pgDir)
	bookingHandler := handlers.NewBookingHandler(svc, bookingRepo, pool, logger)
	slotHandler := handlers.NewSlotHandler(slotRepo, pool, slotCache, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/public/slots", slotHandler.PublicSearch)
	mux.Handle("/api/v1/bookings", authn.Require(routeByMethod(bookingHandler.Create, bookingHandler.List)))
	mux.Handle("/api/v1/bookings/status", authn.Require(http.HandlerFunc(bookingHandler.UpdateStatus)))
	mux.Handle("/api/v1/bookings/cancel", authn.Require(http.HandlerFunc(bookingHandler.Cancel)))
	mux.Handle("/api/v1/bookings/reschedule", authn.Require(http.HandlerFunc(bookingHandler.Reschedule)))
	mux.Handle("/api/v1/provider/bookings", authn.Require(http.HandlerFunc(bookingHandler.CreateManual)))
	mux.Handle("/api/v1/provider/slots", authn.Require(routeByMethod(slotHandler.Create, nil, slotHandler.Deactivate)))

	var limiter httpx.Middleware
	if rateLimit := config.Int("RATE_LIMIT_PER_MINUTE", 120); rdb != nil {
		limiter = httpx.NewRedisRateLimiter(rdb, rateLimit, time.Minute, service).Middleware(logger, true)
	} else {
		limiter = httpx.NewRateLimiter(rateLimit, time.Minute).Middleware()
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecovery(logger),
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id", "X-Provider-Id", "X-Api-Key"},
			MaxAge:         10 * time.Minute,
		}),
		limiter,
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
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

// routeByMethod dispatches POST/GET/DELETE on one path. A nil handler means
// the method is not supported.
func routeByMethod(post, get http.HandlerFunc, del ...http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if post != nil {
				post(w, r)
				return
			}
		case http.MethodGet:
			if get != nil {
				get(w, r)
				return
			}
		case http.MethodDelete:
			if len(del) > 0 && del[0] != nil {
				del[0](w, r)
				return
			}
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}
