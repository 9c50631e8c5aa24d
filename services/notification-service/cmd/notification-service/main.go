package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/careloop-health/careslot/libs/config"
	"github.com/careloop-health/careslot/libs/db"
	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/libs/kafkax"
	otelx "github.com/careloop-health/careslot/libs/otel"
	"github.com/careloop-health/careslot/libs/runtime"
	"github.com/careloop-health/careslot/services/notification-service/internal/consumer"
	"github.com/careloop-health/careslot/services/notification-service/internal/dispatch"
	"github.com/careloop-health/careslot/services/notification-service/internal/email"
	"github.com/careloop-health/careslot/services/notification-service/internal/inbox"
	"github.com/careloop-health/careslot/services/notification-service/internal/outbox"
	"github.com/careloop-health/careslot/services/notification-service/internal/sms"
	"github.com/careloop-health/careslot/services/notification-service/internal/storage"
)

// Booking lifecycle topics this service subscribes to by default.
var defaultTopics = []string{
	"scheduling.booking.created.v1",
	"scheduling.booking.cancelled.v1",
	"scheduling.booking.rescheduled.v1",
	"scheduling.booking.status.v1",
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8082")
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

	inboxRepo := inbox.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@careslot.local"),
	)

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	dispatcher := dispatch.New(emailSender, smsSender, notificationsRepo, logger)

	handle := func(ctx context.Context, msg kafka.Message) error {
		var evt dispatch.BookingEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid booking event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.BookingCode == "" {
			logger.Error("booking event missing booking_code", "topic", msg.Topic)
			return nil
		}

		status, err := dispatcher.Dispatch(ctx, msg.Topic, evt)
		if err != nil {
			return err
		}

		outcome := map[string]any{
			"booking_code": evt.BookingCode,
			"event_type":   msg.Topic,
			"status":       status,
			"at":           time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		topic := outbox.TopicNotificationSent
		if status == dispatch.StatusFailed {
			topic = outbox.TopicNotificationFailed
		}
		if err := outboxRepo.Insert(ctx, outbox.Event{
			AggregateType: "notification",
			AggregateID:   evt.BookingCode,
			EventType:     topic,
			Payload:       payload,
		}); err != nil {
			logger.Error("failed to enqueue delivery outcome", "err", err)
			return err
		}

		logger.Info("booking event processed", "booking", evt.BookingCode, "topic", msg.Topic, "status", status)
		return nil
	}

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	topics := config.List("KAFKA_CONSUME_TOPICS")
	if len(topics) == 0 {
		topics = defaultTopics
	}
	for _, topic := range topics {
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handle)
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecovery(logger),
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
