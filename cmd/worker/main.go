package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	paymentconsumer "github.com/junhyuk-baek/ticketflow-backend/internal/consumers/payment"
	ticketconsumer "github.com/junhyuk-baek/ticketflow-backend/internal/consumers/ticket"
	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/payments"
	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	"github.com/junhyuk-baek/ticketflow-backend/internal/tickets"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/consumer"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/ledger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/metrics"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/migrate"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	conn := dbClient.DB()
	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	writer, err := outbox.NewService(outbox.NewRepository(conn), dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build outbox writer", err)
		os.Exit(1)
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build idempotency ledger", err)
		os.Exit(1)
	}

	screeningSvc, err := screenings.NewService(screenings.NewRepository(conn), dbClient, writer, eventRegistry, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build screening service", err)
		os.Exit(1)
	}
	sagaSvc, err := saga.NewService(saga.NewRepository(conn), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build saga service", err)
		os.Exit(1)
	}
	orchestrator, err := saga.NewOrchestrator(sagaSvc, cfg.Saga.StaleRetryAttempts, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build saga orchestrator", err)
		os.Exit(1)
	}
	orderSvc, err := orders.NewService(orders.NewRepository(conn), dbClient, screeningSvc, sagaSvc, writer, eventRegistry, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build order service", err)
		os.Exit(1)
	}
	paymentSvc, err := payments.NewService(payments.NewRepository(conn), orders.NewRepository(conn), dbClient, writer, eventRegistry, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build payment service", err)
		os.Exit(1)
	}
	ticketSvc, err := tickets.NewService(tickets.NewRepository(conn), dbClient, writer, eventRegistry, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build ticket service", err)
		os.Exit(1)
	}

	paymentSide, err := paymentconsumer.NewConsumer(orderSvc, paymentSvc, orchestrator, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build payment consumer", err)
		os.Exit(1)
	}
	ticketSide, err := ticketconsumer.NewConsumer(orderSvc, ticketSvc, orchestrator, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build ticket consumer", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	consumerMetrics := metrics.NewConsumerMetrics(promRegistry)
	deadLetter := &consumer.PubsubDeadLetter{Publisher: pubsubClient.DeadLetterPublisher()}

	paymentHarness, err := consumer.NewHarness(consumer.HarnessParams{
		ConsumerGroup: paymentconsumer.Group,
		Client:        dbClient,
		Ledger:        ledgerSvc,
		DeadLetter:    deadLetter,
		Routes:        paymentSide.Routes(),
		Metrics:       consumerMetrics,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build payment harness", err)
		os.Exit(1)
	}
	ticketHarness, err := consumer.NewHarness(consumer.HarnessParams{
		ConsumerGroup: ticketconsumer.Group,
		Client:        dbClient,
		Ledger:        ledgerSvc,
		DeadLetter:    deadLetter,
		Routes:        ticketSide.Routes(),
		Metrics:       consumerMetrics,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build ticket harness", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "worker",
	})

	go serveMetrics(ctx, logg, cfg.App.Port, promRegistry)

	logg.Info(ctx, "starting consumer worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return paymentHarness.Run(groupCtx, pubsubClient.OrderSubscription())
	})
	group.Go(func() error {
		return ticketHarness.Run(groupCtx, pubsubClient.PaymentSubscription())
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

func serveMetrics(ctx context.Context, logg *logger.Logger, port string, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "metrics server stopped", err)
	}
}
