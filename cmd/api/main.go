package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/junhyuk-baek/ticketflow-backend/api/routes"
	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/payments"
	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	"github.com/junhyuk-baek/ticketflow-backend/internal/tickets"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/migrate"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis client", err)
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

	promRegistry := prometheus.NewRegistry()
	router := routes.NewRouter(routes.RouterParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Screenings: screeningSvc,
		Orders:     orderSvc,
		Payments:   paymentSvc,
		Tickets:    ticketSvc,
		DLQ:        outbox.NewDLQRepository(conn),
		Gatherer:   promRegistry,
	})

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "api",
		"port":        cfg.App.Port,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "server shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting http server")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "http server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "http server shutting down gracefully")
}
