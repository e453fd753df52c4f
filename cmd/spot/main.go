// Package main запускает HTTP-сервер ядра заказов и платежей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/spot-order-core/internal/authz"
	"github.com/mmeshcher/spot-order-core/internal/config"
	"github.com/mmeshcher/spot-order-core/internal/events"
	"github.com/mmeshcher/spot-order-core/internal/gateway"
	"github.com/mmeshcher/spot-order-core/internal/handler"
	"github.com/mmeshcher/spot-order-core/internal/metrics"
	"github.com/mmeshcher/spot-order-core/internal/middleware"
	"github.com/mmeshcher/spot-order-core/internal/repository"
	"github.com/mmeshcher/spot-order-core/internal/service"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Без адреса шлюза клиент остаётся nil и каждое списание завершается ABORTED.
	var gatewayClient *gateway.Client
	if cfg.GatewayAddress != "" {
		gatewayClient = gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecretKey, gateway.WithMetrics(m))
	} else {
		sugar.Warn("payment gateway address is not set, billing is disabled")
	}

	var publisher service.EventPublisher
	if cfg.AMQPURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.AMQPURL, events.DefaultExchange)
		if err != nil {
			sugar.Fatalw("rabbitmq initialization error", "error", err.Error())
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	opts := []service.Option{service.WithLogger(logger), service.WithMetrics(m)}
	payments := service.NewPaymentService(repo, gatewayClient, service.GatewaySettings{
		BillingKey:  cfg.GatewayBillingKey,
		CustomerKey: cfg.GatewayCustomerKey,
		Timeout:     cfg.GatewayTimeout,
	}, opts...)
	orders := service.NewOrderService(repo, publisher, append(opts, service.WithPaymentRefunder(payments))...)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(orders, payments, authz.NewGuard(payments), logger, authMiddleware, m)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting spot order server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
