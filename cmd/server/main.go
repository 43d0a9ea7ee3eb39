package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-commissions/internal/client"
	"github.com/pesio-ai/be-commissions/internal/handler"
	"github.com/pesio-ai/be-commissions/internal/platform/config"
	"github.com/pesio-ai/be-commissions/internal/platform/database"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/platform/natsclient"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/service"
)

type stores struct {
	commissions service.CommissionStore
	compliance  service.ComplianceStore
	health      handler.Pinger
	close       func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Database.Driver).
		Msg("Starting Commissions Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.close()

	// Notifications are optional; without NATS events are dropped.
	var publisher client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		publisher = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, notifications disabled")
	}
	notifier := client.NewNotificationPublisher(publisher, cfg.NATS.SubjectPrefix, log.Logger)

	// Initialize services
	opts, err := service.CommissionOptionsFromConfig(cfg.Commission)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid commission configuration")
	}
	commissionService := service.NewCommissionService(st.commissions, st.compliance, notifier, opts, log)
	complianceService := service.NewComplianceService(st.compliance, notifier, nil, log)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(commissionService, complianceService, st.health, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryActorInterceptor))
	handler.RegisterCommissionsService(grpcServer, handler.NewGRPCHandler(commissionService, complianceService, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

func openStores(ctx context.Context, cfg config.DatabaseConfig) (*stores, error) {
	if cfg.Driver == "memory" {
		mem := repository.NewMemoryStore()
		return &stores{commissions: mem, compliance: mem, health: mem, close: func() {}}, nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.DSN(),
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
	if err != nil {
		return nil, err
	}
	commissions := repository.NewCommissionRepository(db)
	return &stores{
		commissions: commissions,
		compliance:  repository.NewComplianceRepository(db),
		health:      commissions,
		close:       db.Close,
	}, nil
}
