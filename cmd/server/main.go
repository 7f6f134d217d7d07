package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-po-approvals/internal/client"
	"github.com/pesio-ai/be-po-approvals/internal/config"
	"github.com/pesio-ai/be-po-approvals/internal/database"
	"github.com/pesio-ai/be-po-approvals/internal/handler"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// stores bundles the persistence ports used by the routing service.
type stores struct {
	rules    service.RuleStore
	requests service.RequestStore
	chains   service.ChainStore
	audit    service.AuditStore
	close    func()
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
		Msg("Starting PO Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer st.close()

	// Initialize identity provider
	identity, closeIdentity, err := openIdentity(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity provider")
	}
	defer closeIdentity()

	// Initialize notification publishers
	publisher, closePublishers := openPublishers(ctx, cfg, log)
	defer closePublishers()

	policy, err := service.ParseNoRulePolicy(cfg.Approval.NoRulePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid no-rule policy")
	}

	// Initialize services
	authz := service.NewAuthorizer(identity)
	routingService := service.NewApprovalRoutingService(
		st.rules, st.requests, st.chains, st.audit,
		authz,
		client.NewEventNotifier(publisher),
		policy,
		log.Component("routing"),
	)
	principals := service.NewPrincipalResolver(authz, cfg.Approval.AdminRole)

	seed, err := seedRules(cfg.Approval.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load seed rules")
	}
	if err := routingService.SeedDefaults(ctx, seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed approval rules")
	}

	// HTTP server
	httpHandler := handler.NewHTTPHandler(routingService, principals, log.Component("http"))
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Routes(handler.RouterConfig{
			CORSOrigins:    cfg.Server.CORSOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLoggingInterceptor(log.Logger)))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(routingService, principals, log.Logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	if strings.EqualFold(cfg.Database.Driver, "memory") {
		log.Warn().Msg("Using in-memory store; state is lost on restart")
		m := memory.New()
		return &stores{rules: m, requests: m, chains: m, audit: m, close: func() {}}, nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &stores{
		rules:    repository.NewApprovalRulesRepository(db),
		requests: repository.NewApprovalRequestRepository(db),
		chains:   repository.NewApprovalChainRepository(db),
		audit:    repository.NewApprovalAuditRepository(db),
		close:    db.Close,
	}, nil
}

func openIdentity(cfg *config.Config, log *logger.Logger) (service.IdentityProvider, func(), error) {
	if cfg.Identity.GRPCURL == "" {
		roles := config.ParseStaticRoles(cfg.Identity.StaticRoles)
		log.Info().Int("users", len(roles)).Msg("Using static identity roles")
		return client.NewStaticIdentityProvider(roles), func() {}, nil
	}

	c, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCURL, cfg.Identity.Timeout)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("identity_grpc", cfg.Identity.GRPCURL).Msg("Identity gRPC client initialized")
	return c, func() { _ = c.Close() }, nil
}

// openPublishers connects every configured event sink. Sinks that fail to
// connect are skipped; with none left, events are only logged.
func openPublishers(ctx context.Context, cfg *config.Config, log *logger.Logger) (client.EventPublisher, func()) {
	var (
		pubs    client.MultiPublisher
		closers []func()
	)

	if cfg.Notification.NATSURL != "" {
		nc, err := client.ConnectNATS(cfg.Notification.NATSURL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, notifications will not be published there")
		} else {
			pubs = append(pubs, client.NewNotificationPublisher(nc, cfg.Notification.SubjectPrefix, log.Logger))
			closers = append(closers, func() { _ = nc.Drain() })
			log.Info().Str("url", cfg.Notification.NATSURL).Msg("NATS notification publisher initialized")
		}
	}

	if cfg.Notification.RedisAddr != "" {
		rdb, err := client.NewRedisClient(ctx, cfg.Notification.RedisAddr, cfg.Notification.RedisPassword, cfg.Notification.RedisDB)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, notifications will not be streamed")
		} else {
			pubs = append(pubs, client.NewRedisStreamPublisher(rdb, cfg.Notification.RedisStream, cfg.Notification.RedisMaxLen))
			closers = append(closers, func() { _ = rdb.Close() })
			log.Info().Str("stream", cfg.Notification.RedisStream).Msg("Redis stream publisher initialized")
		}
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(pubs) == 0 {
		return client.NewLogPublisher(log.Logger), closeAll
	}
	return pubs, closeAll
}

func seedRules(path string) ([]*repository.ApprovalRule, error) {
	if path == "" {
		return repository.DefaultRules(), nil
	}
	return repository.LoadRulesFile(path)
}
