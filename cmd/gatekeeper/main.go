package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/notify"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/workflow"
)

var (
	migrate        = flag.Bool("migrate", true, "Apply database migrations on startup")
	bootstrapOrg   = flag.String("bootstrap-org", "", "Seed system roles for this organization on startup")
	bootstrapAdmin = flag.String("bootstrap-admin", "", "User granted the top role of -bootstrap-org")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid server configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("gatekeeper stopped with error")
	}
	logger.Info("gatekeeper stopped")
}

// migrations lists every component schema in dependency order.
func migrations() []struct {
	component string
	set       []storage.Migration
} {
	return []struct {
		component string
		set       []storage.Migration
	}{
		{rbac.Component, rbac.Migrations()},
		{audit.Component, audit.Migrations()},
		{delegation.Component, delegation.Migrations()},
		{workflow.Component, workflow.Migrations()},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if *migrate {
		for _, m := range migrations() {
			applied, err := storage.Migrate(ctx, db, m.component, m.set)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", m.component, err)
			}
			logger.WithFields(logrus.Fields{"component": m.component, "applied": applied}).Info("migrations applied")
		}
	}

	var spec *rbac.CatalogSpec
	if cfg.RBAC.CatalogPath != "" {
		if spec, err = rbac.LoadCatalogFile(cfg.RBAC.CatalogPath); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	clk := clock.Real()
	recorder := audit.NewRecorder(audit.NewStore(db), nil, clk, logger)
	rm := rbac.NewManager(rbac.NewStore(db), spec, recorder, clk, logger, cfg.RBAC.Config)
	recorder.SetGate(rm)
	rm.Resolver().SetMetrics(metrics)
	if err := rm.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize permission catalog: %w", err)
	}
	if *bootstrapOrg != "" {
		roles, err := rm.SeedOrganization(ctx, *bootstrapOrg, *bootstrapAdmin)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", *bootstrapOrg, err)
		}
		logger.WithFields(logrus.Fields{"org_id": *bootstrapOrg, "roles": len(roles)}).Info("organization bootstrapped")
	}

	delegations := delegation.NewManager(delegation.NewStore(db), rm, rm.Guard(), recorder, clk, logger)
	rm.Resolver().SetDelegations(delegations)

	notifier, err := buildNotifier(cfg, logger, metrics)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(workflow.NewRegistry(workflow.NewStore(db), rm, rm, recorder, clk, logger), notifier, metrics)

	router := mux.NewRouter()
	router.Use(httputil.MetricsMiddleware(metrics))
	api := router.PathPrefix("/v1").Subrouter()
	api.Use(
		middleware.Authenticate(middleware.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)),
		middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Auth.RateLimitRPS,
			BurstSize:         cfg.Auth.RateLimitBurst,
		}).Middleware,
	)
	rbacHandlers := rbac.NewHandlers(rm)
	rbacHandlers.RegisterRoutes(api)

	org := api.PathPrefix("/orgs/{org}").Subrouter()
	org.Use(middleware.OrgScope)
	rbacHandlers.RegisterOrgRoutes(org)
	delegation.NewHandlers(delegations).RegisterRoutes(org)
	workflow.NewHandlers(engine).RegisterRoutes(org)
	audit.NewHandlers(recorder).RegisterRoutes(org)

	handler := httputil.Chain(
		middleware.RequestID,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.TimeoutMiddleware(cfg.Server.RequestTimeout),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRoutes(db, registry),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), healthServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// buildNotifier logs every notification and, when configured, posts it to
// the webhook. Delivery runs in the background so requests never wait on it.
func buildNotifier(cfg *config.Config, logger logrus.FieldLogger, metrics *observability.Metrics) (notify.Notifier, error) {
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Notify.Webhook(), logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	return notify.Async(notify.Instrument(sinks, metrics), logger, cfg.Notify.DispatchTimeout), nil
}

func healthRoutes(db *sql.DB, registry *prometheus.Registry) http.Handler {
	routes := http.NewServeMux()
	routes.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	})
	routes.Handle("/metrics", observability.Handler(registry))
	return routes
}
