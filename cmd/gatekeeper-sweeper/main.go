package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/notify"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/lease"
	"github.com/platinummonkey/gatekeeper/pkg/sweep"
	"github.com/platinummonkey/gatekeeper/pkg/workflow"
)

var (
	escalationSchedule = flag.String("escalation-schedule", "", "Cron schedule for overdue step escalation (overrides GATEKEEPER_SWEEP_ESCALATION_SCHEDULE)")
	reminderSchedule   = flag.String("reminder-schedule", "", "Cron schedule for approver reminders")
	recoverySchedule   = flag.String("recovery-schedule", "", "Cron schedule for crash recovery")
	retentionSchedule  = flag.String("retention-schedule", "", "Cron schedule for audit retention")
	runOnce            = flag.Bool("run-once", false, "Run every job once and exit")
	metricsAddr        = flag.String("metrics-addr", "", "Listen address for /metrics (defaults to the health port)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg.Sweep)
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("sweeper failed")
	}
}

func applyFlags(c *sweep.Config) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["escalation-schedule"] {
		c.EscalationSchedule = *escalationSchedule
	}
	if set["reminder-schedule"] {
		c.ReminderSchedule = *reminderSchedule
	}
	if set["recovery-schedule"] {
		c.RecoverySchedule = *recoverySchedule
	}
	if set["retention-schedule"] {
		c.RetentionSchedule = *retentionSchedule
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

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
	rm.Resolver().SetDelegations(delegation.NewManager(delegation.NewStore(db), rm, rm.Guard(), recorder, clk, logger))

	// Reminders are delivered inline so a failure leaves the instance due
	// for the next run.
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Notify.Webhook(), logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, hook)
	}
	engine := workflow.NewEngine(
		workflow.NewRegistry(workflow.NewStore(db), rm, rm, recorder, clk, logger),
		notify.Instrument(sinks, metrics),
		metrics,
	)

	var locker *lease.Locker
	if cfg.Redis.URL != "" {
		client, err := lease.Connect(ctx, cfg.Redis.Options())
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lease.NewLocker(client, cfg.Redis.LeasePrefix)
	} else {
		logger.Warn("no redis configured; running without leases")
	}

	sweeper := sweep.New(engine, recorder, locker, metrics, logger, cfg.Sweep)

	if *runOnce {
		if err := sweeper.RunOnce(ctx); err != nil {
			return err
		}
		logger.Info("sweep completed")
		return nil
	}

	addr := *metricsAddr
	if addr == "" {
		addr = net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(registry))
	metricsServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics listener stopped")
		}
	}()

	scheduler := sweep.NewScheduler(sweeper, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	logger.WithField("jobs", scheduler.Jobs()).Info("sweeper started")

	<-ctx.Done()
	logger.Info("shutting down sweeper")
	done := scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	select {
	case <-done.Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweep jobs did not finish before shutdown timeout")
	}
	return metricsServer.Shutdown(shutdownCtx)
}
