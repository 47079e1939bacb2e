package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/xboard/internal/aggregator"
	"github.com/creamcroissant/xboard/internal/bootstrap"
	"github.com/creamcroissant/xboard/internal/collector"
	"github.com/creamcroissant/xboard/internal/config"
	"github.com/creamcroissant/xboard/internal/core"
	"github.com/creamcroissant/xboard/internal/enforcer"
	"github.com/creamcroissant/xboard/internal/historylog"
	"github.com/creamcroissant/xboard/internal/metrics"
	"github.com/creamcroissant/xboard/internal/notifier"
	"github.com/creamcroissant/xboard/internal/retry"
	"github.com/creamcroissant/xboard/internal/status"
	"github.com/creamcroissant/xboard/internal/statusdb"
	"github.com/creamcroissant/xboard/internal/support/logging"
)

// exitCodeRestart is returned when --exit-file is touched post-startup: a
// distinguished code so a supervisor can tell a coordinated restart apart
// from a crash.
const exitCodeRestart = 75

// errRestartRequested is returned by runDaemon instead of nil when the
// exit-file watchdog fired, so main can map it to exitCodeRestart without
// runDaemon calling os.Exit itself.
var errRestartRequested = errors.New("exit file touched, restart requested")

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configFiles)
	if err != nil {
		return err
	}
	cfg.General.SudoEnabled = cfg.General.SudoEnabled || flags.sudo
	if flags.etcDir != "" {
		cfg.General.EtcDir = flags.etcDir
	}
	if flags.exitFile != "" {
		cfg.General.ExitFile = flags.exitFile
	}

	logFormat := cfg.Log.Format
	if flags.print {
		logFormat = "text"
	}
	logger := logging.New(logging.Options{
		Level:     logging.Verbosity(cfg.Log.SlogLevel(), flags.verbose, flags.quiet),
		Format:    logFormat,
		AddSource: cfg.Log.AddSource,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.accountUID >= 0 {
		if err := bootstrap.AccountUID(ctx, flags.accountUID, cfg.General.SudoEnabled); err != nil {
			return err
		}
		logger.Info("accounted uid, exiting", "uid", flags.accountUID)
		return nil
	}

	store, err := bootstrap.OpenStatusStore(cfg.Sync)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	groups := status.GroupsFromConfig(cfg.Groups)
	engine := status.New(groups, cfg.Status.PenaltyOrder, cfg.Status.OccurTimeout, cfg.General.Hostname)

	col := collector.New(collector.Options{
		MinUID:       cfg.General.MinUID,
		PSSEnabled:   cfg.General.PSSEnabled,
		PSSThreshold: cfg.General.PSSThreshold,
		MemswEnabled: cfg.General.MemswEnabled,
	}, logger)

	agg := aggregator.New(cfg.General.ArbiterRefresh, logger)

	enf := enforcer.New(enforcer.Options{
		MemswEnabled: cfg.General.MemswEnabled,
		SudoEnabled:  cfg.General.SudoEnabled,
		DebugMode:    cfg.General.DebugMode,
	}, logger)

	var sync *statusdb.Synchronizer
	if store != nil {
		sync = statusdb.New(store, statusdb.SyncConfig{
			Hostname:               cfg.General.Hostname,
			SyncGroup:              cfg.Sync.SyncGroup,
			ImportedBadnessTimeout: cfg.Sync.ImportedBadnessTimeout,
			RoundTripTimeout:       cfg.Sync.RoundTripTimeout,
			Retry:                  retry.Default(),
		})
	}

	integrations := notifier.SystemIntegrations{
		StaticIntegrations: notifier.StaticIntegrations{Admins: cfg.Notify.AdminAddresses},
		Domain:             cfg.Notify.Domain,
	}
	notif := notifier.NewLoggerService(integrations, logger)
	history := historylog.NewLoggerSink(logger)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	loop := core.New(cfg, logger, col, agg, engine, enf, sync, notif, history, met)

	if store != nil {
		if err := loop.Rehydrate(ctx, store); err != nil {
			return fmt.Errorf("rehydrate tracked users: %w", err)
		}
	}

	scheduler := core.NewScheduler(logger)
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", core.SubTickInterval(cfg)), loop); err != nil {
		return err
	}
	scheduler.Start()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.Server(cfg.Metrics.Addr, cfg.Metrics.Token, reg)
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	restart := false
	select {
	case <-ctx.Done():
	case <-loop.Done():
		restart = true
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	loop.FlushSync(flushCtx)
	flushCancel()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if restart {
		logger.Warn("arbiter exiting for coordinated restart")
		return errRestartRequested
	}
	logger.Info("arbiter exiting cleanly")
	return nil
}
