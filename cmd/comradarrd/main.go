// SPDX-License-Identifier: MIT

// Command comradarrd is the control-plane daemon for a fleet of Sonarr,
// Radarr and Whisparr instances: it mirrors their libraries, tracks missing
// and upgradable content in a durable search registry, and dispatches
// batched searches under per-connector rate budgets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comradarr/comradarr/internal/api"
	"github.com/comradarr/comradarr/internal/batch"
	"github.com/comradarr/comradarr/internal/config"
	"github.com/comradarr/comradarr/internal/daemon"
	"github.com/comradarr/comradarr/internal/dispatch"
	"github.com/comradarr/comradarr/internal/health"
	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/reconnect"
	"github.com/comradarr/comradarr/internal/registry"
	"github.com/comradarr/comradarr/internal/scheduler"
	"github.com/comradarr/comradarr/internal/secrets"
	"github.com/comradarr/comradarr/internal/store"
	"github.com/comradarr/comradarr/internal/throttle"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("comradarrd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{Service: "comradarr"})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().Err(err).Msg("startup checks failed")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open store")
	}

	connectorCount, err := st.CountConnectors(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to count connectors")
	}
	if err := cfg.Validate(connectorCount > 0); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	var sec secrets.Provider
	if len(cfg.SecretKey) == 32 {
		sec, err = secrets.NewAESProvider(cfg.SecretKey, st)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise secrets provider")
		}
	} else {
		// No key configured and no connectors yet; dispatch has nothing to do
		// until both exist.
		sec = secrets.StaticProvider{}
	}

	enf := throttle.New(st)
	reg := registry.New(st, cfg.CooldownTierHours)
	rec := reconnect.New(st, sec,
		reconnect.WithBackoffShape(cfg.ReconnectShape()),
		reconnect.WithHealthThresholds(cfg.SyncDegradedThreshold, cfg.SyncUnhealthyThreshold),
	)
	disp := dispatch.New(st, enf, reg, sec,
		dispatch.WithBatchConfig(batch.Config{
			MinMissingCount:      cfg.SeasonSearchMinMissingCount,
			MinMissingPercent:    cfg.SeasonSearchMinMissingPct,
			MaxEpisodesPerSearch: cfg.MaxEpisodesPerSearch,
			MaxMoviesPerSearch:   cfg.MaxMoviesPerSearch,
		}),
		dispatch.WithSelectionLimit(cfg.DispatchSelectionLimit),
	)

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewStoreChecker(st))
	hm.RegisterChecker(health.NewFleetChecker(st))

	srv := api.New(st, enf, reg, rec, disp, hm,
		api.WithVersion(version),
		api.WithInlineMetrics(cfg.MetricsAddr == ""),
	)

	sched := scheduler.New(
		scheduler.Job{
			Name:     "throttle-reset",
			Interval: cfg.ThrottleTick,
			Run: func(ctx context.Context) error {
				_, err := enf.ResetExpiredWindows(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     "reconnect-sweep",
			Interval: cfg.ReconnectTick,
			Run: func(ctx context.Context) error {
				_, err := rec.ProcessDue(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     "dispatch-pass",
			Interval: cfg.DispatchTick,
			Run: func(ctx context.Context) error {
				disp.RunAll(ctx)
				return nil
			},
		},
		scheduler.Job{
			Name:     "registry-discover",
			Interval: 6 * cfg.DispatchTick,
			Jitter:   time.Second,
			Run: func(ctx context.Context) error {
				connectors, err := st.DispatchableConnectors(ctx)
				if err != nil {
					return err
				}
				for _, c := range connectors {
					if _, err := reg.Discover(ctx, c.ID); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)

	mgr := daemon.New(daemon.Config{
		ListenAddr:  cfg.ListenAddr,
		MetricsAddr: cfg.MetricsAddr,
	}, srv.Router(), sched, daemon.WithMetricsHandler(promhttp.Handler()))

	mgr.RegisterShutdownHook("store", func(context.Context) error {
		return st.Close()
	})

	logger.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Int("connectors", connectorCount).
		Msg("comradarrd starting")

	if err := mgr.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}
