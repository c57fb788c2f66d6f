package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
	"github.com/bigbes/shadowsocks-panel-node/internal/metrics"
	"github.com/bigbes/shadowsocks-panel-node/internal/node"
	"github.com/bigbes/shadowsocks-panel-node/internal/outline"
	"github.com/bigbes/shadowsocks-panel-node/internal/porttracker"
	"github.com/bigbes/shadowsocks-panel-node/internal/ssserver"
	"github.com/bigbes/shadowsocks-panel-node/internal/statsdb"
	"github.com/bigbes/shadowsocks-panel-node/internal/status"
)

const logo = `
  ___ ___ _ __   ___   __| | ___ 
 / __/ __| '_ \ / _ \ / _' |/ _ \
 \__ \__ \ | | | (_) | (_| |  __/
 |___/___/_| |_|\___/ \__,_|\___|
   ~~ shadowsocks panel node ~~`

type Run struct {
	configFlag
}

func (r *Run) Run(logger *slog.Logger, version Version) error {
	cfg, err := config.Load(r.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	fmt.Println(logo)
	logger.Info("starting ssnode", "version", string(version), "node_id", cfg.NodeID, "api_host", cfg.APIHost)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	if obs := cfg.ObservabilityHTTP; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// net/http/pprof registers on DefaultServeMux.
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := node.Options{
		Engine:          ssserver.New(logger),
		EngineOptions:   engineOptions(cfg.Shadowsocks),
		SyncInterval:    cfg.SyncIntervalDuration(),
		ReportInterval:  cfg.ReportIntervalDuration(),
		ShutdownTimeout: cfg.ShutdownTimeoutDuration(),
		RefreshConfig:   !cfg.DisableConfigRefresh,
		ReservedPorts:   porttracker.Reserved(cfg),
		Logger:          logger,
	}
	opts.StartupRetry, opts.CycleRetry = retryPolicies(cfg.Retry)

	if opts.Panel, err = newPanelClient(cfg, logger); err != nil {
		return err
	}

	if cfg.StatsDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatsDB), 0o755); err != nil {
			return fmt.Errorf("creating stats directory: %w", err)
		}
		store, err := statsdb.Open(cfg.StatsDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SetDaemonStartTime(time.Now()); err != nil {
			logger.Warn("failed to record start time", "err", err)
		}
		opts.Journal = store
	}

	if cfg.Statsd.Addr != "" {
		opts.Statsd = metrics.NewStatsd(cfg.Statsd.Addr, cfg.Statsd.Prefix)
		defer opts.Statsd.Close()
	}

	var health status.Health
	if ss := cfg.Shadowsocks; ss.Relay != "" {
		logger.Info("relaying outbound traffic", "transport", config.RedactTransport(ss.Relay))
		if ss.RelayHealthCheck.Enabled {
			client, err := outline.NewClient(ss.Relay)
			if err != nil {
				return fmt.Errorf("creating relay client: %w", err)
			}
			monitor := outline.NewMonitor(client,
				time.Duration(ss.RelayHealthCheck.Interval)*time.Second,
				ss.RelayHealthCheck.Target, logger)
			go monitor.Run(ctx)
			health = monitor
		}
	}

	ctrl := node.New(opts)

	if cfg.StatusAddr != "" {
		srv := status.NewServer(cfg.StatusAddr, ctrl, health, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "err", err)
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil {
		logger.Error("node error", "err", err)
		return err
	}
	return nil
}
