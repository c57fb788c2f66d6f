package commands

import (
	"log/slog"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
	"github.com/bigbes/shadowsocks-panel-node/internal/engine"
	"github.com/bigbes/shadowsocks-panel-node/internal/node"
	"github.com/bigbes/shadowsocks-panel-node/internal/panel"
)

// Version is the build version handed to commands.
type Version string

type configFlag struct {
	Config string `short:"c" help:"Path to config file (.yaml or .toml)." default:"configs/node.yaml" type:"path"`
}

func engineOptions(ss config.ShadowsocksConfig) engine.Options {
	return engine.Options{
		Mode:               engine.Mode(ss.Mode),
		Timeout:            time.Duration(ss.Timeout) * time.Second,
		UDPTimeout:         time.Duration(ss.UDPTimeout) * time.Second,
		NoDelay:            ss.NoDelay,
		FastOpen:           ss.FastOpen,
		KeepAlive:          time.Duration(ss.KeepAlive) * time.Second,
		MPTCP:              ss.MPTCP,
		UDPMTU:             ss.UDPMTU,
		UDPMaxAssociations: ss.UDPMaxAssociations,
		DNS:                ss.DNS,
		IPv6First:          ss.IPv6First,
		Relay:              ss.Relay,
	}
}

func retryPolicies(r config.RetryConfig) (startup, cycle node.RetryPolicy) {
	startup = node.RetryPolicy{
		MaxAttempts:     r.StartupMaxAttempts,
		InitialInterval: r.InitialInterval(),
		MaxInterval:     r.MaxInterval(),
	}
	cycle = startup
	cycle.MaxAttempts = r.MaxAttempts
	return startup, cycle
}

func newPanelClient(cfg *config.Config, logger *slog.Logger) (*panel.Client, error) {
	return panel.NewClient(panel.Options{
		APIHost: cfg.APIHost,
		NodeID:  cfg.NodeID,
		Token:   cfg.Key,
		Timeout: cfg.TimeoutDuration(),
		Logger:  logger,
	})
}
