package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
)

type Init struct {
	configFlag
	APIHost string `name:"api-host" required:"" help:"Panel URL, e.g. https://panel.example.com."`
	NodeID  int    `name:"node-id" required:"" help:"Node id assigned by the panel."`
	Key     string `required:"" help:"Panel communication token."`
	Relay   string `help:"Optional outline transport URI (ss://...) for outbound traffic."`
	Force   bool   `help:"Overwrite an existing config."`
}

func (i *Init) Run(logger *slog.Logger) error {
	if _, err := os.Stat(i.Config); err == nil && !i.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", i.Config)
	}

	cfg := &config.Config{
		APIHost: i.APIHost,
		NodeID:  i.NodeID,
		Key:     i.Key,
		Shadowsocks: config.ShadowsocksConfig{
			Mode:  "tcp_and_udp",
			Relay: i.Relay,
		},
	}

	if err := os.MkdirAll(filepath.Dir(i.Config), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := cfg.Save(i.Config); err != nil {
		return err
	}
	if _, err := config.Load(i.Config); err != nil {
		logger.Warn("written config does not load", "path", i.Config, "err", err)
		return err
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config:   %s\n", i.Config)
	fmt.Printf("API host: %s\n", i.APIHost)
	fmt.Printf("Node ID:  %d\n", i.NodeID)
	if i.Relay != "" {
		fmt.Printf("Relay:    %s\n", config.RedactTransport(i.Relay))
	}
	fmt.Println()
	fmt.Printf("Run 'ssnode check -c %s' to verify the panel connection.\n", i.Config)
	return nil
}
