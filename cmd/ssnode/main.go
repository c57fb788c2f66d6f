package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/bigbes/shadowsocks-panel-node/cmd/ssnode/commands"
)

var version = "dev"

type cli struct {
	Version kong.VersionFlag `help:"Print version and exit."`

	Run   commands.Run   `cmd:"" default:"withargs" help:"Start the node."`
	Init  commands.Init  `cmd:"" help:"Write a new node config."`
	Check commands.Check `cmd:"" help:"Fetch the node config and users once and print a summary."`
	Stats commands.Stats `cmd:"" help:"Print cumulative per-user traffic from the stats database."`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var c cli
	ctx := kong.Parse(&c,
		kong.Name("ssnode"),
		kong.Description("Shadowsocks node driven by a v2board-compatible panel."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(logger, commands.Version(version)))
}
