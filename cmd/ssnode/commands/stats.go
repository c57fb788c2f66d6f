package commands

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/config"
	"github.com/bigbes/shadowsocks-panel-node/internal/statsdb"
)

type Stats struct {
	configFlag
}

func (s *Stats) Run(logger *slog.Logger) error {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.StatsDB == "" {
		return fmt.Errorf("stats_db is not configured")
	}
	if _, err := os.Stat(cfg.StatsDB); err != nil {
		return fmt.Errorf("stats database: %w", err)
	}

	store, err := statsdb.Open(cfg.StatsDB, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if started, err := store.GetDaemonStartTime(); err == nil && !started.IsZero() {
		fmt.Printf("Last start: %s\n\n", started.Format(time.RFC3339))
	}

	recs, err := store.GetUserTraffic()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tUPLOAD\tDOWNLOAD\tREPORTS\tLAST REPORT")
	for _, id := range statsdb.SortedUserIDs(recs) {
		r := recs[id]
		last := "-"
		if r.LastReportUnix > 0 {
			last = time.Unix(r.LastReportUnix, 0).Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", id, r.UploadTotal, r.DownloadTotal, r.ReportsTotal, last)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	pending, err := store.GetPending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		up, down := pending.Total()
		fmt.Printf("\nPending (not yet reported): %d users, %d bytes up, %d bytes down\n", len(pending), up, down)
	}
	return nil
}
