// Package node runs the control loop that keeps a proxy engine's users and
// traffic accounting in sync with the panel.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigbes/shadowsocks-panel-node/internal/engine"
	"github.com/bigbes/shadowsocks-panel-node/internal/keys"
	"github.com/bigbes/shadowsocks-panel-node/internal/metrics"
	"github.com/bigbes/shadowsocks-panel-node/internal/panel"
	"github.com/bigbes/shadowsocks-panel-node/internal/reconcile"
	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const (
	// DefaultInterval is used when neither the local config nor the panel
	// sets a sync or report interval.
	DefaultInterval        = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	defaultCycleAttempts   = 3
)

// Panel is the subset of the panel client the controller uses.
type Panel interface {
	FetchConfig(ctx context.Context) (*panel.ServerConfig, error)
	FetchUsers(ctx context.Context) ([]panel.User, error)
	ReportTraffic(ctx context.Context, snap traffic.Snapshot) error
}

// Journal persists traffic outside the process.
type Journal interface {
	TakePending() (traffic.Snapshot, error)
	SavePending(snap traffic.Snapshot) error
	AddReported(snap traffic.Snapshot, at time.Time) error
}

// Options configures a Controller.
type Options struct {
	Panel  Panel
	Engine engine.Engine
	// Accumulator defaults to traffic.New().
	Accumulator *traffic.Accumulator
	// Journal is optional.
	Journal Journal
	// Statsd is optional.
	Statsd *metrics.Statsd

	EngineOptions engine.Options

	// SyncInterval and ReportInterval override the panel's intervals.
	SyncInterval    time.Duration
	ReportInterval  time.Duration
	ShutdownTimeout time.Duration

	StartupRetry RetryPolicy
	CycleRetry   RetryPolicy
	// ReservedPorts maps ports taken by local listeners to their owner. A
	// panel config assigning one of them is a ConfigError.
	ReservedPorts map[int]string

	// RefreshConfig enables polling the node config on every sync cycle and
	// restarting the engine when it changes.
	RefreshConfig bool

	Logger *slog.Logger
}

// Controller drives a proxy engine from the panel.
type Controller struct {
	panel   Panel
	engine  engine.Engine
	acc     *traffic.Accumulator
	journal Journal
	statsd  *metrics.Statsd
	engOpts engine.Options
	logger  *slog.Logger

	syncInterval    time.Duration
	reportInterval  time.Duration
	shutdownTimeout time.Duration
	startupRetry    RetryPolicy
	cycleRetry      RetryPolicy
	refreshConfig   bool
	reserved        map[int]string

	// Owned by Run: the start phase, then the sync loop, then shutdown.
	inst      engine.Instance
	cfg       engine.Config
	keyLen    int
	applied   map[int]reconcile.User
	lastUsers []panel.User
	dirty     bool
	// pendingCfg is a panel config that was fetched but not applied. The
	// panel answers 304 for it from then on, so it is retried from here.
	pendingCfg *panel.ServerConfig

	state          atomic.Int32
	createdAt      time.Time
	current        atomic.Pointer[engine.Config]
	appliedCount   atomic.Int64
	lastSync       atomic.Int64
	lastReport     atomic.Int64
	reportFailures atomic.Int64
}

// New creates a Controller.
func New(opts Options) *Controller {
	acc := opts.Accumulator
	if acc == nil {
		acc = traffic.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	cycleRetry := opts.CycleRetry
	if cycleRetry.MaxAttempts <= 0 {
		cycleRetry.MaxAttempts = defaultCycleAttempts
	}

	return &Controller{
		panel:           opts.Panel,
		engine:          opts.Engine,
		acc:             acc,
		journal:         opts.Journal,
		statsd:          opts.Statsd,
		engOpts:         opts.EngineOptions,
		logger:          logger.With("component", "node"),
		syncInterval:    opts.SyncInterval,
		reportInterval:  opts.ReportInterval,
		shutdownTimeout: shutdownTimeout,
		startupRetry:    opts.StartupRetry,
		cycleRetry:      cycleRetry,
		refreshConfig:   opts.RefreshConfig,
		reserved:        opts.ReservedPorts,
		applied:         make(map[int]reconcile.User),
		createdAt:       time.Now(),
	}
}

// Accumulator returns the traffic accumulator fed by the engine.
func (c *Controller) Accumulator() *traffic.Accumulator {
	return c.acc
}

// Run starts the engine and keeps it in sync until ctx is cancelled or a
// fatal error occurs. The engine is always stopped and pending traffic
// flushed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateStarting)

	c.replayJournal()

	if err := c.start(ctx); err != nil {
		c.persistPending(c.acc.Drain())
		c.setState(StateStopped)
		return err
	}

	c.setState(StateRunning)
	c.logger.Info("node running",
		"port", c.cfg.Port, "cipher", c.cfg.Cipher, "users", len(c.applied),
		"sync_interval", c.syncInterval, "report_interval", c.reportInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.syncLoop(gctx) })
	g.Go(func() error { return c.reportLoop(gctx) })
	runErr := g.Wait()

	c.setState(StateStopping)
	c.shutdown()
	c.setState(StateStopped)
	return runErr
}

func (c *Controller) replayJournal() {
	if c.journal == nil {
		return
	}
	snap, err := c.journal.TakePending()
	if err != nil {
		c.logger.Warn("failed to read pending traffic journal", "err", err)
		return
	}
	if len(snap) == 0 {
		return
	}
	c.acc.Restore(snap)
	up, down := snap.Total()
	c.logger.Info("restored pending traffic from journal", "users", len(snap), "upload", up, "download", down)
}

func (c *Controller) start(ctx context.Context) error {
	sc, err := withRetry(ctx, c.startupRetry, c.logger, "fetch config", c.panel.FetchConfig)
	if err != nil {
		return fmt.Errorf("fetching node config: %w", err)
	}
	cfg, keyLen, err := c.buildConfig(sc)
	if err != nil {
		return err
	}

	c.syncInterval = pick(c.syncInterval, sc.BaseConfig.PullPeriod(DefaultInterval))
	c.reportInterval = pick(c.reportInterval, sc.BaseConfig.PushPeriod(DefaultInterval))

	fetched, err := withRetry(ctx, c.startupRetry, c.logger, "fetch users", c.panel.FetchUsers)
	if err != nil {
		return fmt.Errorf("fetching users: %w", err)
	}
	users, bad := prepareUsers(fetched, keyLen)
	if len(bad) > 0 {
		return errors.Join(bad...)
	}

	inst, err := c.startEngine(cfg, users)
	if err != nil {
		return err
	}

	c.inst, c.cfg, c.keyLen = inst, cfg, keyLen
	c.current.Store(&cfg)
	c.lastUsers = fetched
	for _, u := range users {
		c.applied[u.ID] = u
	}
	c.setApplied()
	c.lastSync.Store(time.Now().Unix())
	return nil
}

func pick(local, remote time.Duration) time.Duration {
	if local > 0 {
		return local
	}
	return remote
}

func (c *Controller) buildConfig(sc *panel.ServerConfig) (engine.Config, int, error) {
	if sc.ServerPort <= 0 || sc.ServerPort > 65535 {
		return engine.Config{}, 0, &ConfigError{Err: fmt.Errorf("server port %d out of range", sc.ServerPort)}
	}
	if owner, ok := c.reserved[sc.ServerPort]; ok {
		return engine.Config{}, 0, &ConfigError{Err: fmt.Errorf("server port %d is used by the %s listener", sc.ServerPort, owner)}
	}
	cipher := keys.NormalizeCipher(sc.Cipher)
	keyLen, err := keys.KeyLength(cipher)
	if err != nil {
		return engine.Config{}, 0, &ConfigError{Err: err}
	}
	if !c.engine.Supports(cipher) {
		return engine.Config{}, 0, &ConfigError{
			Err: fmt.Errorf("%w: %q is not served by the %s engine", keys.ErrUnsupportedCipher, cipher, c.engine.Name()),
		}
	}
	if keys.Is2022(cipher) {
		if _, err := keys.DecodeServerKey(cipher, sc.ServerKey); err != nil {
			return engine.Config{}, 0, &ConfigError{Err: err}
		}
	}
	return engine.Config{
		Port:      sc.ServerPort,
		Cipher:    cipher,
		ServerKey: sc.ServerKey,
		Options:   c.engOpts,
	}, keyLen, nil
}

// prepareUsers derives keys for fetched users. Users whose secret cannot
// produce a key are returned as errors and left out.
func prepareUsers(fetched []panel.User, keyLen int) ([]reconcile.User, []error) {
	users := make([]reconcile.User, 0, len(fetched))
	seen := make(map[int]struct{}, len(fetched))
	var bad []error
	for _, u := range fetched {
		// First occurrence wins, as in reconcile.Diff.
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		key, err := keys.Derive(u.UUID, keyLen)
		if err != nil {
			bad = append(bad, &ConfigError{UserID: u.ID, Err: err})
			continue
		}
		users = append(users, reconcile.User{ID: u.ID, Secret: u.UUID, Key: key})
	}
	return users, bad
}

func (c *Controller) startEngine(cfg engine.Config, users []reconcile.User) (engine.Instance, error) {
	eu := make([]engine.User, len(users))
	for i, u := range users {
		eu[i] = engine.User{ID: u.ID, Key: u.Key}
	}
	inst, err := c.engine.Start(cfg, eu, c.acc.Record)
	if err != nil {
		return nil, &engine.Error{Op: "start", Err: err}
	}
	return inst, nil
}

func (c *Controller) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.syncOnce(ctx); err != nil {
				c.logger.Error("user sync failed fatally", "err", err)
				return err
			}
		}
	}
}

// syncOnce runs one sync cycle. Only fatal errors are returned.
func (c *Controller) syncOnce(ctx context.Context) error {
	if c.refreshConfig {
		if err := c.refreshNodeConfig(ctx); err != nil {
			return err
		}
	}

	fetched, err := withRetry(ctx, c.cycleRetry, c.logger, "fetch users", c.panel.FetchUsers)
	switch {
	case errors.Is(err, panel.ErrNotModified):
		if !c.dirty {
			c.recordSync("unchanged")
			return nil
		}
		fetched = c.lastUsers
	case panel.IsRejected(err):
		c.recordSync("failed")
		return fmt.Errorf("fetching users: %w", err)
	case err != nil:
		c.logger.Warn("user sync skipped", "err", err)
		c.recordSync("skipped")
		return nil
	}
	c.lastUsers = fetched

	users, bad := prepareUsers(fetched, c.keyLen)
	for _, err := range bad {
		c.logger.Warn("skipping user with invalid secret", "err", err)
	}

	diff := reconcile.Diff(c.applied, users)
	if diff.Empty() {
		c.dirty = false
		c.recordSync("unchanged")
		return nil
	}
	c.apply(diff)
	c.recordSync("applied")
	return nil
}

// apply registers diff with the engine, removals first. A failed removal
// keeps the user applied and suppresses its re-add, so the old key is never
// left registered next to a new one. Failed operations are retried by the
// next cycle.
func (c *Controller) apply(diff reconcile.Result) {
	var removed, added, failed int
	keep := make(map[int]struct{})

	for _, id := range diff.ToRemove {
		if err := c.inst.RemoveUser(id); err != nil {
			failed++
			keep[id] = struct{}{}
			metrics.UserOpsTotal.WithLabelValues("remove", "error").Inc()
			c.logger.Error("failed to remove user", "err", &engine.Error{Op: "remove", UserID: id, Err: err})
			continue
		}
		delete(c.applied, id)
		c.acc.Retire(id)
		removed++
		metrics.UserOpsTotal.WithLabelValues("remove", "ok").Inc()
	}

	for _, u := range diff.ToAdd {
		if _, ok := keep[u.ID]; ok {
			continue
		}
		if err := c.inst.AddUser(u.ID, u.Key); err != nil {
			failed++
			metrics.UserOpsTotal.WithLabelValues("add", "error").Inc()
			c.logger.Error("failed to add user", "err", &engine.Error{Op: "add", UserID: u.ID, Err: err})
			continue
		}
		c.applied[u.ID] = u
		added++
		metrics.UserOpsTotal.WithLabelValues("add", "ok").Inc()
	}

	c.dirty = failed > 0
	c.setApplied()
	c.logger.Info("users synced",
		"added", added, "removed", removed, "failed", failed, "total", len(c.applied))
}

func (c *Controller) refreshNodeConfig(ctx context.Context) error {
	sc, err := c.panel.FetchConfig(ctx)
	switch {
	case errors.Is(err, panel.ErrNotModified):
		if c.pendingCfg == nil {
			return nil
		}
		sc = c.pendingCfg
	case panel.IsRejected(err):
		return fmt.Errorf("fetching node config: %w", err)
	case err != nil:
		c.logger.Warn("node config refresh skipped", "err", err)
		return nil
	}
	c.pendingCfg = nil

	cfg, keyLen, err := c.buildConfig(sc)
	if err != nil {
		c.logger.Error("ignoring invalid node config from panel", "err", err)
		c.pendingCfg = sc
		return nil
	}
	if cfg.Same(c.cfg) {
		return nil
	}
	if err := c.restart(cfg, keyLen); err != nil {
		return err
	}
	if !cfg.Same(c.cfg) {
		c.pendingCfg = sc
	}
	return nil
}

// restart replaces the running instance with one serving cfg. If the new
// instance fails to start, the previous config is brought back.
func (c *Controller) restart(cfg engine.Config, keyLen int) error {
	c.logger.Info("node config changed, restarting engine",
		"port", cfg.Port, "cipher", cfg.Cipher, "old_port", c.cfg.Port, "old_cipher", c.cfg.Cipher)

	users, bad := prepareUsers(c.lastUsers, keyLen)
	for _, err := range bad {
		c.logger.Warn("skipping user with invalid secret", "err", err)
	}

	if err := c.inst.Stop(); err != nil {
		c.logger.Warn("failed to stop engine", "err", err)
	}

	inst, err := c.startEngine(cfg, users)
	if err != nil {
		c.logger.Error("engine restart failed, restoring previous config", "err", err)
		prev := make([]reconcile.User, 0, len(c.applied))
		for _, u := range c.applied {
			prev = append(prev, u)
		}
		inst, err2 := c.startEngine(c.cfg, prev)
		if err2 != nil {
			return &engine.Error{Op: "restart", Err: errors.Join(err, err2)}
		}
		c.inst = inst
		return nil
	}

	next := make(map[int]reconcile.User, len(users))
	for _, u := range users {
		next[u.ID] = u
	}
	for id := range c.applied {
		if _, ok := next[id]; !ok {
			c.acc.Retire(id)
		}
	}

	c.inst, c.cfg, c.keyLen, c.applied = inst, cfg, keyLen, next
	c.current.Store(&cfg)
	c.dirty = false
	c.setApplied()
	metrics.EngineRestarts.Inc()
	return nil
}

func (c *Controller) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// An in-flight report is allowed to finish on shutdown; the
			// client timeout still bounds it.
			c.reportOnce(context.WithoutCancel(ctx))
		}
	}
}

// reportOnce drains the accumulator and pushes it to the panel. On failure
// the snapshot is restored so it is retried by the next cycle.
func (c *Controller) reportOnce(ctx context.Context) {
	snap := c.acc.Drain()
	if len(snap) == 0 {
		c.updatePending()
		return
	}

	if err := c.panel.ReportTraffic(ctx, snap); err != nil {
		c.acc.Restore(snap)
		c.updatePending()
		kind := panel.Transient.String()
		if panel.IsRejected(err) {
			kind = panel.Rejected.String()
		}
		c.reportFailures.Add(1)
		metrics.ReportsTotal.WithLabelValues(kind).Inc()
		c.statsd.ReportFailed(kind)
		c.logger.Warn("traffic report failed, will retry", "users", len(snap), "kind", kind, "err", err)
		return
	}
	c.delivered(snap)
	c.updatePending()
}

func (c *Controller) delivered(snap traffic.Snapshot) {
	now := time.Now()
	up, down := snap.Total()
	c.lastReport.Store(now.Unix())
	metrics.ReportsTotal.WithLabelValues("ok").Inc()
	metrics.ReportedBytesTotal.WithLabelValues("upload").Add(float64(up))
	metrics.ReportedBytesTotal.WithLabelValues("download").Add(float64(down))
	c.statsd.Report(len(snap), up, down)
	c.logger.Debug("traffic reported", "users", len(snap), "upload", up, "download", down)

	if c.journal != nil {
		if err := c.journal.AddReported(snap, now); err != nil {
			c.logger.Warn("failed to record reported traffic", "err", err)
		}
	}
}

func (c *Controller) shutdown() {
	if c.inst != nil {
		if err := c.inst.Stop(); err != nil {
			c.logger.Warn("failed to stop engine", "err", err)
		}
	}

	snap := c.acc.Drain()
	if len(snap) == 0 {
		c.logger.Info("node stopped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	if err := c.panel.ReportTraffic(ctx, snap); err != nil {
		c.logger.Warn("final traffic report failed", "users", len(snap), "err", err)
		c.persistPending(snap)
		return
	}
	c.delivered(snap)
	c.logger.Info("node stopped", "final_report_users", len(snap))
}

// persistPending writes undelivered traffic to the journal so the next run
// reports it. Without a journal the bytes are kept in memory only.
func (c *Controller) persistPending(snap traffic.Snapshot) {
	if len(snap) == 0 {
		return
	}
	if c.journal == nil {
		c.acc.Restore(snap)
		return
	}
	if err := c.journal.SavePending(snap); err != nil {
		c.acc.Restore(snap)
		c.logger.Error("failed to save pending traffic", "users", len(snap), "err", err)
		return
	}
	c.logger.Info("pending traffic saved to journal", "users", len(snap))
}

func (c *Controller) recordSync(result string) {
	c.lastSync.Store(time.Now().Unix())
	metrics.SyncCyclesTotal.WithLabelValues(result).Inc()
	c.statsd.Sync(result, len(c.applied))
}

func (c *Controller) setApplied() {
	c.appliedCount.Store(int64(len(c.applied)))
	metrics.UsersApplied.Set(float64(len(c.applied)))
}

func (c *Controller) updatePending() {
	up, down := c.acc.Pending()
	metrics.PendingBytes.WithLabelValues("upload").Set(float64(up))
	metrics.PendingBytes.WithLabelValues("download").Set(float64(down))
}
