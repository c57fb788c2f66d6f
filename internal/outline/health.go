package outline

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/metrics"
)

const checkTimeout = 10 * time.Second

// StreamDialer is the part of Dialer the health monitor needs.
type StreamDialer interface {
	DialStream(ctx context.Context, addr string) (net.Conn, error)
}

// Monitor periodically dials a target through the relay and records whether
// it succeeded.
type Monitor struct {
	dialer   StreamDialer
	interval time.Duration
	target   string
	logger   *slog.Logger
	healthy  atomic.Bool
	checked  atomic.Int64
}

func NewMonitor(dialer StreamDialer, interval time.Duration, target string, logger *slog.Logger) *Monitor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if target == "" {
		target = "1.1.1.1:80"
	}
	return &Monitor{dialer: dialer, interval: interval, target: target, logger: logger}
}

// Run checks the relay until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Healthy reports the result of the last check. It is false before the first
// check completes.
func (m *Monitor) Healthy() bool { return m.healthy.Load() }

// LastCheck returns when the last check finished, or the zero time.
func (m *Monitor) LastCheck() time.Time {
	if ts := m.checked.Load(); ts != 0 {
		return time.Unix(0, ts)
	}
	return time.Time{}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	conn, err := m.dialer.DialStream(checkCtx, m.target)
	first := m.checked.Swap(time.Now().UnixNano()) == 0
	if err != nil {
		if m.healthy.Swap(false) || first {
			m.logger.Warn("relay health check failed", "target", m.target, "err", err)
		}
		metrics.RelayHealthy.Set(0)
		return
	}
	conn.Close()

	if !m.healthy.Swap(true) {
		m.logger.Info("relay healthy", "target", m.target)
	}
	metrics.RelayHealthy.Set(1)
}
