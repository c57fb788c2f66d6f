// Package status serves a plain-text view of the node on a loopback address.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/node"
)

// Source provides the controller snapshot.
type Source interface {
	Status() node.Status
}

// Health reports relay health. It may be nil.
type Health interface {
	Healthy() bool
	LastCheck() time.Time
}

// Server serves node stats via HTTP. Only responds to requests from localhost.
type Server struct {
	source  Source
	health  Health
	httpSrv *http.Server
	logger  *slog.Logger
}

func NewServer(addr string, source Source, health Health, logger *slog.Logger) *Server {
	s := &Server{
		source: source,
		health: health,
		logger: logger.With("component", "status"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("status server listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(Format(s.source.Status(), s.health)))
}

// Format renders st as tab-separated key/value lines.
func Format(st node.Status, health Health) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state\t%s\n", st.State)
	fmt.Fprintf(&b, "uptime\t%d\n", int64(st.Uptime.Seconds()))
	fmt.Fprintf(&b, "port\t%d\n", st.Port)
	fmt.Fprintf(&b, "cipher\t%s\n", st.Cipher)
	fmt.Fprintf(&b, "applied_users\t%d\n", st.AppliedUsers)
	fmt.Fprintf(&b, "pending_upload_bytes\t%d\n", st.PendingUpload)
	fmt.Fprintf(&b, "pending_download_bytes\t%d\n", st.PendingDownload)
	fmt.Fprintf(&b, "last_sync\t%d\n", unix(st.LastSync))
	fmt.Fprintf(&b, "last_report\t%d\n", unix(st.LastReport))
	fmt.Fprintf(&b, "report_failures\t%d\n", st.ReportFailures)
	if health != nil {
		healthy := 0
		if health.Healthy() {
			healthy = 1
		}
		fmt.Fprintf(&b, "relay_healthy\t%d\n", healthy)
		fmt.Fprintf(&b, "relay_last_check\t%d\n", unix(health.LastCheck()))
	}
	return b.String()
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
