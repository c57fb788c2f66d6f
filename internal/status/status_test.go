package status

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbes/shadowsocks-panel-node/internal/node"
)

type staticSource struct{ st node.Status }

func (s staticSource) Status() node.Status { return s.st }

type staticHealth struct {
	ok bool
	at time.Time
}

func (h staticHealth) Healthy() bool        { return h.ok }
func (h staticHealth) LastCheck() time.Time { return h.at }

func testStatus() node.Status {
	return node.Status{
		State:           node.StateRunning,
		Uptime:          90 * time.Second,
		Port:            8388,
		Cipher:          "aes-256-gcm",
		AppliedUsers:    3,
		PendingUpload:   100,
		PendingDownload: 200,
		LastSync:        time.Unix(1700000000, 0),
		ReportFailures:  2,
	}
}

func TestFormat(t *testing.T) {
	out := Format(testStatus(), nil)
	assert.Contains(t, out, "state\trunning\n")
	assert.Contains(t, out, "uptime\t90\n")
	assert.Contains(t, out, "applied_users\t3\n")
	assert.Contains(t, out, "pending_download_bytes\t200\n")
	assert.Contains(t, out, "last_sync\t1700000000\n")
	assert.Contains(t, out, "last_report\t0\n")
	assert.NotContains(t, out, "relay_healthy")

	out = Format(testStatus(), staticHealth{ok: true, at: time.Unix(1700000100, 0)})
	assert.Contains(t, out, "relay_healthy\t1\n")
	assert.Contains(t, out, "relay_last_check\t1700000100\n")
}

func TestHandleStats(t *testing.T) {
	s := NewServer("127.0.0.1:0", staticSource{testStatus()}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "port\t8388\n")

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec = httptest.NewRecorder()
	s.handleStats(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/stats", nil)
	req.RemoteAddr = "[::1]:5555"
	rec = httptest.NewRecorder()
	s.handleStats(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ln.Addr().String(), staticSource{testStatus()}, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stats")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "cipher\taes-256-gcm\n")

	cancel()
	assert.NoError(t, <-done)
}
