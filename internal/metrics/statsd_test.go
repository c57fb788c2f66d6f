package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilStatsdDiscards(t *testing.T) {
	var s *Statsd
	s.Report(3, 10, 20)
	s.ReportFailed("transient")
	s.Sync("applied", 3)
	assert.NoError(t, s.Close())
}

func TestStatsdSends(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	s := NewStatsd(pc.LocalAddr().String(), "ssnode")
	s.Report(2, 100, 200)
	s.Sync("unchanged", 2)
	require.NoError(t, s.Close())

	var got strings.Builder
	buf := make([]byte, 64*1024)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !strings.Contains(got.String(), "ssnode.sync.cycles") {
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), "ssnode.report.ok:1|c")
}
