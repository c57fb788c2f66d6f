package metrics

import (
	"github.com/smira/go-statsd"
)

// Statsd pushes report events to a statsd daemon. A nil *Statsd is valid
// and discards everything.
type Statsd struct {
	client *statsd.Client
}

// NewStatsd creates a sink sending to addr. Metric names get prefix.
func NewStatsd(addr, prefix string) *Statsd {
	if prefix != "" && prefix[len(prefix)-1] != '.' {
		prefix += "."
	}
	return &Statsd{
		client: statsd.NewClient(addr,
			statsd.MetricPrefix(prefix),
			statsd.TagStyle(statsd.TagFormatInfluxDB),
		),
	}
}

// Report records one delivered traffic report.
func (s *Statsd) Report(users int, upload, download uint64) {
	if s == nil {
		return
	}
	s.client.Incr("report.ok", 1)
	s.client.Gauge("report.users", int64(users))
	s.client.Incr("report.bytes", int64(upload), statsd.StringTag("direction", "upload"))
	s.client.Incr("report.bytes", int64(download), statsd.StringTag("direction", "download"))
}

// ReportFailed records a failed traffic report.
func (s *Statsd) ReportFailed(kind string) {
	if s == nil {
		return
	}
	s.client.Incr("report.failed", 1, statsd.StringTag("kind", kind))
}

// Sync records a finished sync cycle.
func (s *Statsd) Sync(result string, applied int) {
	if s == nil {
		return
	}
	s.client.Incr("sync.cycles", 1, statsd.StringTag("result", result))
	s.client.Gauge("sync.users", int64(applied))
}

// Close flushes pending metrics.
func (s *Statsd) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
