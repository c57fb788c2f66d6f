package statsdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDaemonStartTime(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)
	if err := s.SetDaemonStartTime(now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDaemonStartTime()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Fatalf("got %v, want %v", got, now)
	}
}

func TestAddReported(t *testing.T) {
	s := testStore(t)
	t1 := time.Unix(1000, 0)
	t2 := time.Unix(2000, 0)

	if err := s.AddReported(traffic.Snapshot{
		{UserID: 1, Upload: 100, Download: 200},
		{UserID: 2, Upload: 5},
	}, t1); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReported(traffic.Snapshot{{UserID: 1, Upload: 1, Download: 2}}, t2); err != nil {
		t.Fatal(err)
	}

	recs, err := s.GetUserTraffic()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	want := UserRecord{UploadTotal: 101, DownloadTotal: 202, ReportsTotal: 2, LastReportUnix: 2000}
	if recs[1] != want {
		t.Fatalf("user 1: got %+v, want %+v", recs[1], want)
	}
	if recs[2].UploadTotal != 5 || recs[2].ReportsTotal != 1 || recs[2].LastReportUnix != 1000 {
		t.Fatalf("user 2: got %+v", recs[2])
	}
	if ids := SortedUserIDs(recs); !reflect.DeepEqual(ids, []int{1, 2}) {
		t.Fatalf("sorted ids: got %v", ids)
	}
}

func TestAddReportedEmpty(t *testing.T) {
	s := testStore(t)
	if err := s.AddReported(nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	recs, err := s.GetUserTraffic()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestPendingJournal(t *testing.T) {
	s := testStore(t)

	if err := s.SavePending(traffic.Snapshot{{UserID: 3, Upload: 10, Download: 20}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePending(traffic.Snapshot{
		{UserID: 1, Upload: 1},
		{UserID: 3, Upload: 5, Download: 5},
	}); err != nil {
		t.Fatal(err)
	}

	peek, err := s.GetPending()
	if err != nil {
		t.Fatal(err)
	}
	want := traffic.Snapshot{
		{UserID: 1, Upload: 1},
		{UserID: 3, Upload: 15, Download: 25},
	}
	if !reflect.DeepEqual(peek, want) {
		t.Fatalf("peek: got %+v, want %+v", peek, want)
	}

	got, err := s.TakePending()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("take: got %+v, want %+v", got, want)
	}

	again, err := s.TakePending()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("journal should be empty after take, got %+v", again)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SavePending(traffic.Snapshot{{UserID: 9, Download: 99}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.TakePending()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, traffic.Snapshot{{UserID: 9, Download: 99}}) {
		t.Fatalf("got %+v", got)
	}
}
