package statsdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

// Store is a SQLite-backed persistent stats store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS daemon (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  start_time_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_traffic (
  user_id INTEGER PRIMARY KEY,
  upload_total INTEGER NOT NULL DEFAULT 0,
  download_total INTEGER NOT NULL DEFAULT 0,
  reports_total INTEGER NOT NULL DEFAULT 0,
  last_report_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_traffic (
  user_id INTEGER PRIMARY KEY,
  upload INTEGER NOT NULL DEFAULT 0,
  download INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}

// SetDaemonStartTime records the daemon start time (upsert, id=1).
func (s *Store) SetDaemonStartTime(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon (id, start_time_unix) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET start_time_unix = excluded.start_time_unix`,
		t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statsdb: set daemon start time: %w", err)
	}
	return nil
}

// GetDaemonStartTime returns the stored daemon start time.
func (s *Store) GetDaemonStartTime() (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(`SELECT start_time_unix FROM daemon WHERE id = 1`).Scan(&unix)
	if err != nil {
		return time.Time{}, fmt.Errorf("statsdb: get daemon start time: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// AddReported accumulates a snapshot the panel accepted into the per-user totals.
func (s *Store) AddReported(snap traffic.Snapshot, at time.Time) error {
	if len(snap) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO user_traffic (user_id, upload_total, download_total, reports_total, last_report_unix)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   upload_total = upload_total + excluded.upload_total,
		   download_total = download_total + excluded.download_total,
		   reports_total = reports_total + 1,
		   last_report_unix = excluded.last_report_unix`)
	if err != nil {
		return fmt.Errorf("statsdb: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range snap {
		if _, err := stmt.Exec(e.UserID, int64(e.Upload), int64(e.Download), at.Unix()); err != nil {
			return fmt.Errorf("statsdb: upsert user %d: %w", e.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statsdb: commit reported: %w", err)
	}
	return nil
}

// SavePending adds an undelivered snapshot to the pending journal.
func (s *Store) SavePending(snap traffic.Snapshot) error {
	if len(snap) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO pending_traffic (user_id, upload, download) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   upload = upload + excluded.upload,
		   download = download + excluded.download`)
	if err != nil {
		return fmt.Errorf("statsdb: prepare pending upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range snap {
		if _, err := stmt.Exec(e.UserID, int64(e.Upload), int64(e.Download)); err != nil {
			return fmt.Errorf("statsdb: save pending user %d: %w", e.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statsdb: commit pending: %w", err)
	}
	return nil
}

// TakePending returns the pending journal and empties it in one transaction.
func (s *Store) TakePending() (traffic.Snapshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	snap, err := queryPending(tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM pending_traffic`); err != nil {
		return nil, fmt.Errorf("statsdb: clear pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("statsdb: commit take pending: %w", err)
	}
	return snap, nil
}

// GetPending returns the pending journal without modifying it.
func (s *Store) GetPending() (traffic.Snapshot, error) {
	return queryPending(s.db)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryPending(q querier) (traffic.Snapshot, error) {
	rows, err := q.Query(`SELECT user_id, upload, download FROM pending_traffic ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query pending: %w", err)
	}
	defer rows.Close()

	var snap traffic.Snapshot
	for rows.Next() {
		var id int
		var up, down int64
		if err := rows.Scan(&id, &up, &down); err != nil {
			return nil, fmt.Errorf("statsdb: scan pending: %w", err)
		}
		snap = append(snap, traffic.Entry{UserID: id, Upload: uint64(up), Download: uint64(down)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate pending: %w", err)
	}
	return snap, nil
}

// GetUserTraffic returns all persisted per-user totals keyed by user id.
func (s *Store) GetUserTraffic() (map[int]UserRecord, error) {
	rows, err := s.db.Query(
		`SELECT user_id, upload_total, download_total, reports_total, last_report_unix
		 FROM user_traffic`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query users: %w", err)
	}
	defer rows.Close()

	out := make(map[int]UserRecord)
	for rows.Next() {
		var id int
		var r UserRecord
		var up, down int64
		if err := rows.Scan(&id, &up, &down, &r.ReportsTotal, &r.LastReportUnix); err != nil {
			return nil, fmt.Errorf("statsdb: scan user: %w", err)
		}
		r.UploadTotal, r.DownloadTotal = uint64(up), uint64(down)
		out[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate users: %w", err)
	}
	return out, nil
}

// SortedUserIDs returns the keys of recs in ascending order.
func SortedUserIDs(recs map[int]UserRecord) []int {
	ids := make([]int, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
