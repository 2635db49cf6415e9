// File: internal/ledger/store.go
// Brief: sqlite persistence for ledgers, events, and the prefix lock.

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/example/pmpm/internal/manifest"
)

// StoreRelPath is where the ledger lives inside an installation prefix.
const StoreRelPath = ".pmpm/ledger.sqlite"

// StorePath returns the ledger database path for prefix.
func StorePath(prefix string) string {
	return filepath.Join(prefix, StoreRelPath)
}

// Exists reports whether prefix already carries a ledger.
func Exists(prefix string) bool {
	fi, err := os.Stat(StorePath(prefix))
	return err == nil && !fi.IsDir()
}

// RunMeta describes a run beyond its package list.
type RunMeta struct {
	Manifest  string `json:"manifest"`
	Mode      string `json:"mode"`
	Variant   string `json:"variant"`
	UserAgent string `json:"userAgent"`
}

// RunInfo is one row of the run index.
type RunInfo struct {
	RunID     string    `json:"runId"`
	Status    string    `json:"status"`
	Manifest  string    `json:"manifest"`
	Mode      string    `json:"mode"`
	Variant   string    `json:"variant"`
	UserAgent string    `json:"userAgent,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Totals    Totals    `json:"totals"`
}

// Outcome is the last attempted result recorded for a package.
type Outcome struct {
	RunID       string
	Status      Status
	Fingerprint string
	At          time.Time
}

// Lock is the single prefix lock row.
type Lock struct {
	Owner      string    `json:"owner"`
	RunID      string    `json:"runId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LockedError reports a live lock held by someone else.
type LockedError struct {
	Lock Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("prefix locked by %s (run %s) until %s", e.Lock.Owner, e.Lock.RunID, e.Lock.ExpiresAt.Format(time.RFC3339))
}

// Store is the sqlite-backed ledger database.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens the ledger under prefix, creating it unless readOnly.
func Open(prefix string, readOnly bool) (*Store, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, errors.New("ledger: prefix is required")
	}
	absPrefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, err
	}
	path := StorePath(absPrefix)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create ledger dir")
		}
	}

	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_pragma", "busy_timeout(5000)")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	s := &Store{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS pmpm_runs (
  run_id TEXT PRIMARY KEY,
  prefix TEXT NOT NULL,
  manifest TEXT NOT NULL,
  mode TEXT NOT NULL,
  variant TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  totals_json TEXT NOT NULL,
  user_agent TEXT NOT NULL DEFAULT ''
);`,
		`
CREATE TABLE IF NOT EXISTS pmpm_packages (
  run_id TEXT NOT NULL,
  name TEXT NOT NULL,
  position INTEGER NOT NULL,
  method TEXT NOT NULL,
  status TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  fingerprint TEXT NOT NULL,
  reason TEXT NOT NULL,
  error_kind TEXT NOT NULL,
  tail TEXT NOT NULL,
  duration_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  PRIMARY KEY (run_id, name),
  FOREIGN KEY (run_id) REFERENCES pmpm_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_pmpm_packages_name ON pmpm_packages(name, updated_at_ns);`,
		`
CREATE TABLE IF NOT EXISTS pmpm_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  package TEXT NOT NULL,
  type TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  message TEXT NOT NULL,
  error_kind TEXT NOT NULL,
  error_message TEXT NOT NULL,
  FOREIGN KEY (run_id) REFERENCES pmpm_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_pmpm_events_run_id_id ON pmpm_events(run_id, id);`,
		`
CREATE TABLE IF NOT EXISTS pmpm_lock (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  owner TEXT NOT NULL,
  run_id TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	// Ledgers written before user_agent existed.
	return s.ensureColumn(ctx, "pmpm_runs", "user_agent", "TEXT NOT NULL DEFAULT ''")
}

func (s *Store) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return errors.Wrapf(err, "add %s.%s", table, column)
}

// CreateRun records a new run with every package Pending.
func (s *Store) CreateRun(ctx context.Context, l *Ledger, meta RunMeta) error {
	now := l.StartedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	totals, err := json.Marshal(l.Totals())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO pmpm_runs (run_id, prefix, manifest, mode, variant, status, created_at_ns, updated_at_ns, totals_json, user_agent)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, l.RunID, l.Prefix, meta.Manifest, meta.Mode, meta.Variant, "running", now.UnixNano(), now.UnixNano(), string(totals), meta.UserAgent)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	for i, e := range l.Entries {
		if err := upsertEntry(ctx, tx, l.RunID, i, e, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntry(ctx context.Context, db execer, runID string, position int, e *Entry, now time.Time) error {
	tail, err := json.Marshal(e.Tail)
	if err != nil {
		return err
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO pmpm_packages (run_id, name, position, method, status, attempt, fingerprint, reason, error_kind, tail, duration_ns, updated_at_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, name) DO UPDATE SET
  status = excluded.status,
  attempt = excluded.attempt,
  fingerprint = excluded.fingerprint,
  reason = excluded.reason,
  error_kind = excluded.error_kind,
  tail = excluded.tail,
  duration_ns = excluded.duration_ns,
  updated_at_ns = excluded.updated_at_ns
`, runID, e.Name, position, string(e.Method), string(e.Status), e.Attempts, e.Fingerprint, e.Reason, e.ErrorKind,
		string(tail), int64(e.Duration), updated.UnixNano())
	return errors.Wrapf(err, "save package %s", e.Name)
}

// SaveEntry persists the current state of one package.
func (s *Store) SaveEntry(ctx context.Context, l *Ledger, name string) error {
	i, ok := l.index[name]
	if !ok {
		return fmt.Errorf("ledger has no package %q", name)
	}
	now := time.Now().UTC()
	if err := upsertEntry(ctx, s.db, l.RunID, i, l.Entries[i], now); err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE pmpm_runs SET updated_at_ns = ? WHERE run_id = ?`, now.UnixNano(), l.RunID)
	return nil
}

// AppendEvent stores one event.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pmpm_events (run_id, ts_ns, package, type, attempt, message, error_kind, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, ev.RunID, ts.UnixNano(), strings.TrimSpace(ev.Package), string(ev.Type), ev.Attempt,
		strings.TrimSpace(ev.Message), ev.ErrorKind, strings.TrimSpace(ev.ErrorMessage))
	return errors.Wrap(err, "append event")
}

// CompleteRun writes the final state of every package and the run status.
func (s *Store) CompleteRun(ctx context.Context, l *Ledger) error {
	now := time.Now().UTC()
	totals, err := json.Marshal(l.Totals())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, e := range l.Entries {
		if err := upsertEntry(ctx, tx, l.RunID, i, e, now); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE pmpm_runs SET status = ?, totals_json = ?, updated_at_ns = ? WHERE run_id = ?`,
		l.RunStatus(), string(totals), now.UnixNano(), l.RunID)
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	return tx.Commit()
}

// LastOutcome returns the most recent attempted result for name across all
// runs. Skipped and Pending records are not attempts and are ignored.
func (s *Store) LastOutcome(ctx context.Context, name string) (*Outcome, error) {
	var o Outcome
	var status string
	var at int64
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, status, fingerprint, updated_at_ns
FROM pmpm_packages
WHERE name = ? AND status IN (?, ?, ?)
ORDER BY updated_at_ns DESC, rowid DESC
LIMIT 1
`, name, string(Succeeded), string(Failed), string(TimedOut)).Scan(&o.RunID, &status, &o.Fingerprint, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "last outcome for %s", name)
	}
	o.Status = Status(status)
	o.At = time.Unix(0, at).UTC()
	return &o, nil
}

// MostRecentRunID returns the newest run, or "" when there is none.
func (s *Store) MostRecentRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM pmpm_runs ORDER BY created_at_ns DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, err
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, status, manifest, mode, variant, user_agent, created_at_ns, updated_at_ns, totals_json
FROM pmpm_runs
ORDER BY created_at_ns DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var r RunInfo
		var created, updated int64
		var raw string
		if err := rows.Scan(&r.RunID, &r.Status, &r.Manifest, &r.Mode, &r.Variant, &r.UserAgent, &created, &updated, &raw); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		_ = json.Unmarshal([]byte(raw), &r.Totals)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entries returns the packages of one run in manifest order.
func (s *Store) Entries(ctx context.Context, runID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, method, status, attempt, fingerprint, reason, error_kind, tail, duration_ns, updated_at_ns
FROM pmpm_packages
WHERE run_id = ?
ORDER BY position
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var method, status, tail string
		var dur, updated int64
		if err := rows.Scan(&e.Name, &method, &status, &e.Attempts, &e.Fingerprint, &e.Reason, &e.ErrorKind, &tail, &dur, &updated); err != nil {
			return nil, err
		}
		e.Method = manifest.Method(method)
		e.Status = Status(status)
		e.Duration = time.Duration(dur)
		e.UpdatedAt = time.Unix(0, updated).UTC()
		_ = json.Unmarshal([]byte(tail), &e.Tail)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcquireLock takes the prefix lock for owner. A live lock held by another
// owner fails with *LockedError unless takeover is set; an expired lock is
// taken silently.
func (s *Store) AcquireLock(ctx context.Context, owner string, ttl time.Duration, takeover bool, runID string) (*Lock, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("lock owner is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	force := 0
	if takeover {
		force = 1
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO pmpm_lock (id, owner, run_id, acquired_at_ns, expires_at_ns)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  owner = excluded.owner,
  run_id = excluded.run_id,
  acquired_at_ns = excluded.acquired_at_ns,
  expires_at_ns = excluded.expires_at_ns
WHERE pmpm_lock.expires_at_ns <= ? OR pmpm_lock.owner = ? OR ? = 1
`, owner, runID, now.UnixNano(), expires.UnixNano(), now.UnixNano(), owner, force)
	if err != nil {
		return nil, errors.Wrap(err, "acquire lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		held, err := s.GetLock(ctx)
		if err != nil {
			return nil, err
		}
		if held == nil {
			return nil, errors.New("acquire lock: lost race with a concurrent release")
		}
		return nil, &LockedError{Lock: *held}
	}
	return &Lock{Owner: owner, RunID: runID, AcquiredAt: now, ExpiresAt: expires}, nil
}

// RefreshLock extends a lock the caller still holds.
func (s *Store) RefreshLock(ctx context.Context, owner, runID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pmpm_lock SET expires_at_ns = ? WHERE owner = ? AND run_id = ?`,
		time.Now().UTC().Add(ttl).UnixNano(), owner, runID)
	if err != nil {
		return errors.Wrap(err, "refresh lock")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("lock for run %s is no longer held by %s", runID, owner)
	}
	return nil
}

// ReleaseLock drops the lock if owner and runID still hold it.
func (s *Store) ReleaseLock(ctx context.Context, owner, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pmpm_lock WHERE owner = ? AND run_id = ?`, owner, runID)
	return errors.Wrap(err, "release lock")
}

// GetLock returns the current lock row, expired or not, or nil.
func (s *Store) GetLock(ctx context.Context) (*Lock, error) {
	var l Lock
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx, `SELECT owner, run_id, acquired_at_ns, expires_at_ns FROM pmpm_lock WHERE id = 1`).
		Scan(&l.Owner, &l.RunID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get lock")
	}
	l.AcquiredAt = time.Unix(0, acquired).UTC()
	l.ExpiresAt = time.Unix(0, expires).UTC()
	return &l, nil
}
