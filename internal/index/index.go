// Package index implements the embedded metadata index (C5): one row per
// task-id, with the prepared-query surface the updater and query layer are
// built against. The table and its five indexes are created by an embedded
// migration (see migrate.go).
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xtrace/internal/logging"
)

// TaskRecord is one row of the metadata index.
type TaskRecord struct {
	TaskID      string
	FirstSeen   time.Time
	LastUpdated time.Time
	NumReports  int
	Title       string
	Tags        map[string]struct{}
}

// Store is the embedded metadata index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the index database at path and runs
// any pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "metadata_index")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer: the updater commits batches, queries read committed
	// state. One connection avoids SQLite's multi-writer contention
	// entirely and matches the "index connection is not thread-safe for
	// concurrent write" constraint directly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64   { return t.UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func tagsToCSV(tags map[string]struct{}) string {
	if len(tags) == 0 {
		return ""
	}
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func csvToTags(csv string) map[string]struct{} {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// Exists reports whether taskID already has a row. Pass the updater's tx to
// participate in its batch transaction; pass nil to query the database
// connection directly.
func (s *Store) Exists(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	q := s.queryRower(tx)
	var n int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE task_id = ?", taskID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists(%s): %w", taskID, err)
	}
	return true, nil
}

// Insert creates the row for a task first observed, with firstSeen and
// lastUpdated both set to now.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, taskID, title string, tags map[string]struct{}, numReports int, now time.Time) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx,
		`INSERT INTO tasks (task_id, first_seen, last_updated, num_reports, title, tags)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, toMillis(now), toMillis(now), numReports, title, tagsToCSV(tags))
	if err != nil {
		return fmt.Errorf("insert(%s): %w", taskID, err)
	}
	return nil
}

// BumpReports adds delta to numReports and advances lastUpdated to now.
func (s *Store) BumpReports(ctx context.Context, tx *sql.Tx, taskID string, delta int, now time.Time) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx,
		"UPDATE tasks SET num_reports = num_reports + ?, last_updated = ? WHERE task_id = ?",
		delta, toMillis(now), taskID)
	if err != nil {
		return fmt.Errorf("bumpReports(%s): %w", taskID, err)
	}
	return nil
}

// SetTitle overwrites the stored title.
func (s *Store) SetTitle(ctx context.Context, tx *sql.Tx, taskID, title string) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, "UPDATE tasks SET title = ? WHERE task_id = ?", title, taskID)
	if err != nil {
		return fmt.Errorf("setTitle(%s): %w", taskID, err)
	}
	return nil
}

// ReadTags returns the current tag set for a task.
func (s *Store) ReadTags(ctx context.Context, tx *sql.Tx, taskID string) (map[string]struct{}, error) {
	q := s.queryRower(tx)
	var csv string
	err := q.QueryRowContext(ctx, "SELECT tags FROM tasks WHERE task_id = ?", taskID).Scan(&csv)
	if err != nil {
		return nil, fmt.Errorf("readTags(%s): %w", taskID, err)
	}
	return csvToTags(csv), nil
}

// SetTags overwrites the stored tag set.
func (s *Store) SetTags(ctx context.Context, tx *sql.Tx, taskID string, tags map[string]struct{}) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, "UPDATE tasks SET tags = ? WHERE task_id = ?", tagsToCSV(tags), taskID)
	if err != nil {
		return fmt.Errorf("setTags(%s): %w", taskID, err)
	}
	return nil
}

// execer/queryRower let every mutation run either inside the updater's
// shared transaction or, for ad hoc callers (tests), directly against the
// database.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRowContext interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(tx *sql.Tx) execContext {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) queryRower(tx *sql.Tx) queryRowContext {
	if tx != nil {
		return tx
	}
	return s.db
}

// Begin starts a transaction for the updater's batch commit.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func scanRecord(row interface{ Scan(...any) error }) (TaskRecord, error) {
	var r TaskRecord
	var firstSeen, lastUpdated int64
	var tagsCSV string
	if err := row.Scan(&r.TaskID, &firstSeen, &lastUpdated, &r.NumReports, &r.Title, &tagsCSV); err != nil {
		return TaskRecord{}, err
	}
	r.FirstSeen = fromMillis(firstSeen)
	r.LastUpdated = fromMillis(lastUpdated)
	r.Tags = csvToTags(tagsCSV)
	return r, nil
}

const recordColumns = "task_id, first_seen, last_updated, num_reports, title, tags"

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TasksSince returns tasks with firstSeen >= since, newest-updated first.
func (s *Store) TasksSince(ctx context.Context, since time.Time, offset, limit int) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE first_seen >= ? ORDER BY last_updated DESC LIMIT ? OFFSET ?`, recordColumns)
	return s.paged(ctx, q, offset, limit, toMillis(since))
}

// TasksBetween returns task-ids whose interval satisfies firstSeen <= upper
// and lastUpdated >= lower: the overlap-window membership test used by the
// BFS in the query surface.
func (s *Store) TasksBetween(ctx context.Context, upper, lower time.Time) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE first_seen <= ? AND last_updated >= ?`, recordColumns)
	return s.queryRecords(ctx, q, toMillis(upper), toMillis(lower))
}

// LatestTasks returns tasks ordered by lastUpdated descending.
func (s *Store) LatestTasks(ctx context.Context, offset, limit int) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks ORDER BY last_updated DESC LIMIT ? OFFSET ?`, recordColumns)
	return s.paged(ctx, q, offset, limit)
}

// ByTag performs a LIKE pre-filter on the tags column and re-filters
// client-side for exact tag-set membership. The offset/limit window is
// positioned against the LIKE-matched candidate sequence, not the
// exact-matched one: every candidate row advances the row counter, and a
// row is only collected once it both passes the exact-match check and the
// counter falls inside [offset, offset+limit). A non-exact row between two
// exact matches still consumes a slot in that window.
func (s *Store) ByTag(ctx context.Context, tag string, offset, limit int) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE tags LIKE ? ORDER BY last_updated DESC`, recordColumns)
	candidates, err := s.queryRecords(ctx, q, "%"+tag+"%")
	if err != nil {
		return nil, err
	}

	var matched []TaskRecord
	for i, r := range candidates {
		if i >= offset+limit {
			break
		}
		if _, ok := r.Tags[tag]; !ok {
			continue
		}
		if i < offset {
			continue
		}
		matched = append(matched, r)
	}
	return matched, nil
}

// ByTitle returns the task(s) with an exact title match.
func (s *Store) ByTitle(ctx context.Context, title string) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE title = ? ORDER BY last_updated DESC`, recordColumns)
	return s.queryRecords(ctx, q, title)
}

// ByTitleApprox returns tasks whose title contains the given substring.
func (s *Store) ByTitleApprox(ctx context.Context, substring string, offset, limit int) ([]TaskRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE title LIKE ? ORDER BY last_updated DESC LIMIT ? OFFSET ?`, recordColumns)
	return s.paged(ctx, q, offset, limit, "%"+substring+"%")
}

// NumReportsOf returns the committed report count for a task.
func (s *Store) NumReportsOf(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT num_reports FROM tasks WHERE task_id = ?", taskID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// LastUpdatedOf returns the lastUpdated timestamp for a task.
func (s *Store) LastUpdatedOf(ctx context.Context, taskID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT last_updated FROM tasks WHERE task_id = ?", taskID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return fromMillis(ms), err
}

// TimesOf returns (firstSeen, lastUpdated) for a task.
func (s *Store) TimesOf(ctx context.Context, taskID string) (firstSeen, lastUpdated time.Time, err error) {
	var fs, lu int64
	err = s.db.QueryRowContext(ctx, "SELECT first_seen, last_updated FROM tasks WHERE task_id = ?", taskID).Scan(&fs, &lu)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return fromMillis(fs), fromMillis(lu), nil
}

// TagsOf returns the committed tag set for a task.
func (s *Store) TagsOf(ctx context.Context, taskID string) (map[string]struct{}, error) {
	var csv string
	err := s.db.QueryRowContext(ctx, "SELECT tags FROM tasks WHERE task_id = ?", taskID).Scan(&csv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return csvToTags(csv), nil
}

// TotalReports returns the sum of numReports across all tasks.
func (s *Store) TotalReports(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT SUM(num_reports) FROM tasks").Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// TotalTasks returns the number of rows in the index.
func (s *Store) TotalTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n)
	return n, err
}

// paged appends (limit, offset) to args, matching a query ending in
// "LIMIT ? OFFSET ?", and returns rows [offset, offset+limit).
func (s *Store) paged(ctx context.Context, query string, offset, limit int, args ...any) ([]TaskRecord, error) {
	full := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, query, full...)
	if err != nil {
		return nil, fmt.Errorf("paged query: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
