package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding intelligence job records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scout.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	idx := strings.Index(base, "_")
	if idx < 0 {
		idx = len(base)
	}
	version, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, fmt.Errorf("parsing migration version from %s: %w", filename, err)
	}
	return version, nil
}

const jobColumns = `id, entity_type, entity_id, entity_name, status, version, previous_job_id,
	result_json, deal_snapshot_json, stats_json, history_json, changes_json, error, started_at, completed_at`

// Listing deliberately skips result_json and history_json so latency stays
// independent of payload size.
const jobSummaryColumns = `id, entity_type, entity_id, entity_name, status, version, previous_job_id,
	deal_snapshot_json, stats_json, changes_json, error, started_at, completed_at`

// InsertJob persists a new pending job record. The write carries no timeout:
// losing it would corrupt the job chain.
func (s *Store) InsertJob(j Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, entity_type, entity_id, entity_name, status, version, previous_job_id, history_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.EntityType, j.EntityID, j.EntityName, j.Status, j.Version, j.PreviousJobID, j.HistoryJSON,
		j.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns the full job record including result and history payloads.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return j, nil
}

// LatestCompleted returns the most recently started complete job for an
// entity key, or nil if the entity has never completed a run.
func (s *Store) LatestCompleted(entityType, entityID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE entity_type = ? AND entity_id = ? AND status = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		entityType, entityID, StatusComplete)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest completed job for %s/%s: %w", entityType, entityID, err)
	}
	return &j, nil
}

// MarkRunning transitions a job from pending to running. It returns false if
// the job was no longer pending, which happens when cancellation raced the
// handoff to the engine.
func (s *Store) MarkRunning(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		StatusRunning, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("marking job %s running: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteJob finalizes a running job with its result payloads. The update is
// guarded on status so a cancelled job is never overwritten.
func (s *Store) CompleteJob(id, resultJSON, dealSnapshotJSON, statsJSON, changesJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, result_json = ?, deal_snapshot_json = ?, stats_json = ?, changes_json = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusComplete, resultJSON, dealSnapshotJSON, statsJSON, changesJSON, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a running job as errored, preserving the diagnostic message.
func (s *Store) FailJob(id, errMsg, statsJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, error = ?, stats_json = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusError, errMsg, statsJSON, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelActive transitions every pending or running job to cancelled and
// returns their ids. Cancellation is cooperative: the engine observes it at
// the next iteration boundary, any in-flight call finishes on its own.
func (s *Store) CancelActive() ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.Query(`UPDATE jobs SET status = ?, completed_at = ?
		WHERE status IN (?, ?) RETURNING id`,
		StatusCancelled, now, StatusPending, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("cancelling active jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning cancelled job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverInterrupted marks jobs left running by a crash as errored. Called
// once at startup so the status machine never shows a phantom running job.
func (s *Store) RecoverInterrupted() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		StatusError, "interrupted by restart", now, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListJobs returns summary rows (no result or history payloads) matching the
// filter. The caller is expected to bound ctx with a deadline; an exceeded
// deadline surfaces as ErrTimeout.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.LatestOnly {
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM jobs newer
			WHERE newer.entity_type = jobs.entity_type AND newer.entity_id = jobs.entity_id
			AND (newer.started_at > jobs.started_at OR (newer.started_at = jobs.started_at AND newer.id > jobs.id)))`)
	}

	query := `SELECT ` + jobSummaryColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	order := "DESC"
	if f.Sort == "oldest" {
		order = "ASC"
	}
	query += " ORDER BY started_at " + order + ", id " + order

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapListErr(err, ctx)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var startedAt, completedAt string
		if err := rows.Scan(
			&j.ID, &j.EntityType, &j.EntityID, &j.EntityName, &j.Status, &j.Version, &j.PreviousJobID,
			&j.DealSnapshotJSON, &j.StatsJSON, &j.ChangesJSON, &j.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		if err := parseJobTimes(&j, startedAt, completedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapListErr(err, ctx)
	}
	return jobs, nil
}

func wrapListErr(err error, ctx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("listing jobs: %w", ErrTimeout)
	}
	return fmt.Errorf("listing jobs: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var startedAt, completedAt string
	err := row.Scan(
		&j.ID, &j.EntityType, &j.EntityID, &j.EntityName, &j.Status, &j.Version, &j.PreviousJobID,
		&j.ResultJSON, &j.DealSnapshotJSON, &j.StatsJSON, &j.HistoryJSON, &j.ChangesJSON, &j.Error,
		&startedAt, &completedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if err := parseJobTimes(&j, startedAt, completedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

func parseJobTimes(j *Job, startedAt, completedAt string) error {
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	j.StartedAt = t
	if completedAt != "" {
		c, err := time.Parse(time.RFC3339Nano, completedAt)
		if err != nil {
			return fmt.Errorf("parsing completed_at for job %s: %w", j.ID, err)
		}
		j.CompletedAt = &c
	}
	return nil
}
