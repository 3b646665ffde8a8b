package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/pkg/api"
)

// ErrJobNotFound is returned when a job does not exist in the store
var ErrJobNotFound = errors.New("job not found")

// Manager persists build jobs and their state transitions
type Manager struct {
	db       *sql.DB
	dataDir  string
	logger   *logrus.Logger
	jobMutex sync.Mutex
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *logrus.Logger) (*Manager, error) {
	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Open database
	dbPath := filepath.Join(dataDir, "jobs.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize database
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Manager{
		db:      db,
		dataDir: dataDir,
		logger:  logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	return m.db.Close()
}

// initializeDatabase initializes the database schema
func initializeDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			output_name TEXT NOT NULL DEFAULT '',
			output_size INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`)
	return err
}

// SaveJob inserts a new job
func (m *Manager) SaveJob(job *api.Job) error {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	_, err := m.db.Exec(
		"INSERT INTO jobs (id, user_id, chat_id, url, state, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		job.ID, job.UserID, job.ChatID, job.URL, string(job.State), job.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// MarkBuilding transitions a job to the building state
func (m *Manager) MarkBuilding(id string) error {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	res, err := m.db.Exec(
		"UPDATE jobs SET state = ?, started_at = ? WHERE id = ?",
		string(api.JobBuilding), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return checkAffected(res, id)
}

// MarkSucceeded transitions a job to the succeeded state and records the output
func (m *Manager) MarkSucceeded(id, outputName string, outputSize int64) error {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	res, err := m.db.Exec(
		"UPDATE jobs SET state = ?, output_name = ?, output_size = ?, finished_at = ? WHERE id = ?",
		string(api.JobSucceeded), outputName, outputSize, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return checkAffected(res, id)
}

// MarkFailed transitions a job to the failed state with the failure reason
func (m *Manager) MarkFailed(id, reason string) error {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	res, err := m.db.Exec(
		"UPDATE jobs SET state = ?, error = ?, finished_at = ? WHERE id = ?",
		string(api.JobFailed), reason, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return checkAffected(res, id)
}

// GetJob returns a job by ID
func (m *Manager) GetJob(id string) (*api.Job, error) {
	row := m.db.QueryRow(
		"SELECT id, user_id, chat_id, url, state, error, output_name, output_size, created_at, started_at, finished_at FROM jobs WHERE id = ?",
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// LastJobForUser returns the most recently created job for a user
func (m *Manager) LastJobForUser(userID int64) (*api.Job, error) {
	row := m.db.QueryRow(
		"SELECT id, user_id, chat_id, url, state, error, output_name, output_size, created_at, started_at, finished_at FROM jobs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		userID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for user %d", ErrJobNotFound, userID)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by state
func (m *Manager) ListJobs(state api.JobState, limit int) ([]*api.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, user_id, chat_id, url, state, error, output_name, output_size, created_at, started_at, finished_at FROM jobs"
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*api.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// CountByState returns the number of jobs per state
func (m *Manager) CountByState() (map[api.JobState]int, error) {
	rows, err := m.db.Query("SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[api.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[api.JobState(state)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// CountActiveByUser returns the number of pending or building jobs for a user
func (m *Manager) CountActiveByUser(userID int64) (int, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM jobs WHERE user_id = ? AND state IN (?, ?)",
		userID, string(api.JobPending), string(api.JobBuilding),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// FailStale marks jobs stuck in pending or building as failed. Run at
// startup: such rows can only be left over from a previous process that
// stopped before finishing them.
func (m *Manager) FailStale(reason string) (int64, error) {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	res, err := m.db.Exec(
		"UPDATE jobs SET state = ?, error = ?, finished_at = ? WHERE state IN (?, ?)",
		string(api.JobFailed), reason, time.Now().Unix(),
		string(api.JobPending), string(api.JobBuilding),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update stale jobs: %w", err)
	}

	stale, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read stale job result: %w", err)
	}

	if stale > 0 {
		m.logger.WithField("count", stale).Warn("Failed jobs left unfinished by a previous run")
	}
	return stale, nil
}

// PruneOlderThan deletes finished jobs older than the cutoff and returns
// how many were removed
func (m *Manager) PruneOlderThan(cutoff time.Time) (int64, error) {
	m.jobMutex.Lock()
	defer m.jobMutex.Unlock()

	res, err := m.db.Exec(
		"DELETE FROM jobs WHERE state IN (?, ?) AND created_at < ?",
		string(api.JobSucceeded), string(api.JobFailed), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}

	if removed > 0 {
		m.logger.WithField("removed", removed).Info("Pruned old jobs")
	}
	return removed, nil
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one job row
func scanJob(s scanner) (*api.Job, error) {
	var job api.Job
	var state string
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64

	err := s.Scan(
		&job.ID, &job.UserID, &job.ChatID, &job.URL, &state, &job.Error,
		&job.OutputName, &job.OutputSize, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = api.JobState(state)
	job.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		job.FinishedAt = &t
	}

	return &job, nil
}

// checkAffected turns a zero-row update into ErrJobNotFound
func checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
