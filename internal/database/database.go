// Package database keeps a write-behind SQLite history of bridge jobs. The
// in-memory registry stays authoritative; the journal is never replayed.
package database

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/models"
)

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// Open opens the journal at path and ensures its schema exists.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}
	// SQLite serialises writers anyway.
	sqlDB.SetMaxOpenConns(1)

	db := New(sqlDB)
	if err := db.InitSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an existing connection.
func New(db *sql.DB) *DB {
	return &DB{db}
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		client TEXT NOT NULL,
		state TEXT NOT NULL,
		result TEXT,
		error_message TEXT,
		version INTEGER NOT NULL,
		session INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_client ON jobs(client);
	CREATE INDEX IF NOT EXISTS idx_submitted ON jobs(submitted_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to initialise journal schema")
	}
	return nil
}

// RecordJob inserts the snapshot or updates the stored row when the
// snapshot is newer. Older versions never overwrite newer ones, so rows
// may be recorded out of order.
func (db *DB) RecordJob(job models.Job) error {
	_, err := db.Exec(`
		INSERT INTO jobs (id, command, client, state, result, error_message, version, session, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			error_message = excluded.error_message,
			version = excluded.version,
			session = excluded.session,
			updated_at = excluded.updated_at
		WHERE excluded.version > jobs.version
	`, job.ID, job.Command, job.ClientIdentity, string(job.State), nullString(job.Result),
		nullString(job.Error), job.Version, job.Session, job.SubmittedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record job %s", job.ID)
	}
	return nil
}

// GetJobByID retrieves a job by its ID
func (db *DB) GetJobByID(id string) (models.Job, error) {
	row := db.QueryRow(`
		SELECT id, command, client, state, result, error_message, version, session, submitted_at, updated_at
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return models.Job{}, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return models.Job{}, errors.Wrapf(err, "failed to load job %s", id)
	}
	return job, nil
}

// ListJobs retrieves jobs with optional filtering, newest first.
func (db *DB) ListJobs(state models.JobState, client string, limit int) ([]models.Job, error) {
	query := `SELECT id, command, client, state, result, error_message, version, session, submitted_at, updated_at
	          FROM jobs WHERE 1=1`
	args := []interface{}{}

	if state != "" {
		query += " AND state = ?"
		args = append(args, string(state))
	}

	if client != "" {
		query += " AND client = ?"
		args = append(args, client)
	}

	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY submitted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "failed to list jobs")
}

// CountByState returns how many journaled jobs are in each state.
func (db *DB) CountByState() (map[models.JobState]int64, error) {
	rows, err := db.Query("SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[models.JobState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan count")
		}
		counts[models.JobState(state)] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to count jobs")
}

// PruneBefore deletes rows last updated before cutoff.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM jobs WHERE updated_at < ?", cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune journal")
	}
	return res.RowsAffected()
}

// Helper functions

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (models.Job, error) {
	var job models.Job
	var state string
	var result, errorMessage sql.NullString

	err := s.Scan(&job.ID, &job.Command, &job.ClientIdentity, &state, &result, &errorMessage,
		&job.Version, &job.Session, &job.SubmittedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.State = models.JobState(state)
	job.Result = result.String
	job.Error = errorMessage.String
	return job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
