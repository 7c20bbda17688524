// Package store: SQLite-backed implementation of Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// claimRetries bounds how many candidates ClaimOne will try before giving
// up; it is sized well above any realistic number of concurrent claimers
// racing for the same pending row.
const claimRetries = 64

type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store at the
// DSN given via WithDSN. SQLite allows only one writer at a time regardless
// of connection count, so the pool is pinned to a single connection to make
// that serialization explicit rather than relying on driver-level locking
// retries.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dsn := cfg.DSN
	if dsn == "" {
		return nil, errs.StoreErrorf(nil, "database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if dir != "." {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, errs.StoreErrorf(err, "create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errs.StoreErrorf(err, "open sqlite database")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errs.StoreErrorf(err, "ping sqlite database")
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		return nil, errs.StoreErrorf(err, "run sqlite migrations")
	}

	log.Debug("sqlite store ready", zap.String("dsn", dsn))
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.SubmitTime = now
	job.State = models.StatePending

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_queue (job_name, command, working_dir, cpus, memory, timeout_seconds,
			priority, user, state, stdout_path, stderr_path, submit_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobName, job.Command, nilIfEmpty(job.WorkingDir), job.CPUs, nilIfEmpty(job.Memory),
		job.TimeoutSeconds, job.Priority, job.User, string(models.StatePending),
		nilIfEmpty(job.StdoutPath), nilIfEmpty(job.StderrPath), now,
	)
	if err != nil {
		return errs.StoreErrorf(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errs.StoreErrorf(err, "read inserted job id")
	}
	job.JobID = fmt.Sprintf("job_%d", id)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	n, err := numericJobID(jobID)
	if err != nil {
		return nil, errs.NotFoundf("job %s not found", jobID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE job_id = ?`, n)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return nil, errs.StoreErrorf(err, "get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, jobID string, from []models.State, to models.State, patch StatePatch) error {
	n, err := numericJobID(jobID)
	if err != nil {
		return errs.NotFoundf("job %s not found", jobID)
	}

	set := []string{"state = ?"}
	args := []interface{}{string(to)}
	if patch.WorkerID != nil {
		set = append(set, "worker_id = ?")
		args = append(args, *patch.WorkerID)
	}
	if patch.PID != nil {
		set = append(set, "pid = ?")
		args = append(args, *patch.PID)
	}
	if patch.StartTime != nil {
		set = append(set, "start_time = ?")
		args = append(args, *patch.StartTime)
	}
	if patch.EndTime != nil {
		set = append(set, "end_time = ?")
		args = append(args, *patch.EndTime)
	}
	if patch.ReturnCode != nil {
		set = append(set, "return_code = ?")
		args = append(args, *patch.ReturnCode)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.StdoutPath != nil {
		set = append(set, "stdout_path = ?")
		args = append(args, *patch.StdoutPath)
	}
	if patch.StderrPath != nil {
		set = append(set, "stderr_path = ?")
		args = append(args, *patch.StderrPath)
	}
	if to.Terminal() {
		set = append(set, "worker_id = NULL", "pid = NULL")
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		_ = st
	}
	query := fmt.Sprintf(`UPDATE job_queue SET %s WHERE job_id = ? AND state IN (%s)`,
		joinComma(set), joinComma(placeholders))
	args = append(args, n)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.StoreErrorf(err, "update state of job %s", jobID)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errs.IllegalTransitionf("job %s is not in a state that allows transition to %s", jobID, to)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	n, err := numericJobID(jobID)
	if err != nil {
		return errs.NotFoundf("job %s not found", jobID)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_queue WHERE job_id = ? AND state NOT IN (?, ?)`,
		n, string(models.StatePending), string(models.StateRunning))
	if err != nil {
		return errs.StoreErrorf(err, "delete job %s", jobID)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if existing, getErr := s.Get(ctx, jobID); getErr == nil {
			return errs.IllegalTransitionf("cannot delete job %s in state %s", jobID, existing.State)
		}
		return errs.NotFoundf("job %s not found", jobID)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter models.Filter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE 1=1`
	var args []interface{}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.User != "" {
		query += ` AND user = ?`
		args = append(args, filter.User)
	}
	query += ` ORDER BY priority DESC, submit_time ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.StoreErrorf(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errs.StoreErrorf(err, "scan queried job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.StoreErrorf(err, "iterate queried jobs")
	}
	return jobs, nil
}

// ClaimOne retries against successive candidates when another writer wins
// the race on the same row. SQLite enforces a single active writer at the
// file level, so the loop makes progress every iteration and terminates in
// at most the number of currently pending rows.
func (s *SQLiteStore) ClaimOne(ctx context.Context, workerID string) (*models.Job, error) {
	tried := map[int64]bool{}
	now := time.Now().UTC()

	for attempt := 0; attempt < claimRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, errs.StoreErrorf(err, "begin claim transaction")
		}

		query := `SELECT job_id FROM job_queue WHERE state = 'pending'`
		var excludeArgs []interface{}
		if len(tried) > 0 {
			placeholders := make([]string, 0, len(tried))
			for id := range tried {
				placeholders = append(placeholders, "?")
				excludeArgs = append(excludeArgs, id)
			}
			query += ` AND job_id NOT IN (` + joinComma(placeholders) + `)`
		}
		query += ` ORDER BY priority DESC, submit_time ASC LIMIT 1`

		var candidate int64
		err = tx.QueryRowContext(ctx, query, excludeArgs...).Scan(&candidate)
		if err == sql.ErrNoRows {
			tx.Rollback()
			return nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, errs.StoreErrorf(err, "select claim candidate")
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE job_queue SET state = 'running', worker_id = ?, start_time = ? WHERE job_id = ? AND state = 'pending'`,
			workerID, now, candidate,
		)
		if err != nil {
			tx.Rollback()
			return nil, errs.StoreErrorf(err, "claim candidate %d", candidate)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			tx.Rollback()
			tried[candidate] = true
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, errs.StoreErrorf(err, "commit claim")
		}
		return s.Get(ctx, fmt.Sprintf("job_%d", candidate))
	}
	return nil, errs.StoreErrorf(nil, "exhausted claim retries")
}

func (s *SQLiteStore) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM job_queue GROUP BY state`)
	if err != nil {
		return nil, errs.StoreErrorf(err, "count jobs by state")
	}
	defer rows.Close()

	counts := map[models.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errs.StoreErrorf(err, "scan state count")
		}
		counts[models.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Cleanup(ctx context.Context, states []models.State, cutoff time.Time) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, cutoff)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM job_queue WHERE state IN (%s) AND end_time < ?`, joinComma(placeholders)),
		args...,
	)
	if err != nil {
		return 0, errs.StoreErrorf(err, "cleanup terminal jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
