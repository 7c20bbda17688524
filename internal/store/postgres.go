// Package store: Postgres-backed implementation of Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/models"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
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

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.StoreErrorf(err, "open postgres connection")
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, errs.StoreErrorf(err, "ping postgres")
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		return nil, errs.StoreErrorf(err, "run postgres migrations")
	}

	log.Debug("postgres store ready")
	return &PostgresStore{db: db, log: log}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.SubmitTime = now
	job.State = models.StatePending

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_queue (job_name, command, working_dir, cpus, memory, timeout_seconds,
			priority, "user", state, stdout_path, stderr_path, submit_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING job_id`,
		job.JobName, job.Command, nilIfEmpty(job.WorkingDir), job.CPUs, nilIfEmpty(job.Memory),
		job.TimeoutSeconds, job.Priority, job.User, string(models.StatePending),
		nilIfEmpty(job.StdoutPath), nilIfEmpty(job.StderrPath), now,
	).Scan(&id)
	if err != nil {
		return errs.StoreErrorf(err, "insert job")
	}
	job.JobID = fmt.Sprintf("job_%d", id)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	n, err := numericJobID(jobID)
	if err != nil {
		return nil, errs.NotFoundf("job %s not found", jobID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE job_id = $1`, n)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return nil, errs.StoreErrorf(err, "get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, jobID string, from []models.State, to models.State, patch StatePatch) error {
	n, err := numericJobID(jobID)
	if err != nil {
		return errs.NotFoundf("job %s not found", jobID)
	}

	set := []string{"state = $1"}
	args := []interface{}{string(to)}
	idx := 2
	add := func(col string, val interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.PID != nil {
		add("pid", *patch.PID)
	}
	if patch.StartTime != nil {
		add("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}
	if patch.ReturnCode != nil {
		add("return_code", *patch.ReturnCode)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.StdoutPath != nil {
		add("stdout_path", *patch.StdoutPath)
	}
	if patch.StderrPath != nil {
		add("stderr_path", *patch.StderrPath)
	}
	if to.Terminal() {
		set = append(set, "worker_id = NULL", "pid = NULL")
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", idx)
		args = append(args, string(st))
		idx++
	}
	jobIDPlaceholder := fmt.Sprintf("$%d", idx)
	args = append(args, n)

	query := fmt.Sprintf(`UPDATE job_queue SET %s WHERE job_id = %s AND state IN (%s)`,
		joinComma(set), jobIDPlaceholder, joinComma(placeholders))

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

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	n, err := numericJobID(jobID)
	if err != nil {
		return errs.NotFoundf("job %s not found", jobID)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_queue WHERE job_id = $1 AND state NOT IN ($2, $3)`,
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

func (s *PostgresStore) Query(ctx context.Context, filter models.Filter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE 1=1`
	var args []interface{}
	idx := 1
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, string(filter.State))
		idx++
	}
	if filter.User != "" {
		query += fmt.Sprintf(` AND "user" = $%d`, idx)
		args = append(args, filter.User)
		idx++
	}
	query += ` ORDER BY priority DESC, submit_time ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
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

// ClaimOne uses FOR UPDATE SKIP LOCKED so the database itself serializes
// concurrent claimers: a row locked by another transaction is simply
// skipped rather than waited on, and the UPDATE's RETURNING clause hands
// back the exact row that was claimed.
func (s *PostgresStore) ClaimOne(ctx context.Context, workerID string) (*models.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE job_queue SET state = 'running', worker_id = $1, start_time = $2
		 WHERE job_id = (
		   SELECT job_id FROM job_queue WHERE state = 'pending'
		   ORDER BY priority DESC, submit_time ASC
		   FOR UPDATE SKIP LOCKED LIMIT 1
		 )
		 RETURNING `+jobColumns,
		workerID, now,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.StoreErrorf(err, "claim job")
	}
	return job, nil
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[models.State]int, error) {
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

func (s *PostgresStore) Cleanup(ctx context.Context, states []models.State, cutoff time.Time) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(st))
	}
	args = append(args, cutoff)
	cutoffPlaceholder := fmt.Sprintf("$%d", len(states)+1)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM job_queue WHERE state IN (%s) AND end_time < %s`, joinComma(placeholders), cutoffPlaceholder),
		args...,
	)
	if err != nil {
		return 0, errs.StoreErrorf(err, "cleanup terminal jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
