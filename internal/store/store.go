// Package store provides the Store interface and its SQLite/Postgres
// backends for durable job persistence.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/schedarray/schedarray/internal/models"
	"go.uber.org/zap"
)

// Opts collects the options a backend constructor needs.
type Opts struct {
	DSN    string
	Logger *zap.Logger
}

// Option mutates Opts; passed variadically to NewSQLiteStore/NewPostgresStore/Open.
type Option func(*Opts)

// WithDSN sets the backend's data source name (a file path for SQLite, a
// libpq connection string for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithLogger sets the *zap.Logger the store uses; a no-op logger is used if
// omitted.
func WithLogger(l *zap.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// StatePatch carries the fields a state transition may set alongside the
// new state. Zero-value pointer fields are left untouched in the row.
type StatePatch struct {
	WorkerID     *string
	PID          *int
	StartTime    *time.Time
	EndTime      *time.Time
	ReturnCode   *int
	ErrorMessage *string
	StdoutPath   *string
	StderrPath   *string
}

// Store is the durable persistence contract every job-scheduler component
// depends on. Implementations must make ClaimOne atomic: under concurrent
// callers claiming against the same backing database, exactly
// min(pending rows, concurrent callers) distinct rows are ever returned and
// no row is returned twice.
type Store interface {
	// Insert persists a new job and assigns its JobID, SubmitTime, and
	// initial State (pending).
	Insert(ctx context.Context, job *models.Job) error

	// Get retrieves a single job by ID. Returns a *errs.Error of kind
	// NotFound if no such job exists.
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateState performs a guarded transition: the row is only updated if
	// its current state is one of `from`; otherwise an IllegalTransition
	// error is returned. patch fields are applied atomically with the state
	// change.
	UpdateState(ctx context.Context, jobID string, from []models.State, to models.State, patch StatePatch) error

	// Delete removes a job row. Implementations refuse to delete rows in
	// the pending or running state.
	Delete(ctx context.Context, jobID string) error

	// Query lists jobs matching filter, ordered by priority descending then
	// submit_time ascending.
	Query(ctx context.Context, filter models.Filter) ([]*models.Job, error)

	// ClaimOne atomically selects the highest-priority, earliest-submitted
	// pending job, flips it to running with workerID and the current time,
	// and returns it. Returns nil, nil if no pending job is available.
	ClaimOne(ctx context.Context, workerID string) (*models.Job, error)

	// CountByState returns the number of jobs in each state.
	CountByState(ctx context.Context) (map[models.State]int, error)

	// Cleanup deletes terminal jobs older (by EndTime) than cutoff and
	// returns the number of rows removed.
	Cleanup(ctx context.Context, states []models.State, cutoff time.Time) (int, error)

	Close() error
}

// Open picks a backend by DSN scheme: "postgres://" or "postgresql://"
// selects Postgres, everything else is treated as a SQLite file path.
func Open(dsn string, opts ...Option) (Store, error) {
	all := append([]Option{WithDSN(dsn)}, opts...)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(all...)
	}
	return NewSQLiteStore(all...)
}
