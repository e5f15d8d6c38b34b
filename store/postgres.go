package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflux/taskflux/observability"
)

// PostgresStore implements Store on PostgreSQL, grounded in the teacher's
// control_plane/store/postgres.go: same pgxpool tuning, same
// RowsAffected()==0 optimistic-lock convention, same single-round-trip
// UPDATE...RETURNING claim shape (there the teacher updates one row per call;
// here claimAvailable needs a batch, so the claim uses a SKIP LOCKED CTE
// instead).
type PostgresStore struct {
	pool  *pgxpool.Pool
	errCh chan error
}

// NewPostgresStore opens a pool against connString. The schema is expected
// to provide a taskflux_tasks table matching TaskDocument's fields plus a
// monotonic integer version column.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool, errCh: make(chan error, 64)}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Errors() <-chan error { return s.errCh }

func (s *PostgresStore) publishErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// classify turns a raw pgx error into the FatalError/OverloadError taxonomy
// consumed by ManagedConfiguration, mirroring how the
// teacher's RedisStore annotates latency/overload signals in
// control_plane/store/redis.go.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many connections"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"):
		observability.StoreErrors.WithLabelValues("overload").Inc()
		return &OverloadError{Diagnostic: op, Cause: err}
	case strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "password authentication failed"):
		observability.StoreErrors.WithLabelValues("fatal").Inc()
		return &FatalError{Diagnostic: op, Cause: err}
	default:
		observability.StoreErrors.WithLabelValues("other").Inc()
		return err
	}
}

const taskColumns = `id, task_type, params, state, status, run_at, scheduled_at, started_at, retry_at, attempts, owner_id, schedule_interval_ms, version`

func scanTask(row pgx.Row) (*TaskDocument, error) {
	var d TaskDocument
	var scheduleMs *int64
	var version int64
	if err := row.Scan(
		&d.ID, &d.TaskType, &d.Params, &d.State, &d.Status, &d.RunAt, &d.ScheduledAt,
		&d.StartedAt, &d.RetryAt, &d.Attempts, &d.OwnerID, &scheduleMs, &version,
	); err != nil {
		return nil, err
	}
	if scheduleMs != nil {
		d.Schedule = &Schedule{Interval: time.Duration(*scheduleMs) * time.Millisecond}
	}
	d.Version = versionToString(version)
	return &d, nil
}

func (s *PostgresStore) ClaimAvailable(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	size := opts.Size
	if size <= 0 {
		size = 1
	}

	query := `
		WITH candidates AS (
			SELECT id FROM taskflux_tasks
			WHERE (status = 'idle' AND (run_at <= now() OR id = ANY($3)))
			   OR (status IN ('claiming', 'running') AND run_at <= now() AND retry_at <= now())
			ORDER BY
				(id = ANY($3)) DESC,
				CASE status
					WHEN 'claiming' THEN 0
					WHEN 'idle' THEN 1
					WHEN 'running' THEN 2
					ELSE 3
				END,
				run_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE taskflux_tasks t
		SET status = 'claiming', owner_id = $2, started_at = now(), retry_at = $4,
			attempts = t.attempts + 1, version = t.version + 1
		FROM candidates c
		WHERE t.id = c.id
		RETURNING ` + qualify("t", taskColumns)

	rows, err := s.pool.Query(ctx, query, size, opts.OwnerID, opts.ClaimTasksByID, opts.ClaimOwnershipUntil)
	if err != nil {
		err = classify("claimAvailable", err)
		s.publishErr(err)
		return ClaimResult{}, err
	}
	defer rows.Close()

	var docs []*TaskDocument
	for rows.Next() {
		d, err := scanTask(rows)
		if err != nil {
			return ClaimResult{}, classify("claimAvailable/scan", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		err = classify("claimAvailable/rows", err)
		s.publishErr(err)
		return ClaimResult{}, err
	}
	return ClaimResult{Docs: docs, ClaimedTasks: len(docs)}, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	var scheduleMs *int64
	if doc.Schedule != nil {
		ms := doc.Schedule.Interval.Milliseconds()
		scheduleMs = &ms
	}
	query := `
		INSERT INTO taskflux_tasks (id, task_type, params, state, status, run_at, scheduled_at, attempts, schedule_interval_ms, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, 1)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + taskColumns

	row := s.pool.QueryRow(ctx, query, doc.ID, doc.TaskType, doc.Params, doc.State, StatusIdle, doc.RunAt, doc.ScheduledAt, scheduleMs)
	d, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		err = classify("create", err)
		s.publishErr(err)
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) Update(ctx context.Context, doc *TaskDocument) (*TaskDocument, error) {
	var scheduleMs *int64
	if doc.Schedule != nil {
		ms := doc.Schedule.Interval.Milliseconds()
		scheduleMs = &ms
	}
	query := `
		UPDATE taskflux_tasks
		SET task_type = $2, params = $3, state = $4, status = $5, run_at = $6,
			started_at = $7, retry_at = $8, attempts = $9, owner_id = $10,
			schedule_interval_ms = $11, version = version + 1
		WHERE id = $1 AND version = $12
		RETURNING ` + taskColumns

	version := stringToVersion(doc.Version)
	row := s.pool.QueryRow(ctx, query,
		doc.ID, doc.TaskType, doc.Params, doc.State, doc.Status, doc.RunAt,
		doc.StartedAt, doc.RetryAt, doc.Attempts, doc.OwnerID, scheduleMs, version,
	)
	d, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		err = classify("update", err)
		s.publishErr(err)
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM taskflux_tasks WHERE id = $1`, id)
	if err != nil {
		err = classify("remove", err)
		s.publishErr(err)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*TaskDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM taskflux_tasks WHERE id = $1`, id)
	d, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return d, nil
}

func (s *PostgresStore) GetLifecycle(ctx context.Context, id string) (Status, error) {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM taskflux_tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classify("getLifecycle", err)
	}
	return status, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, opts SearchOptions) (FetchResult, error) {
	size := opts.Size
	if size <= 0 {
		size = 100
	}
	query := `SELECT ` + taskColumns + ` FROM taskflux_tasks WHERE ($1 = '' OR task_type = $1) AND ($2 = '' OR status = $2) AND id > $3 ORDER BY id LIMIT $4`
	rows, err := s.pool.Query(ctx, query, opts.TaskType, string(opts.Status), opts.SearchAfter, size)
	if err != nil {
		return FetchResult{}, classify("fetch", err)
	}
	defer rows.Close()

	var docs []*TaskDocument
	for rows.Next() {
		d, err := scanTask(rows)
		if err != nil {
			return FetchResult{}, classify("fetch/scan", err)
		}
		docs = append(docs, d)
	}
	var searchAfter string
	if len(docs) > 0 {
		searchAfter = docs[len(docs)-1].ID
	}
	return FetchResult{Docs: docs, SearchAfter: searchAfter}, rows.Err()
}

// qualify prefixes each column in a comma list, used to build the RETURNING
// clause of the UPDATE...FROM claim query above.
func qualify(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
