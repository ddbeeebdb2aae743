package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ChuLiYu/candlepin-async/internal/jobdata"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const tableName = "cp_async_jobs"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		id                    VARCHAR(64)  PRIMARY KEY,
		job_key               VARCHAR(255) NOT NULL,
		name                  VARCHAR(255) NOT NULL,
		job_group             VARCHAR(255) NOT NULL DEFAULT '',
		origin                VARCHAR(255) NOT NULL DEFAULT '',
		executor              VARCHAR(255) NOT NULL DEFAULT '',
		principal             VARCHAR(255) NOT NULL DEFAULT '',
		correlation_id        VARCHAR(255) NOT NULL DEFAULT '',
		log_level             VARCHAR(32)  NOT NULL DEFAULT '',
		log_execution_details BOOLEAN      NOT NULL,
		state                 VARCHAR(32)  NOT NULL,
		previous_state        VARCHAR(32)  NOT NULL DEFAULT '',
		attempts              INTEGER      NOT NULL,
		max_attempts          INTEGER      NOT NULL,
		start_time            BIGINT       NOT NULL DEFAULT 0,
		end_time              BIGINT       NOT NULL DEFAULT 0,
		created               BIGINT       NOT NULL,
		updated               BIGINT       NOT NULL,
		job_data              TEXT         NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cp_async_jobs_key_state_idx ON ` + tableName + ` (job_key, state)`,
	`CREATE INDEX IF NOT EXISTS cp_async_jobs_state_updated_idx ON ` + tableName + ` (state, updated)`,
}

const columns = `id, job_key, name, job_group, origin, executor, principal, correlation_id,
	log_level, log_execution_details, state, previous_state, attempts, max_attempts,
	start_time, end_time, created, updated, job_data`

// SQLStore persists statuses in the cp_async_jobs table. The dynamic payload
// (metadata, arguments, constraint snapshots, output) lives in job_data as
// produced by the job data converter.
type SQLStore struct {
	db        *sql.DB
	driver    string
	converter *jobdata.Converter
	logger    logrus.FieldLogger
	now       func() time.Time
}

// Open connects to dsn with driver and creates the schema
func Open(ctx context.Context, driver, dsn string, logger logrus.FieldLogger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
	}

	s := NewSQLStore(db, driver, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate before use.
func NewSQLStore(db *sql.DB, driver string, logger logrus.FieldLogger) *SQLStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{"component": "store", "driver": driver})
	return &SQLStore{
		db:        db,
		driver:    driver,
		converter: jobdata.NewConverter(logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the table and indexes when missing
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to create job status schema")
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func (s *SQLStore) Create(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error) {
	if status == nil {
		return nil, errors.New("status is nil")
	}

	c := prepareCreate(status, s.now())
	data, err := s.converter.EncodeStatus(c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode job data for %s", c.ID)
	}

	query := `INSERT INTO ` + tableName + ` (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		c.ID, c.JobKey, c.Name, c.Group, c.Origin, c.Executor, c.Principal, c.CorrelationID,
		c.LogLevel, c.LogExecutionDetails, string(c.State), string(c.PreviousState), c.Attempts, c.MaxAttempts,
		toMicros(c.StartTime), toMicros(c.EndTime), toMicros(c.CreatedAt), toMicros(c.UpdatedAt), string(data),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to insert job status %s", c.ID)
	}

	s.logger.WithFields(logrus.Fields{"job_id": c.ID, "job_key": c.JobKey}).Debug("Created job status")
	return s.Get(ctx, c.ID)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.JobStatus, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM `+tableName+` WHERE id = ?`), id)
	status, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job status %s", id)
	}
	return status, nil
}

func (s *SQLStore) Merge(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error) {
	if status == nil {
		return nil, errors.New("status is nil")
	}

	c := status.Clone()
	c.UpdatedAt = s.now()
	data, err := s.converter.EncodeStatus(c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode job data for %s", c.ID)
	}

	query := `UPDATE ` + tableName + ` SET
		job_key = ?, name = ?, job_group = ?, origin = ?, executor = ?, principal = ?,
		correlation_id = ?, log_level = ?, log_execution_details = ?, state = ?, previous_state = ?,
		attempts = ?, max_attempts = ?, start_time = ?, end_time = ?, updated = ?, job_data = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		c.JobKey, c.Name, c.Group, c.Origin, c.Executor, c.Principal,
		c.CorrelationID, c.LogLevel, c.LogExecutionDetails, string(c.State), string(c.PreviousState),
		c.Attempts, c.MaxAttempts, toMicros(c.StartTime), toMicros(c.EndTime), toMicros(c.UpdatedAt), string(data),
		c.ID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update job status %s", c.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, errors.Wrapf(ErrNotFound, "id %s", c.ID)
	}
	return s.Get(ctx, c.ID)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+tableName+` WHERE id = ?`), id)
	return errors.Wrapf(err, "failed to delete job status %s", id)
}

func (s *SQLStore) FindNonTerminal(ctx context.Context, jobKey string) ([]*types.JobStatus, error) {
	return s.List(ctx, ListFilter{JobKey: jobKey, States: types.NonTerminalStates()})
}

func (s *SQLStore) FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*types.JobStatus, error) {
	where, args := stateClause(TerminalStates())
	where += ` AND updated < ?`
	args = append(args, toMicros(cutoff))
	return s.query(ctx, where, args, 0)
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*types.JobStatus, error) {
	var clauses []string
	var args []any

	if filter.JobKey != "" {
		clauses = append(clauses, `job_key = ?`)
		args = append(args, filter.JobKey)
	}
	if len(filter.States) > 0 {
		clause, stateArgs := stateClause(filter.States)
		clauses = append(clauses, clause)
		args = append(args, stateArgs...)
	}

	where := "1 = 1"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}
	return s.query(ctx, where, args, filter.Limit)
}

func stateClause(states []types.JobState) (string, []any) {
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = string(state)
	}
	return `state IN (` + strings.Join(placeholders, ", ") + `)`, args
}

func (s *SQLStore) query(ctx context.Context, where string, args []any, limit int) ([]*types.JobStatus, error) {
	query := `SELECT ` + columns + ` FROM ` + tableName + ` WHERE ` + where + ` ORDER BY created, id`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job statuses")
	}
	defer rows.Close()

	out := []*types.JobStatus{}
	for rows.Next() {
		status, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, errors.Wrap(rows.Err(), "failed to read job statuses")
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scan(row scanner) (*types.JobStatus, error) {
	var (
		status                               types.JobStatus
		state, previous, data                string
		startTime, endTime, created, updated int64
	)
	err := row.Scan(
		&status.ID, &status.JobKey, &status.Name, &status.Group, &status.Origin, &status.Executor,
		&status.Principal, &status.CorrelationID, &status.LogLevel, &status.LogExecutionDetails,
		&state, &previous, &status.Attempts, &status.MaxAttempts,
		&startTime, &endTime, &created, &updated, &data,
	)
	if err != nil {
		return nil, err
	}

	status.State = types.JobState(state)
	status.PreviousState = types.JobState(previous)
	status.StartTime = fromMicros(startTime)
	status.EndTime = fromMicros(endTime)
	status.CreatedAt = fromMicros(created)
	status.UpdatedAt = fromMicros(updated)

	if err := s.converter.DecodeInto([]byte(data), &status); err != nil {
		return nil, errors.Wrapf(err, "failed to decode job data for %s", status.ID)
	}
	return &status, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
