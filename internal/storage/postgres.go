package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// postgres error code for foreign_key_violation
const foreignKeyViolation = "23503"

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

type runRow struct {
	ID                 string         `db:"id"`
	WorkflowName       string         `db:"workflow_name"`
	Status             string         `db:"status"`
	Input              []byte         `db:"input"`
	Output             []byte         `db:"output"`
	FailedStep         string         `db:"failed_step"`
	Error              string         `db:"error"`
	UncompensatedSteps pq.StringArray `db:"uncompensated_steps"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	FinishedAt         *time.Time     `db:"finished_at"`
}

func (r runRow) toModel() models.Run {
	run := models.Run{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Status:       models.RunStatus(r.Status),
		Input:        json.RawMessage(r.Input),
		Output:       json.RawMessage(r.Output),
		FailedStep:   r.FailedStep,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		FinishedAt:   r.FinishedAt,
	}
	if len(r.UncompensatedSteps) > 0 {
		run.UncompensatedSteps = []string(r.UncompensatedSteps)
	}
	return run
}

type entryRow struct {
	RunID     string    `db:"run_id"`
	Seq       int64     `db:"seq"`
	StepName  string    `db:"step_name"`
	Attempt   int       `db:"attempt"`
	Status    string    `db:"status"`
	Input     []byte    `db:"input"`
	Output    []byte    `db:"output"`
	ErrorCode string    `db:"error_code"`
	Error     string    `db:"error"`
	Fatal     bool      `db:"fatal"`
	LoggedAt  time.Time `db:"logged_at"`
}

func (r entryRow) toModel() models.LogEntry {
	return models.LogEntry{
		RunID:     r.RunID,
		Seq:       r.Seq,
		StepName:  r.StepName,
		Attempt:   r.Attempt,
		Status:    models.EntryStatus(r.Status),
		Input:     json.RawMessage(r.Input),
		Output:    json.RawMessage(r.Output),
		ErrorCode: r.ErrorCode,
		Error:     r.Error,
		Fatal:     r.Fatal,
		LoggedAt:  r.LoggedAt,
	}
}

const runColumns = "id, workflow_name, status, input, output, failed_step, error, uncompensated_steps, created_at, updated_at, finished_at"
const entryColumns = "run_id, seq, step_name, attempt, status, input, output, error_code, error, fatal, logged_at"

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// inTx runs fn inside a transaction, reusing the current one when the store
// was obtained from Begin.
func (s *PostgresStore) inTx(ctx context.Context, fn func(db DBInterface) error) (err error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return fn(s.db)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// SaveRun inserts a new run record
func (s *PostgresStore) SaveRun(ctx context.Context, run models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.WorkflowName, run.Status, jsonParam(run.Input), jsonParam(run.Output),
		run.FailedStep, run.Error, pq.StringArray(run.UncompensatedSteps), run.CreatedAt, run.UpdatedAt, run.FinishedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return errors.Wrapf(storage.ErrRunExists, "run %s", run.ID)
	}
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(ctx context.Context, id string) (models.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT "+runColumns+" FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, errors.Wrapf(storage.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toModel(), nil
}

// UpdateRun persists the mutable fields of a run
func (s *PostgresStore) UpdateRun(ctx context.Context, run models.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1,
		output = $2,
		failed_step = $3,
		error = $4,
		uncompensated_steps = $5,
		updated_at = $6,
		finished_at = $7
		WHERE id = $8`,
		run.Status, jsonParam(run.Output), run.FailedStep, run.Error,
		pq.StringArray(run.UncompensatedSteps), run.UpdatedAt, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter storage.RunFilter) ([]models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE ($1 = '' OR workflow_name = $1)"
	args := []interface{}{filter.WorkflowName}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += " AND status = ANY($2)"
		args = append(args, pq.StringArray(statuses))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows := []runRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]models.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

// DeleteRunsOlderThan removes terminal runs finished before cutoff. Their log
// entries go with them through ON DELETE CASCADE.
func (s *PostgresStore) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ($1, $2, $3)
		AND COALESCE(finished_at, updated_at) < $4`,
		models.CompletedRunStatus, models.FailedRunStatus, models.CompensatedRunStatus, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AppendEntry appends to the transaction log of a run. Appends of one run are
// serialized by a transaction-scoped advisory lock keyed on the run id, so the
// ordering checks and the seq assignment see a stable view of the log.
func (s *PostgresStore) AppendEntry(ctx context.Context, entry models.LogEntry) (models.LogEntry, error) {
	err := s.inTx(ctx, func(db DBInterface) error {
		if _, err := db.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", entry.RunID); err != nil {
			return errors.Wrap(err, "lock run log")
		}
		var existing []entryRow
		err := db.SelectContext(ctx, &existing,
			"SELECT "+entryColumns+" FROM run_log WHERE run_id = $1 AND step_name = $2 ORDER BY seq",
			entry.RunID, entry.StepName)
		if err != nil {
			return errors.Wrap(err, "read step entries")
		}
		entries := make([]models.LogEntry, len(existing))
		for i, row := range existing {
			entries[i] = row.toModel()
		}
		if err := storage.ValidateAppend(entries, entry); err != nil {
			return err
		}
		err = db.QueryRowxContext(ctx, `
			INSERT INTO run_log (run_id, seq, step_name, attempt, status, input, output, error_code, error, fatal, logged_at)
			VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_log WHERE run_id = $1), $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
			RETURNING seq, logged_at`,
			entry.RunID, entry.StepName, entry.Attempt, entry.Status, jsonParam(entry.Input), jsonParam(entry.Output),
			entry.ErrorCode, entry.Error, entry.Fatal).Scan(&entry.Seq, &entry.LoggedAt)
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == foreignKeyViolation {
			return errors.Wrapf(storage.ErrNotFound, "run %s", entry.RunID)
		}
		return err
	})
	if err != nil {
		return models.LogEntry{}, err
	}
	return entry, nil
}

// ReadEntries returns the transaction log of a run ordered by seq
func (s *PostgresStore) ReadEntries(ctx context.Context, runID string) ([]models.LogEntry, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+entryColumns+" FROM run_log WHERE run_id = $1 ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("read entries of run %s: %w", runID, err)
	}
	entries := make([]models.LogEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.toModel()
	}
	return entries, nil
}

// jsonParam passes a JSON payload as text; lib/pq would send []byte as bytea.
func jsonParam(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
