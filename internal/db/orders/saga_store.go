package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront/internal/orders/saga"

	"github.com/jackc/pgx/v5/pgconn"
)

// SagaStore persists saga instances, step executions and audit events in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			saga_id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			state TEXT NOT NULL,
			payload JSONB,
			result JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL REFERENCES sagas(saga_id) ON DELETE CASCADE,
			step TEXT NOT NULL,
			step_order INT NOT NULL,
			status TEXT NOT NULL,
			input_data JSONB,
			output_data JSONB,
			error_message TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			compensation_step TEXT,
			compensation_data JSONB,
			UNIQUE (saga_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS saga_events (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL REFERENCES sagas(saga_id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			step TEXT,
			message TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a new saga or returns the existing one with the same id.
func (s *SagaStore) Create(ctx context.Context, inst saga.Instance) (saga.Instance, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (saga_id, saga_type, state, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (saga_id) DO NOTHING`,
		inst.ID, inst.Type, string(inst.State), nullJSON(inst.Payload), inst.CreatedAt,
	)
	if err != nil {
		return saga.Instance{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Instance{}, false, err
	}

	stored, err := s.Get(ctx, inst.ID)
	if errors.Is(err, saga.ErrNotFound) {
		return saga.Instance{}, false, fmt.Errorf("saga %s not found after insert", inst.ID)
	}
	if err != nil {
		return saga.Instance{}, false, err
	}
	return stored, affected == 1, nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, saga_type, state, payload, result, error_message,
			created_at, started_at, completed_at, failed_at
		FROM sagas
		WHERE saga_id = $1`,
		id,
	)

	var (
		inst                          saga.Instance
		state                         string
		payload, result               []byte
		errMsg                        sql.NullString
		startedAt, completedAt, endAt sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.Type, &state, &payload, &result, &errMsg,
		&inst.CreatedAt, &startedAt, &completedAt, &endAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Instance{}, err
	}
	inst.State = saga.State(state)
	inst.Payload = payload
	inst.Result = result
	inst.ErrorMessage = errMsg.String
	inst.StartedAt = timePtr(startedAt)
	inst.CompletedAt = timePtr(completedAt)
	inst.FailedAt = timePtr(endAt)
	return inst, nil
}

// Update overwrites the mutable columns of a non-terminal saga.
func (s *SagaStore) Update(ctx context.Context, inst saga.Instance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET state = $2, result = $3, error_message = $4,
			started_at = $5, completed_at = $6, failed_at = $7, updated_at = NOW()
		WHERE saga_id = $1 AND state NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')`,
		inst.ID, string(inst.State), nullJSON(inst.Result), nullString(inst.ErrorMessage),
		inst.StartedAt, inst.CompletedAt, inst.FailedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sagas WHERE saga_id = $1)`, inst.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return saga.ErrTerminal
	}
	return saga.ErrNotFound
}

// StartStep inserts a step execution row and returns it with its id.
func (s *SagaStore) StartStep(ctx context.Context, exec saga.StepExecution) (saga.StepExecution, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO saga_steps (saga_id, step, step_order, status, input_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		exec.SagaID, string(exec.Step), exec.StepOrder, string(exec.Status), nullJSON(exec.InputData), exec.StartedAt,
	).Scan(&exec.ID)
	switch {
	case isUniqueViolation(err):
		return saga.StepExecution{}, saga.ErrDuplicateStep
	case isForeignKeyViolation(err):
		return saga.StepExecution{}, saga.ErrNotFound
	case err != nil:
		return saga.StepExecution{}, err
	}
	return exec, nil
}

// FinishStep records the outcome of a step execution.
func (s *SagaStore) FinishStep(ctx context.Context, exec saga.StepExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_steps
		SET status = $3, output_data = $4, error_message = $5, completed_at = $6,
			duration_ms = $7, compensation_step = $8, compensation_data = $9
		WHERE id = $1 AND saga_id = $2`,
		exec.ID, exec.SagaID, string(exec.Status), nullJSON(exec.OutputData), nullString(exec.ErrorMessage),
		exec.CompletedAt, exec.Duration.Milliseconds(), nullString(string(exec.CompensationStep)), nullJSON(exec.CompensationData),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrNotFound
	}
	return nil
}

// Steps returns a saga's executions in insertion order.
func (s *SagaStore) Steps(ctx context.Context, sagaID string) ([]saga.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, saga_id, step, step_order, status, input_data, output_data, error_message,
			started_at, completed_at, duration_ms, compensation_step, compensation_data
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY id ASC`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.StepExecution
	for rows.Next() {
		var (
			exec                    saga.StepExecution
			step, status            string
			input, output, compData []byte
			errMsg, compStep        sql.NullString
			startedAt, completedAt  sql.NullTime
			durationMs              int64
		)
		if err := rows.Scan(&exec.ID, &exec.SagaID, &step, &exec.StepOrder, &status, &input, &output, &errMsg,
			&startedAt, &completedAt, &durationMs, &compStep, &compData); err != nil {
			return nil, err
		}
		exec.Step = saga.Step(step)
		exec.Status = saga.StepStatus(status)
		exec.InputData = input
		exec.OutputData = output
		exec.ErrorMessage = errMsg.String
		exec.StartedAt = timePtr(startedAt)
		exec.CompletedAt = timePtr(completedAt)
		exec.Duration = time.Duration(durationMs) * time.Millisecond
		exec.CompensationStep = saga.Step(compStep.String)
		exec.CompensationData = compData
		out = append(out, exec)
	}
	return out, rows.Err()
}

// AppendEvent adds an entry to a saga's audit trail.
func (s *SagaStore) AppendEvent(ctx context.Context, ev saga.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_events (saga_id, kind, from_state, to_state, step, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.SagaID, ev.Kind, nullString(string(ev.FromState)), nullString(string(ev.ToState)),
		nullString(string(ev.Step)), nullString(ev.Message), ev.CreatedAt,
	)
	return err
}

// Events returns a saga's audit trail in insertion order.
func (s *SagaStore) Events(ctx context.Context, sagaID string) ([]saga.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, saga_id, kind, from_state, to_state, step, message, created_at
		FROM saga_events
		WHERE saga_id = $1
		ORDER BY id ASC`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.AuditEvent
	for rows.Next() {
		var (
			ev                      saga.AuditEvent
			from, to, step, message sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SagaID, &ev.Kind, &from, &to, &step, &message, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromState = saga.State(from.String)
		ev.ToState = saga.State(to.String)
		ev.Step = saga.Step(step.String)
		ev.Message = message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var _ saga.Store = (*SagaStore)(nil)
