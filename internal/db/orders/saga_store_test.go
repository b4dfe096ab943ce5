package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"storefront/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newSagaMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var sagaColumns = []string{
	"saga_id", "saga_type", "state", "payload", "result", "error_message",
	"created_at", "started_at", "completed_at", "failed_at",
}

var stepColumns = []string{
	"id", "saga_id", "step", "step_order", "status", "input_data", "output_data", "error_message",
	"started_at", "completed_at", "duration_ms", "compensation_step", "compensation_data",
}

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewSagaStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestSagaStore_InitSchema_Error(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sagas").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	if _, err := NewSagaStoreWithSchema(context.Background(), db); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestSagaStore_Create_New(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO sagas").
		WithArgs("order-processing-evt-1", "order-processing", "PENDING", `{"customer_id":7}`, created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT saga_id, saga_type, state").
		WithArgs("order-processing-evt-1").
		WillReturnRows(sqlmock.NewRows(sagaColumns).
			AddRow("order-processing-evt-1", "order-processing", "PENDING", []byte(`{"customer_id":7}`), nil, nil, created, nil, nil, nil))
	mock.ExpectClose()

	store := NewSagaStore(db)
	inst, isNew, err := store.Create(context.Background(), saga.Instance{
		ID:        "order-processing-evt-1",
		Type:      saga.TypeOrderProcessing,
		State:     saga.StatePending,
		Payload:   []byte(`{"customer_id":7}`),
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !isNew {
		t.Fatalf("expected created saga")
	}
	if inst.State != saga.StatePending || inst.StartedAt != nil || len(inst.Result) != 0 {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestSagaStore_Create_ReturnsExisting(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(time.Second)
	mock.ExpectExec("INSERT INTO sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, saga_type, state").
		WithArgs("order-processing-evt-1").
		WillReturnRows(sqlmock.NewRows(sagaColumns).
			AddRow("order-processing-evt-1", "order-processing", "COMPLETED", []byte(`{}`), []byte(`{"order_id":101}`), nil, created, created, done, nil))
	mock.ExpectClose()

	store := NewSagaStore(db)
	inst, isNew, err := store.Create(context.Background(), saga.Instance{ID: "order-processing-evt-1", Type: saga.TypeOrderProcessing, State: saga.StatePending, CreatedAt: created})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if isNew {
		t.Fatalf("expected existing saga")
	}
	if inst.State != saga.StateCompleted {
		t.Fatalf("unexpected state: %s", inst.State)
	}
	if inst.CompletedAt == nil || !inst.CompletedAt.Equal(done) {
		t.Fatalf("unexpected completed_at: %v", inst.CompletedAt)
	}
	if string(inst.Result) != `{"order_id":101}` {
		t.Fatalf("unexpected result: %s", inst.Result)
	}
}

func TestSagaStore_Create_NotFoundAfterInsert(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, saga_type, state").
		WillReturnRows(sqlmock.NewRows(sagaColumns))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, _, err := store.Create(context.Background(), saga.Instance{ID: "s-1"}); err == nil {
		t.Fatalf("expected error when saga missing after insert")
	}
}

func TestSagaStore_Create_RowsAffectedError(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO sagas").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows affected boom")))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, _, err := store.Create(context.Background(), saga.Instance{ID: "s-err"}); err == nil {
		t.Fatalf("expected rows affected error")
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT saga_id, saga_type, state").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaColumns))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaStore_Update(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE sagas SET state").
		WithArgs("s-1", "ORDER_CREATED", `{"order_id":101}`, nil, sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.Update(context.Background(), saga.Instance{
		ID:        "s-1",
		State:     saga.StateOrderCreated,
		Result:    []byte(`{"order_id":101}`),
		StartedAt: &started,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSagaStore_Update_Terminal(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE sagas SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s-done").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.Update(context.Background(), saga.Instance{ID: "s-done", State: saga.StateCompensating})
	if !errors.Is(err, saga.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestSagaStore_Update_NotFound(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE sagas SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.Update(context.Background(), saga.Instance{ID: "s-missing", State: saga.StateCompensating})
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaStore_StartStep(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO saga_steps").
		WithArgs("s-1", "RESERVE_STOCK", 2, "RUNNING", `[{"product_id":1}]`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectClose()

	store := NewSagaStore(db)
	row, err := store.StartStep(context.Background(), saga.StepExecution{
		SagaID:    "s-1",
		Step:      saga.StepReserveStock,
		StepOrder: 2,
		Status:    saga.StepRunning,
		InputData: []byte(`[{"product_id":1}]`),
		StartedAt: &started,
	})
	if err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if row.ID != 7 {
		t.Fatalf("unexpected id: %d", row.ID)
	}
}

func TestSagaStore_StartStep_Duplicate(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO saga_steps").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectClose()

	store := NewSagaStore(db)
	_, err := store.StartStep(context.Background(), saga.StepExecution{SagaID: "s-1", Step: saga.StepCheckStock, StepOrder: 1, Status: saga.StepRunning})
	if !errors.Is(err, saga.ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}
}

func TestSagaStore_StartStep_UnknownSaga(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO saga_steps").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectClose()

	store := NewSagaStore(db)
	_, err := store.StartStep(context.Background(), saga.StepExecution{SagaID: "ghost", Step: saga.StepCheckStock})
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaStore_FinishStep(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	done := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	mock.ExpectExec("UPDATE saga_steps SET status").
		WithArgs(int64(3), "s-1", "COMPLETED", `{"order_id":101}`, nil, sqlmock.AnyArg(), int64(250), "CANCEL_ORDER", `{"order_id":101}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE saga_steps SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	row := saga.StepExecution{
		ID:               3,
		SagaID:           "s-1",
		Step:             saga.StepCreateOrder,
		Status:           saga.StepCompleted,
		OutputData:       []byte(`{"order_id":101}`),
		CompletedAt:      &done,
		Duration:         250 * time.Millisecond,
		CompensationStep: saga.StepCancelOrder,
		CompensationData: []byte(`{"order_id":101}`),
	}
	if err := store.FinishStep(context.Background(), row); err != nil {
		t.Fatalf("FinishStep: %v", err)
	}
	row.ID = 99
	if err := store.FinishStep(context.Background(), row); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaStore_Steps(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, saga_id, step, step_order").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(stepColumns).
			AddRow(int64(1), "s-1", "CREATE_ORDER", 3, "COMPLETED", []byte(`{}`), []byte(`{"order_id":101}`), nil,
				at, at.Add(time.Second), int64(1000), "CANCEL_ORDER", []byte(`{"order_id":101}`)).
			AddRow(int64(2), "s-1", "CANCEL_ORDER", 3, "FAILED", []byte(`{"order_id":101}`), nil, "orders service down",
				at, nil, int64(0), nil, nil))
	mock.ExpectClose()

	store := NewSagaStore(db)
	steps, err := store.Steps(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].CompensationStep != saga.StepCancelOrder || steps[0].Duration != time.Second {
		t.Fatalf("unexpected forward row: %+v", steps[0])
	}
	if steps[1].Status != saga.StepFailed || steps[1].ErrorMessage != "orders service down" {
		t.Fatalf("unexpected compensation row: %+v", steps[1])
	}
	if steps[1].CompletedAt != nil || steps[1].CompensationStep != "" || steps[1].OutputData != nil {
		t.Fatalf("expected null columns to stay empty: %+v", steps[1])
	}
}

func TestSagaStore_AppendEventAndEvents(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO saga_events").
		WithArgs("s-1", "state_changed", "PENDING", "STOCK_CHECKING", nil, nil, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, saga_id, kind").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "saga_id", "kind", "from_state", "to_state", "step", "message", "created_at"}).
			AddRow(int64(1), "s-1", "state_changed", "PENDING", "STOCK_CHECKING", nil, nil, at).
			AddRow(int64(2), "s-1", "step_failed", nil, nil, "CHECK_STOCK", "insufficient stock", at))
	mock.ExpectClose()

	store := NewSagaStore(db)
	ctx := context.Background()
	err := store.AppendEvent(ctx, saga.AuditEvent{
		SagaID:    "s-1",
		Kind:      saga.EventStateChanged,
		FromState: saga.StatePending,
		ToState:   saga.StateStockChecking,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	trail, err := store.Events(ctx, "s-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(trail))
	}
	if trail[1].Step != saga.StepCheckStock || trail[1].Message != "insufficient stock" || trail[1].FromState != "" {
		t.Fatalf("unexpected event: %+v", trail[1])
	}
}
