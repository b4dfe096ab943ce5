package eventsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"storefront/internal/bus"
	"storefront/internal/events"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var (
	occurred  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	processed = time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	columns   = []string{"id", "message_id", "event_id", "event_type", "stream", "aggregate_type", "aggregate_id", "producer_instance", "occurred_at", "data", "processed_at"}
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
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

func checkedOut() events.Envelope {
	env := events.New(events.StreamCarts, events.AggregateCart, "101", "carts-1", events.CartCheckedOut{OrderID: 5}, occurred)
	env.EventID = "evt-1"
	return env
}

func TestEventStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stored_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS stored_events_aggregate_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewEventStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestEventStore_AppendIfNew_Inserts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO stored_events").
		WithArgs("1-0", "evt-1", "CartCheckedOut", "carts", "Cart", "101", "carts-1", sqlmock.AnyArg(), `{"order_id":5}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "processed_at"}).AddRow(int64(11), processed))
	mock.ExpectClose()

	store := NewEventStore(db)
	row, created, err := store.AppendIfNew(context.Background(), "1-0", checkedOut())
	if err != nil {
		t.Fatalf("AppendIfNew: %v", err)
	}
	if !created {
		t.Fatalf("expected a new row")
	}
	if row.ID != 11 || !row.ProcessedAt.Equal(processed) {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestEventStore_AppendIfNew_DuplicateReturnsExisting(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO stored_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "processed_at"}))
	mock.ExpectQuery("SELECT (.+) FROM stored_events WHERE stream = \\$1 AND message_id = \\$2").
		WithArgs("carts", "1-0").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(11), "1-0", "evt-1", "CartCheckedOut", "carts", "Cart", "101", "carts-1", occurred, []byte(`{"order_id":5}`), processed))
	mock.ExpectClose()

	store := NewEventStore(db)
	row, created, err := store.AppendIfNew(context.Background(), "1-0", checkedOut())
	if err != nil {
		t.Fatalf("AppendIfNew: %v", err)
	}
	if created {
		t.Fatalf("duplicate must not create a row")
	}
	if row.ID != 11 || row.EventID != "evt-1" {
		t.Fatalf("unexpected existing row: %+v", row)
	}
}

func TestEventStore_AppendIfNew_InsertError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO stored_events").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	store := NewEventStore(db)
	if _, _, err := store.AppendIfNew(context.Background(), "1-0", checkedOut()); err == nil {
		t.Fatalf("expected insert error")
	}
}

func TestEventStore_AppendIfNew_RejectsInvalidEnvelope(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	store := NewEventStore(db)
	_, _, err := store.AppendIfNew(context.Background(), "1-0", events.Envelope{EventID: "x"})
	if !errors.Is(err, events.ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestEventStore_EventsFor_OrdersByTimeThenID(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM stored_events WHERE aggregate_type = \\$1 AND aggregate_id = \\$2 ORDER BY occurred_at ASC, id ASC").
		WithArgs("Cart", "101").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(1), "1-0", "evt-1", "CartCreated", "carts", "Cart", "101", "p", occurred, []byte(`{"customer_id":7}`), processed).
			AddRow(int64(2), "2-0", "evt-2", "CartItemAdded", "carts", "Cart", "101", "p", occurred, []byte(`{"product_id":3,"quantity":2,"unit_price":9.5}`), processed))
	mock.ExpectClose()

	store := NewEventStore(db)
	history, err := store.EventsFor(context.Background(), "Cart", "101")
	if err != nil {
		t.Fatalf("EventsFor: %v", err)
	}
	if len(history) != 2 || history[0].ID != 1 || history[1].ID != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}
	data, err := history[1].Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if added, ok := data.(events.CartItemAdded); !ok || added.Quantity != 2 {
		t.Fatalf("unexpected payload: %#v", data)
	}
}

func TestDeadLetterStore_Record(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dead_letter_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs("event-store-consumers", "carts", "9-0", "malformed envelope", `{"envelope":"not json"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	store, err := NewDeadLetterStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	msg := bus.Message{ID: "9-0", Stream: "carts", Raw: map[string]any{"envelope": "not json"}, Err: events.ErrMalformed}
	if err := store.Record(context.Background(), "event-store-consumers", msg, msg.Err); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
