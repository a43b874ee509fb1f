package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"corpportal.org/internal/auth"
)

func TestPGStoreRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	ev := auth.NewSecurityEvent(auth.EventLoginFailure, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), auth.Origin{Address: "10.1.1.1"})
	ev.Subject = "a@x.com"
	ev.Detail = map[string]string{"reason": "bad_secret"}

	mock.ExpectExec("insert into security_events").
		WithArgs(ev.ID, "LOGIN_FAILURE", "", "a@x.com", "10.1.1.1", "", ev.Timestamp, []byte(`{"reason":"bad_secret"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewPGStore(db).Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreRecordDuplicateIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into security_events").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec("insert into security_events").WillReturnError(errors.New("connection reset"))

	store := NewPGStore(db)
	ev := auth.NewSecurityEvent(auth.EventLoginSuccess, time.Now(), auth.Origin{})
	if err := store.Record(context.Background(), ev); err != nil {
		t.Fatalf("duplicate insert should be ignored, got %v", err)
	}
	if err := store.Record(context.Background(), ev); err == nil {
		t.Fatal("expected other errors to propagate")
	}
}

func TestPGStoreRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "kind", "subject_id", "subject", "origin_address", "origin_agent", "occurred_at", "detail"}).
		AddRow("01J0", "ACCOUNT_LOCKED", "u1", "a@x.com", "10.1.1.1", "", at, []byte(`{"reason":"bad_secret"}`)).
		AddRow("01HZ", "LOGIN_FAILURE", "u1", "a@x.com", "10.1.1.1", "", at.Add(-time.Minute), []byte(`null`))
	mock.ExpectQuery("select id, kind.*from security_events").WithArgs("u1", 100).WillReturnRows(rows)

	events, err := NewPGStore(db).Recent(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != auth.EventAccountLocked || events[0].Detail["reason"] != "bad_secret" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}
