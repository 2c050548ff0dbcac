package events

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPgWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	w := NewPgWindow(mock, time.Hour)
	w.now = func() time.Time { return now }

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("SM1", now, now.Add(-time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	dup, err := w.IsDuplicate(context.Background(), "SM1")
	if err != nil || dup {
		t.Fatalf("first sighting: dup=%v err=%v", dup, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("SM1", now, now.Add(-time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	dup, err = w.IsDuplicate(context.Background(), "SM1")
	if err != nil || !dup {
		t.Fatalf("repeat: dup=%v err=%v", dup, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("SM2", now, now.Add(-time.Hour)).
		WillReturnError(errors.New("conn reset"))
	if _, err := w.IsDuplicate(context.Background(), "SM2"); err == nil {
		t.Fatalf("expected error to surface")
	}

	mock.ExpectExec("DELETE FROM processed_events WHERE event_id").
		WithArgs("SM1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	if err := w.Forget(context.Background(), "SM1"); err != nil {
		t.Fatalf("forget: %v", err)
	}

	mock.ExpectExec("DELETE FROM processed_events WHERE processed_at").
		WithArgs(now.Add(-time.Hour)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	n, err := w.Prune(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("prune = %d, %v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
