package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgWindow keeps the dedup window in the processed_events table. An id
// older than the window is re-recorded and treated as new.
type PgWindow struct {
	db     execer
	window time.Duration
	now    func() time.Time
}

// NewPgWindow accepts a *pgxpool.Pool or anything with the same Exec.
func NewPgWindow(db execer, window time.Duration) *PgWindow {
	if db == nil {
		panic("events: pgx pool required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &PgWindow{db: db, window: window, now: time.Now}
}

func (w *PgWindow) IsDuplicate(ctx context.Context, id string) (bool, error) {
	now := w.now().UTC()
	ct, err := w.db.Exec(ctx, `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET processed_at = EXCLUDED.processed_at
		WHERE processed_events.processed_at < $3`,
		id, now, now.Add(-w.window))
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() == 0, nil
}

func (w *PgWindow) Forget(ctx context.Context, id string) error {
	if _, err := w.db.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, id); err != nil {
		return fmt.Errorf("events: forget processed: %w", err)
	}
	return nil
}

// Prune deletes ids that fell out of the window.
func (w *PgWindow) Prune(ctx context.Context) (int64, error) {
	ct, err := w.db.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, w.now().UTC().Add(-w.window))
	if err != nil {
		return 0, fmt.Errorf("events: prune processed: %w", err)
	}
	return ct.RowsAffected(), nil
}
