package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Watermark returns the updated_at of the newest row downloaded for table t.
// ok is false if the table has never been synced.
func (s *Store) Watermark(ctx context.Context, t schema.Table) (time.Time, bool, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT watermark FROM sync_watermarks WHERE table_name = ?`, string(t)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark for %s: %w", t, err)
	}
	wm, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid watermark for %s: %w", t, err)
	}
	return wm, true, nil
}

// SetWatermarks advances the watermarks of several tables atomically.
// A watermark never moves backwards.
func (s *Store) SetWatermarks(ctx context.Context, marks map[schema.Table]time.Time) error {
	if len(marks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for t, wm := range marks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sync_watermarks (table_name, watermark) VALUES (?, ?)
				ON CONFLICT(table_name) DO UPDATE SET
					watermark = MAX(watermark, excluded.watermark)`,
				string(t), formatTime(wm))
			if err != nil {
				return fmt.Errorf("failed to set watermark for %s: %w", t, err)
			}
		}
		return nil
	})
}

// ResetWatermarks forgets every watermark so the next cycle downloads all rows.
func (s *Store) ResetWatermarks(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_watermarks`); err != nil {
		return fmt.Errorf("failed to reset watermarks: %w", err)
	}
	return nil
}
