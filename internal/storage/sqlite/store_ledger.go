package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventProcessed reports whether a confirmation event id has already been
// committed to the ledger.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	var one int
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`,
		eventID,
	)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

// RecordEvent commits an event id to the ledger. Recording the same id twice
// is a no-op so a crash between the state write and the ledger write stays
// recoverable.
func (s *Store) RecordEvent(ctx context.Context, eventID string, receivedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, received_at) VALUES (?, ?)`,
		eventID,
		toMillis(receivedAt),
	)
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}
