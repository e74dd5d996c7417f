package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, module_path, status, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ModulePath, run.Status, run.StartedAt, run.CompletedAt, run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, module_path, status, started_at, completed_at, error, created_at, updated_at
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.ModulePath, &run.Status, &run.StartedAt, &run.CompletedAt, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus transitions a run's status, stamping completed_at when
// the new status is terminal.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	var completedAt *time.Time
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListRuns lists the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_path, status, started_at, completed_at, error, created_at, updated_at
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.ModulePath, &run.Status, &run.StartedAt, &run.CompletedAt, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent appends a new event to the log, assigning it an
// auto-generated ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, event.RunID, event.Level, event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents retrieves events for a run, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, message, details, timestamp
		FROM events WHERE run_id = ? ORDER BY timestamp DESC LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(&event.ID, &event.RunID, &event.Level, &event.Message, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateAuditEntry appends a new audit log entry, assigning it an
// auto-generated ID.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (run_id, action, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, entry.Action, entry.TargetID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("creating audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading audit entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries for a run, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, runID string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, action, target_id, details, timestamp
		FROM audit WHERE run_id = ? ORDER BY timestamp DESC LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Action, &entry.TargetID, &entry.Details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
