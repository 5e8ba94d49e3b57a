// Package notifications implements the reminders and instant-message module
// backing the push-notification scheduler.
package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Recurrence values for reminders.
const (
	RecurrenceNone    = "none"
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

// RecurrenceInterval returns the advance applied when a recurring reminder
// fires. Monthly is a fixed 30 days.
func RecurrenceInterval(recurrence string) (time.Duration, bool) {
	switch recurrence {
	case RecurrenceDaily:
		return 24 * time.Hour, true
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour, true
	case RecurrenceMonthly:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Reminder is one row of the notifications table. NextOccurrence is the
// precomputed fire time after the current one; zero for one-shot reminders.
type Reminder struct {
	ID             int64     `json:"id"`
	DueAt          time.Time `json:"due_at"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Sent           bool      `json:"sent"`
	Message        string    `json:"message"`
	Recurrence     string    `json:"recurrence"`
	NextOccurrence time.Time `json:"next_occurrence,omitzero"`
}

// Store persists reminders in the shared notifications database.
type Store struct {
	db *sql.DB
}

// NewStore prepares the notifications schema.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			due_at TIMESTAMP NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL,
			recurrence TEXT NOT NULL DEFAULT 'none',
			next_occurrence TIMESTAMP
		)`)
	if err != nil {
		return nil, fmt.Errorf("create notifications table: %w", err)
	}
	return &Store{db: db}, nil
}

// Add inserts a reminder and returns its id.
func (s *Store) Add(ctx context.Context, r Reminder) (int64, error) {
	if r.Recurrence == "" {
		r.Recurrence = RecurrenceNone
	}
	var next any
	if interval, ok := RecurrenceInterval(r.Recurrence); ok {
		next = r.DueAt.Add(interval).UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (due_at, sender, recipient, sent, message, recurrence, next_occurrence)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		r.DueAt.UTC(), r.Sender, r.Recipient, r.Message, r.Recurrence, next)
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	return result.LastInsertId()
}

// List returns every pending reminder addressed to the recipient.
func (s *Store) List(ctx context.Context, recipient string) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, due_at, sender, recipient, sent, message, recurrence, next_occurrence
		FROM notifications WHERE recipient = ? AND sent = 0 ORDER BY due_at`, recipient)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// Delete removes a reminder by id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// Due returns unsent reminders whose due time has passed.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, due_at, sender, recipient, sent, message, recurrence, next_occurrence
		FROM notifications WHERE sent = 0 AND due_at <= ? ORDER BY due_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// MarkFired records the outcome of a successful push. Recurring reminders
// bump due_at to next_occurrence, precompute the following one, and stay
// unsent; one-shot reminders are marked sent.
func (s *Store) MarkFired(ctx context.Context, r Reminder) error {
	if interval, ok := RecurrenceInterval(r.Recurrence); ok {
		next := r.NextOccurrence
		if next.IsZero() {
			next = r.DueAt.Add(interval)
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE notifications SET due_at = ?, next_occurrence = ? WHERE id = ?`,
			next.UTC(), next.Add(interval).UTC(), r.ID)
		if err != nil {
			return fmt.Errorf("advance recurring reminder: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET sent = 1 WHERE id = ?`, r.ID)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// Get fetches one reminder.
func (s *Store) Get(ctx context.Context, id int64) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, due_at, sender, recipient, sent, message, recurrence, next_occurrence
		FROM notifications WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var sent int
	var next sql.NullTime
	if err := row.Scan(&r.ID, &r.DueAt, &r.Sender, &r.Recipient, &sent, &r.Message, &r.Recurrence, &next); err != nil {
		return r, err
	}
	r.Sent = sent != 0
	r.DueAt = r.DueAt.UTC()
	if next.Valid {
		r.NextOccurrence = next.Time.UTC()
	}
	return r, nil
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
