// Package calendar implements the calendar capability on top of a CalDAV
// style upstream, materializing one year back and one year forward into a
// local cache.
package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	dateLayout = "2006-01-02"
)

// Event is one calendar entry.
type Event struct {
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Upstream abstracts the CalDAV server.
type Upstream interface {
	FetchEvents(ctx context.Context, from, to time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, event Event) (uid string, err error)
	DeleteEvent(ctx context.Context, uid string) error
}

// Module is the calendar capability.
type Module struct {
	modules.Status

	db       *sql.DB
	upstream Upstream
	logger   *observability.Logger
	location *time.Location
	now      func() time.Time

	mu       sync.Mutex
	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the calendar module.
func New(db *sql.DB, upstream Upstream, location *time.Location, logger *observability.Logger) (*Module, error) {
	if location == nil {
		location = time.UTC
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			starts_at TIMESTAMP NOT NULL,
			ends_at TIMESTAMP NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("create events table: %w", err)
	}

	m := &Module{
		db:       db,
		upstream: upstream,
		logger:   logger,
		location: location,
		now:      time.Now,
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"calendar_search_event": m.searchEvent,
		"calendar_add_event":    m.addEvent,
		"calendar_delete_event": m.deleteEvent,
	}
	return m, nil
}

func init() {
	modules.Register("calendar", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "calendar.sqlite"))
		if err != nil {
			return nil, err
		}
		return New(db, nil, time.UTC, env.Logger)
	})
}

func (m *Module) Name() string     { return "calendar" }
func (m *Module) Complexity() int  { return modules.ComplexityMedium }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "Search, create and delete events in the user's personal calendar."
}

func (m *Module) SystemContext() string {
	return "Event times are expressed as 'YYYY-MM-DD HH:MM:SS'; search periods as 'YYYY-MM-DD'."
}

type searchArgs struct {
	PeriodFrom string `json:"period_from" jsonschema:"description=First day of the search window formatted as YYYY-MM-DD"`
	PeriodTo   string `json:"period_to" jsonschema:"description=Last day of the search window formatted as YYYY-MM-DD"`
}

type addArgs struct {
	Title    string `json:"title" jsonschema:"description=Event title"`
	Start    string `json:"start" jsonschema:"description=Event start formatted as YYYY-MM-DD HH:MM:SS"`
	End      string `json:"end" jsonschema:"description=Event end formatted as YYYY-MM-DD HH:MM:SS"`
	Location string `json:"location,omitempty" jsonschema:"description=Optional event location"`
}

type deleteArgs struct {
	EventUID string `json:"event_uid" jsonschema:"description=Uid of the event to delete"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "calendar_search_event",
			Description: "Search calendar events in a date range",
			Parameters:  modules.SchemaFor[searchArgs](),
			Strict:      true,
		},
		{
			Name:        "calendar_add_event",
			Description: "Add an event to the calendar",
			Parameters:  modules.SchemaFor[addArgs](),
			Strict:      true,
		},
		{
			Name:        "calendar_delete_event",
			Description: "Delete an event from the calendar",
			Parameters:  modules.SchemaFor[deleteArgs](),
			Strict:      true,
		},
	}
}

func (m *Module) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := m.dispatch[tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	return fn(ctx, args)
}

// Refresh materializes one year back and one year forward from upstream.
func (m *Module) Refresh(ctx context.Context) error {
	if m.upstream == nil {
		return nil
	}
	now := m.now()
	events, err := m.upstream.FetchEvents(ctx, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	for _, event := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (uid, title, starts_at, ends_at, location, description, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.UID, event.Title, event.Start.UTC(), event.End.UTC(),
			event.Location, event.Description, now.UTC())
		if err != nil {
			return fmt.Errorf("insert event %s: %w", event.UID, err)
		}
	}
	return tx.Commit()
}

// RefreshInterval keeps the materialized window fresh hourly; mutations and
// searches refresh synchronously on top of that.
func (m *Module) RefreshInterval() time.Duration { return time.Hour }

func (m *Module) searchEvent(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in searchArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	from, err := time.ParseInLocation(dateLayout, in.PeriodFrom, m.location)
	if err != nil {
		return modules.ErrorResult("period_from must be formatted as YYYY-MM-DD"), nil
	}
	to, err := time.ParseInLocation(dateLayout, in.PeriodTo, m.location)
	if err != nil {
		return modules.ErrorResult("period_to must be formatted as YYYY-MM-DD"), nil
	}
	to = to.AddDate(0, 0, 1) // inclusive upper bound

	// Search always re-reads upstream first so results reflect mutations
	// made outside Tom.
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn(ctx, "search refresh failed, serving cache", "error", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT uid, title, starts_at, ends_at, location, description
		FROM events WHERE starts_at < ? AND ends_at >= ? ORDER BY starts_at`, to.UTC(), from.UTC())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	type entry struct {
		UID      string `json:"uid"`
		Title    string `json:"title"`
		Start    string `json:"start"`
		End      string `json:"end"`
		Location string `json:"location,omitempty"`
	}
	out := make([]entry, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.UID, &e.Title, &e.Start, &e.End, &e.Location, &e.Description); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, entry{
			UID:      e.UID,
			Title:    e.Title,
			Start:    e.Start.In(m.location).Format(timeLayout),
			End:      e.End.In(m.location).Format(timeLayout),
			Location: e.Location,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"events": out}), nil
}

func (m *Module) addEvent(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in addArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	start, err := time.ParseInLocation(timeLayout, in.Start, m.location)
	if err != nil {
		return modules.ErrorResult("start must be formatted as YYYY-MM-DD HH:MM:SS"), nil
	}
	end, err := time.ParseInLocation(timeLayout, in.End, m.location)
	if err != nil {
		return modules.ErrorResult("end must be formatted as YYYY-MM-DD HH:MM:SS"), nil
	}
	if !end.After(start) {
		return modules.ErrorResult("end must be after start"), nil
	}
	if m.upstream == nil {
		return modules.ErrorResult("calendar upstream is not configured"), nil
	}

	// Write-through: upstream first, then refresh so reads see the mutation.
	uid, err := m.upstream.CreateEvent(ctx, Event{
		Title: in.Title, Start: start, End: end, Location: in.Location,
	})
	if err != nil {
		return modules.ErrorResult("upstream rejected the event: " + err.Error()), nil
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn(ctx, "post-mutation refresh failed", "error", err)
	}
	return modules.Marshal(map[string]any{"status": "success", "uid": uid}), nil
}

func (m *Module) deleteEvent(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in deleteArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if m.upstream == nil {
		return modules.ErrorResult("calendar upstream is not configured"), nil
	}
	if err := m.upstream.DeleteEvent(ctx, in.EventUID); err != nil {
		return modules.ErrorResult("upstream delete failed: " + err.Error()), nil
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn(ctx, "post-mutation refresh failed", "error", err)
	}
	return modules.SuccessResult(""), nil
}
