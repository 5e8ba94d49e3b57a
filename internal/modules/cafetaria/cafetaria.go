// Package cafetaria implements the school-cafetaria capability: lunch
// reservations and the prepaid credit balance, mirrored from the cafetaria
// REST service with lazy read-through refreshes.
package cafetaria

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

const dateLayout = "2006-01-02"

// Freshness bounds: a tool call refreshes the concern it reads only when the
// cached copy is older than these.
const (
	creditTTL      = 12 * time.Hour
	reservationTTL = 48 * time.Hour
)

// Slot is one reservable lunch day.
type Slot struct {
	Date       string `json:"date"`
	ID         string `json:"id"`
	IsReserved bool   `json:"is_reserved"`
}

// Upstream abstracts the cafetaria REST service.
type Upstream interface {
	Balance(ctx context.Context) (float64, error)
	Slots(ctx context.Context) ([]Slot, error)
	Reserve(ctx context.Context, slotID string) error
	Cancel(ctx context.Context, slotID string) error
}

// Module is the cafetaria capability.
type Module struct {
	db       *sql.DB
	upstream Upstream
	logger   *observability.Logger
	now      func() time.Time

	mu               sync.Mutex
	lastCredit       time.Time
	lastReservations time.Time

	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the cafetaria module.
func New(db *sql.DB, upstream Upstream, logger *observability.Logger) (*Module, error) {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cafetaria (
			date TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			is_reserved INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS solde (
			solde REAL NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create cafetaria schema: %w", err)
		}
	}

	m := &Module{
		db:       db,
		upstream: upstream,
		logger:   logger,
		now:      time.Now,
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"cafetaria_get_credit":         m.getCredit,
		"cafetaria_list_reservations":  m.listReservations,
		"cafetaria_make_reservation":   m.makeReservation,
		"cafetaria_cancel_reservation": m.cancelReservation,
	}
	return m, nil
}

func init() {
	modules.Register("cafetaria", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "cafetaria.sqlite"))
		if err != nil {
			return nil, err
		}
		return New(db, nil, env.Logger)
	})
}

func (m *Module) Name() string     { return "cafetaria" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "Check the school cafetaria credit and manage lunch reservations."
}

func (m *Module) SystemContext() string {
	return "Reservation dates are formatted as YYYY-MM-DD."
}

type reservationArgs struct {
	Date string `json:"date" jsonschema:"description=Lunch day to act on formatted as YYYY-MM-DD"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "cafetaria_get_credit",
			Description: "Return the remaining cafetaria credit in euros",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "cafetaria_list_reservations",
			Description: "List the upcoming lunch days and whether they are reserved",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "cafetaria_make_reservation",
			Description: "Reserve lunch for a given day",
			Parameters:  modules.SchemaFor[reservationArgs](),
			Strict:      true,
		},
		{
			Name:        "cafetaria_cancel_reservation",
			Description: "Cancel the lunch reservation of a given day",
			Parameters:  modules.SchemaFor[reservationArgs](),
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

// refreshCredit re-reads the balance when the cached copy is stale or when
// force is set (after a mutation).
func (m *Module) refreshCredit(ctx context.Context, force bool) error {
	if m.upstream == nil {
		return nil
	}
	m.mu.Lock()
	stale := force || m.now().Sub(m.lastCredit) > creditTTL
	m.mu.Unlock()
	if !stale {
		return nil
	}

	balance, err := m.upstream.Balance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM solde`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO solde (solde) VALUES (?)`, balance); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastCredit = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Module) refreshReservations(ctx context.Context, force bool) error {
	if m.upstream == nil {
		return nil
	}
	m.mu.Lock()
	stale := force || m.now().Sub(m.lastReservations) > reservationTTL
	m.mu.Unlock()
	if !stale {
		return nil
	}

	slots, err := m.upstream.Slots(ctx)
	if err != nil {
		return fmt.Errorf("fetch reservations: %w", err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cafetaria`); err != nil {
		return err
	}
	for _, slot := range slots {
		reserved := 0
		if slot.IsReserved {
			reserved = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cafetaria (date, id, is_reserved) VALUES (?, ?, ?)`,
			slot.Date, slot.ID, reserved)
		if err != nil {
			return fmt.Errorf("insert slot %s: %w", slot.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastReservations = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Module) getCredit(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	if err := m.refreshCredit(ctx, false); err != nil {
		m.logger.Warn(ctx, "credit refresh failed, serving cache", "error", err)
	}
	var balance float64
	err := m.db.QueryRowContext(ctx, `SELECT solde FROM solde LIMIT 1`).Scan(&balance)
	if err == sql.ErrNoRows {
		return modules.ErrorResult("credit is not known yet"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return modules.Marshal(map[string]any{"credit": balance, "currency": "EUR"}), nil
}

func (m *Module) listReservations(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	if err := m.refreshReservations(ctx, false); err != nil {
		m.logger.Warn(ctx, "reservation refresh failed, serving cache", "error", err)
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT date, id, is_reserved FROM cafetaria ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("read reservations: %w", err)
	}
	defer rows.Close()

	out := make([]Slot, 0)
	for rows.Next() {
		var slot Slot
		var reserved int
		if err := rows.Scan(&slot.Date, &slot.ID, &reserved); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slot.IsReserved = reserved != 0
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"reservations": out}), nil
}

func (m *Module) makeReservation(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return m.mutateReservation(ctx, args, true)
}

func (m *Module) cancelReservation(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return m.mutateReservation(ctx, args, false)
}

func (m *Module) mutateReservation(ctx context.Context, args json.RawMessage, reserve bool) (json.RawMessage, error) {
	var in reservationArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if _, err := time.Parse(dateLayout, in.Date); err != nil {
		return modules.ErrorResult("date must be formatted as YYYY-MM-DD"), nil
	}
	if m.upstream == nil {
		return modules.ErrorResult("cafetaria service is not configured"), nil
	}

	// Make sure the slot table is usable before resolving the date to an id.
	if err := m.refreshReservations(ctx, false); err != nil {
		return modules.ErrorResult("cannot reach the cafetaria service: " + err.Error()), nil
	}
	var slotID string
	var reserved int
	err := m.db.QueryRowContext(ctx,
		`SELECT id, is_reserved FROM cafetaria WHERE date = ?`, in.Date).Scan(&slotID, &reserved)
	if err == sql.ErrNoRows {
		return modules.ErrorResult(fmt.Sprintf("no reservable lunch on %s", in.Date)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}

	if reserve {
		if reserved != 0 {
			return modules.SuccessResult("already reserved"), nil
		}
		err = m.upstream.Reserve(ctx, slotID)
	} else {
		if reserved == 0 {
			return modules.SuccessResult("nothing to cancel"), nil
		}
		err = m.upstream.Cancel(ctx, slotID)
	}
	if err != nil {
		return modules.ErrorResult("cafetaria service rejected the change: " + err.Error()), nil
	}

	// Upstream accepted; re-sync so reads reflect the mutation.
	if err := m.refreshReservations(ctx, true); err != nil {
		m.logger.Warn(ctx, "post-mutation refresh failed", "error", err)
	}
	return modules.SuccessResult(""), nil
}
