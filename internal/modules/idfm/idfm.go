// Package idfm implements the public-transit capability for the Île-de-France
// network: station lookup against a locally mirrored reference dataset and
// journey planning with route selection.
package idfm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

// Station is one stop of the reference dataset.
type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city,omitempty"`
}

// Line is one transit line of the reference dataset.
type Line struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode,omitempty"`
}

// StationLine links a station to a line serving it.
type StationLine struct {
	StationID string
	LineID    string
}

// Leg is one segment of a planned route.
type Leg struct {
	Mode      string `json:"mode"`
	Line      string `json:"line,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
}

// Route is one journey proposal.
type Route struct {
	ID        string `json:"route_id"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
	Duration  string `json:"duration"`
	Legs      []Leg  `json:"legs"`
}

// Upstream abstracts the IDFM open-data and journey APIs.
type Upstream interface {
	Dataset(ctx context.Context) ([]Station, []Line, []StationLine, error)
	PlanJourney(ctx context.Context, fromStationID, toStationID string, when time.Time) ([]Route, error)
}

// Module is the transit capability.
type Module struct {
	db       *sql.DB
	upstream Upstream
	logger   *observability.Logger
	location *time.Location
	now      func() time.Time

	mu       sync.Mutex
	proposed map[string]Route // routes offered by the last plan_a_journey call
	selected *Route

	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the idfm module.
func New(db *sql.DB, upstream Upstream, location *time.Location, logger *observability.Logger) (*Module, error) {
	if location == nil {
		location = time.UTC
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS lines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS station_line (
			station_id TEXT NOT NULL REFERENCES stations(id),
			line_id TEXT NOT NULL REFERENCES lines(id),
			PRIMARY KEY (station_id, line_id)
		)`,
		`CREATE TABLE IF NOT EXISTS station_cache (
			query TEXT PRIMARY KEY,
			station_ids TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create idfm schema: %w", err)
		}
	}

	m := &Module{
		db:       db,
		upstream: upstream,
		logger:   logger,
		location: location,
		now:      time.Now,
		proposed: make(map[string]Route),
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"search_station":                  m.searchStation,
		"plan_a_journey":                  m.planJourney,
		"select_a_route":                  m.selectRoute,
		"retrieve_current_selected_route": m.retrieveSelectedRoute,
	}
	return m, nil
}

func init() {
	modules.Register("idfm", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "idfm.sqlite"))
		if err != nil {
			return nil, err
		}
		return New(db, nil, time.UTC, env.Logger)
	})
}

func (m *Module) Name() string     { return "idfm" }
func (m *Module) Complexity() int  { return modules.ComplexityMedium }
func (m *Module) IsPersonal() bool { return false }

func (m *Module) Describe() string {
	return "Search Île-de-France transit stations and plan public-transport journeys."
}

func (m *Module) SystemContext() string {
	return "Plan a journey first, then select one of the proposed routes by route_id before giving directions."
}

// RefreshInterval re-checks the reference dataset daily; the mirror is only
// populated when empty.
func (m *Module) RefreshInterval() time.Duration { return 24 * time.Hour }

// Refresh populates the station and line mirror once from the reference
// dataset. Subsequent calls are no-ops while the mirror is non-empty.
func (m *Module) Refresh(ctx context.Context) error {
	if m.upstream == nil {
		return nil
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stations`).Scan(&n); err != nil {
		return fmt.Errorf("count stations: %w", err)
	}
	if n > 0 {
		return nil
	}

	stations, lines, links, err := m.upstream.Dataset(ctx)
	if err != nil {
		return fmt.Errorf("fetch reference dataset: %w", err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, station := range stations {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO stations (id, name, city) VALUES (?, ?, ?)`,
			station.ID, station.Name, station.City)
		if err != nil {
			return fmt.Errorf("insert station %s: %w", station.ID, err)
		}
	}
	for _, line := range lines {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO lines (id, name, mode) VALUES (?, ?, ?)`,
			line.ID, line.Name, line.Mode)
		if err != nil {
			return fmt.Errorf("insert line %s: %w", line.ID, err)
		}
	}
	for _, link := range links {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO station_line (station_id, line_id) VALUES (?, ?)`,
			link.StationID, link.LineID)
		if err != nil {
			return fmt.Errorf("insert station_line: %w", err)
		}
	}
	return tx.Commit()
}

type searchStationArgs struct {
	Name string `json:"name" jsonschema:"description=Full or partial station name to search for"`
}

type planJourneyArgs struct {
	FromStationID string `json:"from_station_id" jsonschema:"description=Station id of the departure, from search_station"`
	ToStationID   string `json:"to_station_id" jsonschema:"description=Station id of the arrival, from search_station"`
	Departure     string `json:"departure,omitempty" jsonschema:"description=Requested departure time formatted as YYYY-MM-DD HH:MM:SS. Defaults to now"`
}

type selectRouteArgs struct {
	RouteID string `json:"route_id" jsonschema:"description=Id of the proposed route to select"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "search_station",
			Description: "Search a transit station by name and return its id and lines",
			Parameters:  modules.SchemaFor[searchStationArgs](),
			Strict:      true,
		},
		{
			Name:        "plan_a_journey",
			Description: "Plan a public-transport journey between two stations and return proposed routes",
			Parameters:  modules.SchemaFor[planJourneyArgs](),
			Strict:      true,
		},
		{
			Name:        "select_a_route",
			Description: "Select one of the proposed routes by route_id",
			Parameters:  modules.SchemaFor[selectRouteArgs](),
			Strict:      true,
		},
		{
			Name:        "retrieve_current_selected_route",
			Description: "Return the currently selected route",
			Parameters:  modules.EmptySchema(),
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

type stationResult struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	City  string   `json:"city,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

// searchStation resolves a name against the mirror, consulting the lookup
// cache first so repeated queries skip the LIKE scan.
func (m *Module) searchStation(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in searchStationArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	query := strings.ToLower(strings.TrimSpace(in.Name))
	if query == "" {
		return modules.ErrorResult("name must not be empty"), nil
	}

	ids, cached, err := m.cachedStationIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	if !cached {
		rows, err := m.db.QueryContext(ctx,
			`SELECT id FROM stations WHERE LOWER(name) LIKE ? ORDER BY name LIMIT 20`,
			"%"+query+"%")
		if err != nil {
			return nil, fmt.Errorf("search stations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if err := m.cacheStationIDs(ctx, query, ids); err != nil {
			m.logger.Warn(ctx, "station cache write failed", "error", err)
		}
	}

	out := make([]stationResult, 0, len(ids))
	for _, id := range ids {
		station, err := m.stationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if station != nil {
			out = append(out, *station)
		}
	}
	if len(out) == 0 {
		return modules.ErrorResult(fmt.Sprintf("no station matching %q", in.Name)), nil
	}
	return modules.Marshal(map[string]any{"stations": out}), nil
}

func (m *Module) cachedStationIDs(ctx context.Context, query string) ([]string, bool, error) {
	var packed string
	err := m.db.QueryRowContext(ctx,
		`SELECT station_ids FROM station_cache WHERE query = ?`, query).Scan(&packed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read station cache: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(packed), &ids); err != nil {
		return nil, false, fmt.Errorf("decode station cache: %w", err)
	}
	return ids, true, nil
}

func (m *Module) cacheStationIDs(ctx context.Context, query string, ids []string) error {
	packed, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO station_cache (query, station_ids) VALUES (?, ?)`,
		query, string(packed))
	return err
}

func (m *Module) stationByID(ctx context.Context, id string) (*stationResult, error) {
	var station stationResult
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, city FROM stations WHERE id = ?`, id).
		Scan(&station.ID, &station.Name, &station.City)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read station: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT l.name FROM station_line sl JOIN lines l ON l.id = sl.line_id
		WHERE sl.station_id = ? ORDER BY l.name`, id)
	if err != nil {
		return nil, fmt.Errorf("read station lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		station.Lines = append(station.Lines, name)
	}
	return &station, rows.Err()
}

func (m *Module) planJourney(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in planJourneyArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if m.upstream == nil {
		return modules.ErrorResult("journey planning is not configured"), nil
	}
	when := m.now()
	if in.Departure != "" {
		parsed, err := time.ParseInLocation("2006-01-02 15:04:05", in.Departure, m.location)
		if err != nil {
			return modules.ErrorResult("departure must be formatted as YYYY-MM-DD HH:MM:SS"), nil
		}
		when = parsed
	}

	routes, err := m.upstream.PlanJourney(ctx, in.FromStationID, in.ToStationID, when)
	if err != nil {
		return modules.ErrorResult("journey planning failed: " + err.Error()), nil
	}
	if len(routes) == 0 {
		return modules.ErrorResult("no route found between these stations"), nil
	}

	m.mu.Lock()
	m.proposed = make(map[string]Route, len(routes))
	for _, route := range routes {
		m.proposed[route.ID] = route
	}
	m.selected = nil
	m.mu.Unlock()

	return modules.Marshal(map[string]any{"routes": routes}), nil
}

func (m *Module) selectRoute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in selectRouteArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	route, ok := m.proposed[in.RouteID]
	if !ok {
		return modules.ErrorResult(fmt.Sprintf("no proposed route with id %q; plan a journey first", in.RouteID)), nil
	}
	m.selected = &route
	return modules.Marshal(map[string]any{"status": "success", "route": route}), nil
}

func (m *Module) retrieveSelectedRoute(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return modules.ErrorResult("no route selected; plan a journey and select a route first"), nil
	}
	return modules.Marshal(map[string]any{"route": *m.selected}), nil
}
