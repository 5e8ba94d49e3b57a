// Package behavior implements the prompt-tuning capability: user-recorded
// instructions that the backend appends to the base system prompt on every
// turn, so tone and habits can change without a restart.
package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

// ContentTool is the function the backend calls during prompt assembly to
// fetch the current behavior text.
const ContentTool = "get_behavior_content"

// Module is the behavior capability.
type Module struct {
	db     *sql.DB
	logger *observability.Logger

	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the behavior module.
func New(db *sql.DB, logger *observability.Logger) (*Module, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS behaviors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("create behaviors table: %w", err)
	}
	m := &Module{db: db, logger: logger}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"record_behavior": m.recordBehavior,
		"list_behaviors":  m.listBehaviors,
		"delete_behavior": m.deleteBehavior,
		ContentTool:       m.getContent,
	}
	return m, nil
}

func init() {
	modules.Register("behavior", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.DataDir, "behavior.sqlite"))
		if err != nil {
			return nil, err
		}
		return New(db, env.Logger)
	})
}

func (m *Module) Name() string     { return "behavior" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "Record lasting instructions about how the assistant should behave, list them, or delete them."
}

func (m *Module) SystemContext() string {
	return "Behaviors are standing instructions; record one only when the user asks for a lasting change."
}

type recordArgs struct {
	Content string `json:"content" jsonschema:"description=The standing instruction to record"`
}

type deleteArgs struct {
	BehaviorID int64 `json:"behavior_id" jsonschema:"description=Id of the behavior to delete"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "record_behavior",
			Description: "Record a standing instruction about the assistant's behavior",
			Parameters:  modules.SchemaFor[recordArgs](),
			Strict:      true,
		},
		{
			Name:        "list_behaviors",
			Description: "List the recorded behavior instructions",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "delete_behavior",
			Description: "Delete a recorded behavior instruction by id",
			Parameters:  modules.SchemaFor[deleteArgs](),
			Strict:      true,
		},
		{
			Name:        ContentTool,
			Description: "Return the combined behavior text appended to the system prompt",
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

// Content returns every recorded instruction joined into one block, empty
// when none are recorded.
func (m *Module) Content(ctx context.Context) (string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT content FROM behaviors ORDER BY id`)
	if err != nil {
		return "", fmt.Errorf("read behaviors: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", err
		}
		parts = append(parts, "- "+content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

func (m *Module) recordBehavior(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in recordArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(in.Content) == "" {
		return modules.ErrorResult("content must not be empty"), nil
	}
	result, err := m.db.ExecContext(ctx, `INSERT INTO behaviors (content) VALUES (?)`, in.Content)
	if err != nil {
		return nil, fmt.Errorf("record behavior: %w", err)
	}
	id, _ := result.LastInsertId()
	return modules.Marshal(map[string]any{"status": "success", "id": id}), nil
}

func (m *Module) listBehaviors(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, content FROM behaviors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list behaviors: %w", err)
	}
	defer rows.Close()

	type entry struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	}
	out := make([]entry, 0)
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.ID, &e.Content); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"behaviors": out}), nil
}

func (m *Module) deleteBehavior(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in deleteArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	result, err := m.db.ExecContext(ctx, `DELETE FROM behaviors WHERE id = ?`, in.BehaviorID)
	if err != nil {
		return nil, fmt.Errorf("delete behavior: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return modules.ErrorResult(fmt.Sprintf("no behavior with id %d", in.BehaviorID)), nil
	}
	return modules.SuccessResult(""), nil
}

func (m *Module) getContent(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	content, err := m.Content(ctx)
	if err != nil {
		return nil, err
	}
	return modules.Marshal(map[string]any{"content": content}), nil
}
