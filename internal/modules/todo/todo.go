// Package todo implements the task-list capability. It keeps no local cache:
// every call round-trips to the CalDAV task server, and the currently
// available list names are advertised live through the prompt consign.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
)

// Item is one task on a list.
type Item struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary"`
	Due     time.Time `json:"due,omitempty"`
}

// Upstream abstracts the CalDAV task server.
type Upstream interface {
	Lists(ctx context.Context) ([]string, error)
	Items(ctx context.Context, list string) ([]Item, error)
	AddItem(ctx context.Context, list, summary string) (uid string, err error)
	CloseItem(ctx context.Context, list, uid string) error
}

// Module is the todo capability.
type Module struct {
	modules.Status

	upstream Upstream
	logger   *observability.Logger

	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the todo module.
func New(upstream Upstream, logger *observability.Logger) *Module {
	m := &Module{
		upstream: upstream,
		logger:   logger,
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"list_items":      m.listItems,
		"add_to_list":     m.addToList,
		"close_list_item": m.closeListItem,
		"list_todo_lists": m.listLists,
	}
	return m
}

func init() {
	modules.Register("todo", func(env modules.Env) (modules.Module, error) {
		return New(nil, env.Logger), nil
	})
}

func (m *Module) Name() string     { return "todo" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "Manage the user's todo and grocery lists: list items, add items, close completed items."
}

func (m *Module) SystemContext() string {
	return "Always pass the exact list name as advertised; do not translate or reformat it."
}

// PromptConsign advertises the live list names so the model picks an exact
// match instead of inventing one.
func (m *Module) PromptConsign() (string, bool) {
	if m.upstream == nil {
		return "", false
	}
	lists, err := m.upstream.Lists(context.Background())
	if err != nil {
		return "", false
	}
	consign, err := json.Marshal(map[string]any{
		"description":                 "Available lists",
		"list_name":                   lists,
		"is_list_name_case_sensitive": true,
	})
	if err != nil {
		return "", false
	}
	return string(consign), true
}

type listItemsArgs struct {
	ListName string `json:"list_name" jsonschema:"description=Exact name of the list to read"`
}

type addToListArgs struct {
	ListName string `json:"list_name" jsonschema:"description=Exact name of the list to add to"`
	ItemName string `json:"item_name" jsonschema:"description=Text of the item to add"`
}

type closeItemArgs struct {
	ListName string `json:"list_name" jsonschema:"description=Exact name of the list holding the item"`
	ItemUID  string `json:"item_uid" jsonschema:"description=Uid of the item to close"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "list_todo_lists",
			Description: "List the names of the available todo lists",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "list_items",
			Description: "List the open items of a todo list",
			Parameters:  modules.SchemaFor[listItemsArgs](),
			Strict:      true,
		},
		{
			Name:        "add_to_list",
			Description: "Add an item to a todo list",
			Parameters:  modules.SchemaFor[addToListArgs](),
			Strict:      true,
		},
		{
			Name:        "close_list_item",
			Description: "Close a completed item on a todo list",
			Parameters:  modules.SchemaFor[closeItemArgs](),
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

// resolveList matches the requested name against the live list names so a
// near-miss surfaces the valid options instead of an upstream 404.
func (m *Module) resolveList(ctx context.Context, name string) (string, json.RawMessage) {
	if m.upstream == nil {
		return "", modules.ErrorResult("task server is not configured")
	}
	lists, err := m.upstream.Lists(ctx)
	if err != nil {
		return "", modules.ErrorResult("cannot reach the task server: " + err.Error())
	}
	for _, list := range lists {
		if list == name {
			return list, nil
		}
	}
	return "", modules.ErrorResult(fmt.Sprintf(
		"unknown list %q; available lists: %s", name, strings.Join(lists, ", ")))
}

func (m *Module) listLists(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	if m.upstream == nil {
		return modules.ErrorResult("task server is not configured"), nil
	}
	lists, err := m.upstream.Lists(ctx)
	if err != nil {
		return modules.ErrorResult("cannot reach the task server: " + err.Error()), nil
	}
	return modules.Marshal(map[string]any{"lists": lists}), nil
}

func (m *Module) listItems(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in listItemsArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	list, fail := m.resolveList(ctx, in.ListName)
	if fail != nil {
		return fail, nil
	}
	items, err := m.upstream.Items(ctx, list)
	if err != nil {
		return modules.ErrorResult("cannot read the list: " + err.Error()), nil
	}
	type entry struct {
		UID     string `json:"uid"`
		Summary string `json:"summary"`
		Due     string `json:"due,omitempty"`
	}
	out := make([]entry, 0, len(items))
	for _, item := range items {
		e := entry{UID: item.UID, Summary: item.Summary}
		if !item.Due.IsZero() {
			e.Due = item.Due.Format("2006-01-02 15:04:05")
		}
		out = append(out, e)
	}
	return modules.Marshal(map[string]any{"list_name": list, "items": out}), nil
}

func (m *Module) addToList(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in addToListArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(in.ItemName) == "" {
		return modules.ErrorResult("item_name must not be empty"), nil
	}
	list, fail := m.resolveList(ctx, in.ListName)
	if fail != nil {
		return fail, nil
	}
	uid, err := m.upstream.AddItem(ctx, list, in.ItemName)
	if err != nil {
		return modules.ErrorResult("cannot add the item: " + err.Error()), nil
	}
	return modules.Marshal(map[string]any{"status": "success", "uid": uid}), nil
}

func (m *Module) closeListItem(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in closeItemArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	list, fail := m.resolveList(ctx, in.ListName)
	if fail != nil {
		return fail, nil
	}
	if err := m.upstream.CloseItem(ctx, list, in.ItemUID); err != nil {
		return modules.ErrorResult("cannot close the item: " + err.Error()), nil
	}
	return modules.SuccessResult(""), nil
}
