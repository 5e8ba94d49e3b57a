package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

// Pusher delivers an instant message to every device of a recipient.
// Instant messages bypass the reminders table entirely.
type Pusher interface {
	Push(ctx context.Context, recipient, title, body string) error
}

// timeLayout is the wire format for reminder due times.
const timeLayout = "2006-01-02 15:04:05"

// Module implements the notifications capability: delayed reminders and
// instant messages between users.
type Module struct {
	modules.Status

	store    *Store
	username string
	pusher   Pusher
	logger   *observability.Logger
	location *time.Location
	now      func() time.Time

	dispatch map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// New creates the notifications module for one user. pusher may be nil when
// the hosting process has no FCM credentials; instant messages then fail
// with a tool error.
func New(store *Store, username string, pusher Pusher, location *time.Location, logger *observability.Logger) *Module {
	if location == nil {
		location = time.UTC
	}
	m := &Module{
		store:    store,
		username: username,
		pusher:   pusher,
		logger:   logger,
		location: location,
		now:      time.Now,
	}
	m.dispatch = map[string]func(ctx context.Context, args json.RawMessage) (json.RawMessage, error){
		"add_reminder":         m.addReminder,
		"list_reminders":       m.listReminders,
		"delete_reminder":      m.deleteReminder,
		"send_instant_message": m.sendInstantMessage,
	}
	return m
}

func init() {
	modules.Register("notifications", func(env modules.Env) (modules.Module, error) {
		db, err := storage.Open(filepath.Join(env.SharedDataDir, "mcp", "notifications", "notifications.sqlite"))
		if err != nil {
			return nil, err
		}
		store, err := NewStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return New(store, env.Username, nil, time.UTC, env.Logger), nil
	})
}

func (m *Module) Name() string     { return "notifications" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return true }

func (m *Module) Describe() string {
	return "Schedule reminders at a future time, list or delete pending reminders, and send instant messages to other users."
}

func (m *Module) SystemContext() string {
	return "Reminder times must be expressed as 'YYYY-MM-DD HH:MM:SS' in the user's timezone."
}

type addReminderArgs struct {
	Message    string `json:"message" jsonschema:"description=Text shown in the notification"`
	DueAt      string `json:"due_at" jsonschema:"description=When to fire the reminder formatted as YYYY-MM-DD HH:MM:SS"`
	Recurrence string `json:"recurrence,omitempty" jsonschema:"description=Repeat schedule,enum=none,enum=daily,enum=weekly,enum=monthly"`
	Recipient  string `json:"recipient,omitempty" jsonschema:"description=Username receiving the reminder. Defaults to the current user"`
}

type deleteReminderArgs struct {
	ReminderID int64 `json:"reminder_id" jsonschema:"description=Id of the reminder to delete"`
}

type instantMessageArgs struct {
	Recipient string `json:"recipient" jsonschema:"description=Username receiving the message"`
	Message   string `json:"message" jsonschema:"description=Message body"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "add_reminder",
			Description: "Schedule a reminder to be delivered as a push notification at a given time",
			Parameters:  modules.SchemaFor[addReminderArgs](),
			Strict:      true,
		},
		{
			Name:        "list_reminders",
			Description: "List the pending reminders of the current user",
			Parameters:  modules.EmptySchema(),
			Strict:      true,
		},
		{
			Name:        "delete_reminder",
			Description: "Delete a pending reminder by id",
			Parameters:  modules.SchemaFor[deleteReminderArgs](),
			Strict:      true,
		},
		{
			Name:        "send_instant_message",
			Description: "Send an instant push message to another user",
			Parameters:  modules.SchemaFor[instantMessageArgs](),
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

func (m *Module) addReminder(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in addReminderArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	dueAt, err := time.ParseInLocation(timeLayout, in.DueAt, m.location)
	if err != nil {
		return modules.ErrorResult("due_at must be formatted as YYYY-MM-DD HH:MM:SS"), nil
	}
	recipient := in.Recipient
	if recipient == "" {
		recipient = m.username
	}
	recurrence := in.Recurrence
	if recurrence == "" {
		recurrence = RecurrenceNone
	}
	if _, ok := RecurrenceInterval(recurrence); !ok && recurrence != RecurrenceNone {
		return modules.ErrorResult("recurrence must be one of none, daily, weekly, monthly"), nil
	}

	id, err := m.store.Add(ctx, Reminder{
		DueAt:      dueAt,
		Sender:     m.username,
		Recipient:  recipient,
		Message:    in.Message,
		Recurrence: recurrence,
	})
	if err != nil {
		return nil, err
	}
	m.updateStatus(ctx)
	return modules.Marshal(map[string]any{"status": "success", "id": id}), nil
}

func (m *Module) listReminders(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	reminders, err := m.store.List(ctx, m.username)
	if err != nil {
		return nil, err
	}
	type entry struct {
		ID         int64  `json:"id"`
		DueAt      string `json:"due_at"`
		Message    string `json:"message"`
		Sender     string `json:"sender"`
		Recurrence string `json:"recurrence"`
	}
	out := make([]entry, 0, len(reminders))
	for _, r := range reminders {
		out = append(out, entry{
			ID:         r.ID,
			DueAt:      r.DueAt.In(m.location).Format(timeLayout),
			Message:    r.Message,
			Sender:     r.Sender,
			Recurrence: r.Recurrence,
		})
	}
	return modules.Marshal(map[string]any{"reminders": out}), nil
}

func (m *Module) deleteReminder(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in deleteReminderArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	reminder, err := m.store.Get(ctx, in.ReminderID)
	if err != nil {
		return nil, err
	}
	if reminder == nil || reminder.Recipient != m.username {
		return modules.ErrorResult(fmt.Sprintf("no reminder with id %d", in.ReminderID)), nil
	}
	if err := m.store.Delete(ctx, in.ReminderID); err != nil {
		return nil, err
	}
	m.updateStatus(ctx)
	return modules.SuccessResult(""), nil
}

func (m *Module) sendInstantMessage(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in instantMessageArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if m.pusher == nil {
		return modules.ErrorResult("push delivery is not configured"), nil
	}
	if err := m.pusher.Push(ctx, in.Recipient, "Message from "+m.username, in.Message); err != nil {
		return modules.ErrorResult("push failed: " + err.Error()), nil
	}
	return modules.SuccessResult("message sent"), nil
}

// updateStatus republishes the notification surface after a mutation.
func (m *Module) updateStatus(ctx context.Context) {
	reminders, err := m.store.List(ctx, m.username)
	if err != nil {
		m.logger.Warn(ctx, "status refresh failed", "error", err)
		return
	}
	soon := 0
	horizon := m.now().Add(24 * time.Hour)
	for _, r := range reminders {
		if r.DueAt.Before(horizon) {
			soon++
		}
	}
	if soon == 0 {
		m.Clear()
		return
	}
	m.Set(fmt.Sprintf("%d reminder(s) due in the next 24 hours", soon))
}
