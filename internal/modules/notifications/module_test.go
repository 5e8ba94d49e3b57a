package notifications

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

type fakePusher struct {
	pushed []string
	fail   bool
}

func (p *fakePusher) Push(_ context.Context, recipient, title, body string) error {
	if p.fail {
		return context.DeadlineExceeded
	}
	p.pushed = append(p.pushed, recipient+": "+body)
	return nil
}

func testModule(t *testing.T) (*Module, *Store, *fakePusher) {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pusher := &fakePusher{}
	logger := observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
	paris, _ := time.LoadLocation("Europe/Paris")
	return New(store, "alice", pusher, paris, logger), store, pusher
}

func invoke(t *testing.T, m *Module, tool, args string) map[string]any {
	t.Helper()
	content, err := m.Invoke(context.Background(), tool, json.RawMessage(args))
	if err != nil {
		t.Fatalf("Invoke(%s): %v", tool, err)
	}
	var out map[string]any
	if err := json.Unmarshal(content, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	return out
}

func TestAddListDeleteRoundTrip(t *testing.T) {
	m, _, _ := testModule(t)

	added := invoke(t, m, "add_reminder", `{"message":"take pill","due_at":"2025-01-20 20:00:00","recurrence":"daily"}`)
	if added["status"] != "success" {
		t.Fatalf("add = %v", added)
	}
	id := int64(added["id"].(float64))

	listed := invoke(t, m, "list_reminders", `{}`)
	reminders := listed["reminders"].([]any)
	if len(reminders) != 1 {
		t.Fatalf("reminders = %v", reminders)
	}
	first := reminders[0].(map[string]any)
	if first["message"] != "take pill" || first["due_at"] != "2025-01-20 20:00:00" {
		t.Errorf("reminder = %v", first)
	}

	deleted := invoke(t, m, "delete_reminder", `{"reminder_id":`+jsonInt(id)+`}`)
	if deleted["status"] != "success" {
		t.Fatalf("delete = %v", deleted)
	}
	listed = invoke(t, m, "list_reminders", `{}`)
	if entries := listed["reminders"].([]any); len(entries) != 0 {
		t.Errorf("reminder not deleted: %v", entries)
	}
}

func TestAddReminderRejectsBadInput(t *testing.T) {
	m, _, _ := testModule(t)

	out := invoke(t, m, "add_reminder", `{"message":"x","due_at":"tomorrow at noon"}`)
	if out["status"] != "error" {
		t.Errorf("bad due_at should be a tool error, got %v", out)
	}

	out = invoke(t, m, "add_reminder", `{"message":"x","due_at":"2025-01-20 20:00:00","recurrence":"hourly"}`)
	if out["status"] != "error" {
		t.Errorf("bad recurrence should be a tool error, got %v", out)
	}
}

func TestDeleteOtherUsersReminderDenied(t *testing.T) {
	m, store, _ := testModule(t)
	id, err := store.Add(context.Background(), Reminder{
		DueAt: time.Now().Add(time.Hour), Sender: "bob", Recipient: "bob", Message: "secret",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	out := invoke(t, m, "delete_reminder", `{"reminder_id":`+jsonInt(id)+`}`)
	if out["status"] != "error" {
		t.Errorf("cross-user delete should fail, got %v", out)
	}
}

func TestInstantMessageBypassesTable(t *testing.T) {
	m, store, pusher := testModule(t)

	out := invoke(t, m, "send_instant_message", `{"recipient":"bob","message":"dinner is ready"}`)
	if out["status"] != "success" {
		t.Fatalf("send = %v", out)
	}
	if len(pusher.pushed) != 1 || pusher.pushed[0] != "bob: dinner is ready" {
		t.Errorf("pushed = %v", pusher.pushed)
	}
	rows, err := store.List(context.Background(), "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Error("instant messages must not touch the reminders table")
	}
}

func TestStoreMarkFiredRecurrence(t *testing.T) {
	_, store, _ := testModule(t)
	ctx := context.Background()

	due := time.Date(2025, 1, 20, 20, 0, 0, 0, time.UTC)
	id, err := store.Add(ctx, Reminder{DueAt: due, Sender: "alice", Recipient: "alice", Message: "take pill", Recurrence: RecurrenceDaily})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	fired, err := store.Due(ctx, due.Add(30*time.Second))
	if err != nil || len(fired) != 1 {
		t.Fatalf("due = %v, err = %v", fired, err)
	}
	// The next occurrence is precomputed at insert time.
	if want := due.Add(24 * time.Hour); !fired[0].NextOccurrence.Equal(want) {
		t.Errorf("next_occurrence = %v, want %v", fired[0].NextOccurrence, want)
	}
	if err := store.MarkFired(ctx, fired[0]); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}

	after, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Sent {
		t.Error("recurring reminder must stay unsent")
	}
	// due_at bumps to the stored next_occurrence, which itself advances.
	want := due.Add(24 * time.Hour)
	if !after.DueAt.Equal(want) {
		t.Errorf("due_at = %v, want %v", after.DueAt, want)
	}
	if !after.NextOccurrence.Equal(want.Add(24 * time.Hour)) {
		t.Errorf("next_occurrence = %v, want %v", after.NextOccurrence, want.Add(24*time.Hour))
	}

	// Non-recurring: marked sent, due time untouched, no next occurrence.
	oneShotID, _ := store.Add(ctx, Reminder{DueAt: due, Sender: "alice", Recipient: "alice", Message: "one shot"})
	oneShot, _ := store.Get(ctx, oneShotID)
	if !oneShot.NextOccurrence.IsZero() {
		t.Errorf("one-shot next_occurrence = %v, want zero", oneShot.NextOccurrence)
	}
	if err := store.MarkFired(ctx, *oneShot); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	oneShot, _ = store.Get(ctx, oneShotID)
	if !oneShot.Sent {
		t.Error("one-shot reminder should be marked sent")
	}
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
