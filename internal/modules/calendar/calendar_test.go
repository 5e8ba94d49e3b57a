package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

type fakeUpstream struct {
	events  []Event
	nextUID int
	fetches int
}

func (u *fakeUpstream) FetchEvents(_ context.Context, from, to time.Time) ([]Event, error) {
	u.fetches++
	var out []Event
	for _, e := range u.events {
		if e.Start.Before(to) && e.End.After(from) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (u *fakeUpstream) CreateEvent(_ context.Context, event Event) (string, error) {
	u.nextUID++
	event.UID = fmt.Sprintf("uid-%d", u.nextUID)
	u.events = append(u.events, event)
	return event.UID, nil
}

func (u *fakeUpstream) DeleteEvent(_ context.Context, uid string) error {
	for i, e := range u.events {
		if e.UID == uid {
			u.events = append(u.events[:i], u.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no event %s", uid)
}

func testModule(t *testing.T) (*Module, *fakeUpstream) {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	upstream := &fakeUpstream{}
	logger := observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
	paris, _ := time.LoadLocation("Europe/Paris")
	m, err := New(db, upstream, paris, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.now = func() time.Time { return time.Date(2025, 1, 20, 10, 30, 0, 0, paris) }
	return m, upstream
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

func TestSearchFindsUpstreamEvent(t *testing.T) {
	m, upstream := testModule(t)
	paris, _ := time.LoadLocation("Europe/Paris")
	upstream.events = []Event{{
		UID:   "dentist-1",
		Title: "Dentist",
		Start: time.Date(2025, 1, 21, 9, 0, 0, 0, paris),
		End:   time.Date(2025, 1, 21, 10, 0, 0, 0, paris),
	}}

	out := invoke(t, m, "calendar_search_event", `{"period_from":"2025-01-21","period_to":"2025-01-21"}`)
	events := out["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	first := events[0].(map[string]any)
	if first["title"] != "Dentist" || first["start"] != "2025-01-21 09:00:00" {
		t.Errorf("event = %v", first)
	}
}

func TestSearchOutsideWindowIsEmpty(t *testing.T) {
	m, upstream := testModule(t)
	upstream.events = []Event{{
		UID:   "later",
		Title: "Far future",
		Start: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}}

	out := invoke(t, m, "calendar_search_event", `{"period_from":"2025-01-21","period_to":"2025-01-22"}`)
	if events := out["events"].([]any); len(events) != 0 {
		t.Errorf("events = %v", events)
	}
}

func TestAddEventWritesThroughAndRefreshes(t *testing.T) {
	m, upstream := testModule(t)

	out := invoke(t, m, "calendar_add_event", `{"title":"Dinner","start":"2025-01-22 19:30:00","end":"2025-01-22 21:00:00","location":"Chez Janou"}`)
	if out["status"] != "success" {
		t.Fatalf("add = %v", out)
	}
	if len(upstream.events) != 1 {
		t.Fatal("mutation must hit upstream first")
	}

	found := invoke(t, m, "calendar_search_event", `{"period_from":"2025-01-22","period_to":"2025-01-22"}`)
	events := found["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["title"] != "Dinner" {
		t.Errorf("search after add = %v", events)
	}
}

func TestDeleteEventRemovesFromSearch(t *testing.T) {
	m, _ := testModule(t)

	added := invoke(t, m, "calendar_add_event", `{"title":"Tmp","start":"2025-01-23 10:00:00","end":"2025-01-23 11:00:00"}`)
	uid := added["uid"].(string)

	deleted := invoke(t, m, "calendar_delete_event", `{"event_uid":"`+uid+`"}`)
	if deleted["status"] != "success" {
		t.Fatalf("delete = %v", deleted)
	}

	found := invoke(t, m, "calendar_search_event", `{"period_from":"2025-01-23","period_to":"2025-01-23"}`)
	if events := found["events"].([]any); len(events) != 0 {
		t.Errorf("event survived delete: %v", events)
	}
}

func TestAddEventValidation(t *testing.T) {
	m, _ := testModule(t)

	out := invoke(t, m, "calendar_add_event", `{"title":"Bad","start":"2025-01-22 19:30:00","end":"2025-01-22 19:00:00"}`)
	if out["status"] != "error" {
		t.Errorf("end before start should fail, got %v", out)
	}

	out = invoke(t, m, "calendar_add_event", `{"title":"Bad","start":"soon","end":"later"}`)
	if out["status"] != "error" {
		t.Errorf("unparseable times should fail, got %v", out)
	}
}
