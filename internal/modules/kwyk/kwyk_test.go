package kwyk

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/storage"
)

type fakeUpstream struct {
	snapshot Snapshot
}

func (u *fakeUpstream) Fetch(_ context.Context) (Snapshot, error) {
	return u.snapshot, nil
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
	m, err := New(db, upstream, time.UTC, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.now = func() time.Time { return time.Date(2025, 1, 20, 18, 0, 0, 0, time.UTC) }
	return m, upstream
}

func invoke(t *testing.T, m *Module, args string) map[string]any {
	t.Helper()
	content, err := m.Invoke(context.Background(), "kwyk_get_activity", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(content, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	return out
}

func TestRefreshRecordsDailySnapshot(t *testing.T) {
	m, upstream := testModule(t)
	upstream.snapshot = Snapshot{
		Day:  Counters{Correct: 5, MCQ: 2, Incorrect: 1, Total: 8},
		Full: Counters{Correct: 120, MCQ: 30, Incorrect: 15, Total: 165},
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	out := invoke(t, m, `{"from_date":"2025-01-20"}`)
	activity := out["activity"].([]any)
	if len(activity) != 1 {
		t.Fatalf("activity = %v", activity)
	}
	day := activity[0].(map[string]any)["day"].(map[string]any)
	if day["total"].(float64) != 8 {
		t.Errorf("day = %v", day)
	}

	// A later snapshot the same day replaces the row instead of adding one.
	upstream.snapshot.Day.Total = 12
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	out = invoke(t, m, `{"from_date":"2025-01-20"}`)
	activity = out["activity"].([]any)
	if len(activity) != 1 {
		t.Fatalf("same-day refresh should overwrite, got %v", activity)
	}
	day = activity[0].(map[string]any)["day"].(map[string]any)
	if day["total"].(float64) != 12 {
		t.Errorf("day after overwrite = %v", day)
	}
}

func TestActivityRangeAndValidation(t *testing.T) {
	m, upstream := testModule(t)
	upstream.snapshot = Snapshot{Day: Counters{Total: 3}}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	out := invoke(t, m, `{"from_date":"2025-01-01","to_date":"2025-01-31"}`)
	if activity := out["activity"].([]any); len(activity) != 1 {
		t.Errorf("range query = %v", activity)
	}

	out = invoke(t, m, `{"from_date":"2025-02-01","to_date":"2025-02-28"}`)
	if activity := out["activity"].([]any); len(activity) != 0 {
		t.Errorf("empty range = %v", activity)
	}

	out = invoke(t, m, `{"from_date":"last week"}`)
	if out["status"] != "error" {
		t.Errorf("bad date should be a tool error, got %v", out)
	}
}

func TestRefreshIntervalIsRandomizedWithinBounds(t *testing.T) {
	m, _ := testModule(t)

	m.randIntN = func(n int) int { return 0 }
	if got := m.RefreshInterval(); got != 3*time.Hour {
		t.Errorf("lower bound = %v", got)
	}
	m.randIntN = func(n int) int { return n - 1 }
	if got := m.RefreshInterval(); got < 3*time.Hour || got >= 10*time.Hour {
		t.Errorf("upper bound = %v", got)
	}
}
