package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/tom-assistant/tom/internal/observability"
)

type fakeUpstream struct {
	lists   map[string][]Item
	nextUID int
	err     error
}

func (u *fakeUpstream) Lists(_ context.Context) ([]string, error) {
	if u.err != nil {
		return nil, u.err
	}
	names := make([]string, 0, len(u.lists))
	for _, name := range []string{"Courses", "Todo perso"} {
		if _, ok := u.lists[name]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (u *fakeUpstream) Items(_ context.Context, list string) ([]Item, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.lists[list], nil
}

func (u *fakeUpstream) AddItem(_ context.Context, list, summary string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.nextUID++
	uid := fmt.Sprintf("uid-%d", u.nextUID)
	u.lists[list] = append(u.lists[list], Item{UID: uid, Summary: summary})
	return uid, nil
}

func (u *fakeUpstream) CloseItem(_ context.Context, list, uid string) error {
	if u.err != nil {
		return u.err
	}
	items := u.lists[list]
	for i, item := range items {
		if item.UID == uid {
			u.lists[list] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no item %s", uid)
}

func testModule(t *testing.T) (*Module, *fakeUpstream) {
	t.Helper()
	upstream := &fakeUpstream{lists: map[string][]Item{
		"Courses":    nil,
		"Todo perso": nil,
	}}
	logger := observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
	return New(upstream, logger), upstream
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

func TestAddThenListRoundTrip(t *testing.T) {
	m, _ := testModule(t)

	added := invoke(t, m, "add_to_list", `{"list_name":"Courses","item_name":"buy milk"}`)
	if added["status"] != "success" {
		t.Fatalf("add = %v", added)
	}

	listed := invoke(t, m, "list_items", `{"list_name":"Courses"}`)
	items := listed["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["summary"] != "buy milk" {
		t.Errorf("items = %v", items)
	}
}

func TestUnknownListNamesAlternatives(t *testing.T) {
	m, _ := testModule(t)

	out := invoke(t, m, "list_items", `{"list_name":"courses"}`)
	if out["status"] != "error" {
		t.Fatalf("list names are case sensitive, got %v", out)
	}
	if msg := out["message"].(string); !strings.Contains(msg, "Courses") {
		t.Errorf("error should list valid names, got %q", msg)
	}
}

func TestCloseItemRemovesIt(t *testing.T) {
	m, _ := testModule(t)

	added := invoke(t, m, "add_to_list", `{"list_name":"Todo perso","item_name":"call plumber"}`)
	uid := added["uid"].(string)

	closed := invoke(t, m, "close_list_item", `{"list_name":"Todo perso","item_uid":"`+uid+`"}`)
	if closed["status"] != "success" {
		t.Fatalf("close = %v", closed)
	}
	listed := invoke(t, m, "list_items", `{"list_name":"Todo perso"}`)
	if items := listed["items"].([]any); len(items) != 0 {
		t.Errorf("item survived close: %v", items)
	}
}

func TestPromptConsignAdvertisesLiveLists(t *testing.T) {
	m, upstream := testModule(t)

	consign, ok := m.PromptConsign()
	if !ok {
		t.Fatal("consign should be available")
	}
	var decoded struct {
		ListName      []string `json:"list_name"`
		CaseSensitive bool     `json:"is_list_name_case_sensitive"`
	}
	if err := json.Unmarshal([]byte(consign), &decoded); err != nil {
		t.Fatalf("consign not JSON: %v", err)
	}
	if len(decoded.ListName) != 2 || !decoded.CaseSensitive {
		t.Errorf("consign = %+v", decoded)
	}

	upstream.err = fmt.Errorf("caldav down")
	if _, ok := m.PromptConsign(); ok {
		t.Error("consign should be withheld when upstream is down")
	}
}

func TestUpstreamErrorIsToolError(t *testing.T) {
	m, upstream := testModule(t)
	upstream.err = fmt.Errorf("caldav down")

	out := invoke(t, m, "list_items", `{"list_name":"Courses"}`)
	if out["status"] != "error" {
		t.Errorf("upstream failure should be a tool error, got %v", out)
	}
}
