package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tom-assistant/tom/internal/conversation"
	"github.com/tom-assistant/tom/internal/llm"
	"github.com/tom-assistant/tom/internal/notify"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/orchestrator"
)

type scriptedLLM struct {
	replies []*llm.Result
	errs    []error
	calls   int
}

func (f *scriptedLLM) Chat(context.Context, []conversation.Message, []llm.ToolSpec, int, string) (*llm.Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return nil, llm.ErrUnavailable
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
}

func newTestServer(model *scriptedLLM) *Server {
	orch := orchestrator.New(context.Background(), orchestrator.Config{
		Username: "alice",
		LLM:      model,
		Logger:   testLogger(),
		Location: time.UTC,
	})
	aggregator := notify.NewAggregator(nil, testLogger())
	return NewServer("alice", orch, aggregator, testLogger())
}

func TestProcessReturnsAssistantReply(t *testing.T) {
	server := newTestServer(&scriptedLLM{replies: []*llm.Result{
		{FinishReason: llm.FinishStop, Content: "Hello Alice."},
	}})

	req := httptest.NewRequest("POST", "/process",
		strings.NewReader(`{"input":"hi","lang":"en","client_type":"web"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["response"] != "Hello Alice." {
		t.Errorf("response = %q", payload["response"])
	}
}

func TestProcessRejectsEmptyInput(t *testing.T) {
	server := newTestServer(&scriptedLLM{})

	req := httptest.NewRequest("POST", "/process", strings.NewReader(`{"lang":"en"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProcessMapsLLMFailureTo502(t *testing.T) {
	server := newTestServer(&scriptedLLM{errs: []error{llm.ErrUnavailable}})

	req := httptest.NewRequest("POST", "/process",
		strings.NewReader(`{"input":"hi","lang":"en"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 502 {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestResetRespondsOK(t *testing.T) {
	server := newTestServer(&scriptedLLM{})

	req := httptest.NewRequest("POST", "/reset", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestTasksExposesAggregatorSnapshot(t *testing.T) {
	server := newTestServer(&scriptedLLM{})

	req := httptest.NewRequest("GET", "/tasks", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		StatusID int64            `json:"status_id"`
		Tasks    []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Tasks == nil {
		t.Error("tasks must be a list, not null")
	}
}

func TestStatusReportsHealth(t *testing.T) {
	server := newTestServer(&scriptedLLM{})

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"healthy":true`) {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
