package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tom-assistant/tom/internal/calllog"
	"github.com/tom-assistant/tom/internal/conversation"
	"github.com/tom-assistant/tom/internal/llm"
	"github.com/tom-assistant/tom/internal/mcp"
	"github.com/tom-assistant/tom/internal/observability"
)

type fakeLLM struct {
	script []func(messages []conversation.Message, tools []llm.ToolSpec) (*llm.Result, error)
	calls  int
}

func (f *fakeLLM) Chat(_ context.Context, messages []conversation.Message, tools []llm.ToolSpec, _ int, _ string) (*llm.Result, error) {
	if f.calls >= len(f.script) {
		return nil, fmt.Errorf("unscripted llm call %d", f.calls)
	}
	step := f.script[f.calls]
	f.calls++
	return step(messages, tools)
}

type fakeProvider struct {
	info    mcp.InitializeResult
	tools   []mcp.ToolDescriptor
	consign string
	results map[string]json.RawMessage
	errs    map[string]error
	delays  map[string]time.Duration

	mu        sync.Mutex
	callCount map[string]int
}

func (p *fakeProvider) Initialize(context.Context) (*mcp.InitializeResult, error) {
	info := p.info
	return &info, nil
}

func (p *fakeProvider) ListTools(context.Context) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: p.tools}, nil
}

func (p *fakeProvider) CallTool(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	if d := p.delays[name]; d > 0 {
		time.Sleep(d)
	}
	p.mu.Lock()
	if p.callCount == nil {
		p.callCount = make(map[string]int)
	}
	p.callCount[name]++
	p.mu.Unlock()
	if err := p.errs[name]; err != nil {
		return nil, err
	}
	result, ok := p.results[name]
	if !ok {
		return nil, fmt.Errorf("no such tool %q", name)
	}
	return result, nil
}

func (p *fakeProvider) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if uri == mcp.ResourcePromptConsign && p.consign != "" {
		return &mcp.ReadResourceResult{URI: uri, Text: p.consign}, nil
	}
	return nil, fmt.Errorf("no such resource %q", uri)
}

func (p *fakeProvider) Status(context.Context) (*mcp.StatusResult, error) {
	return &mcp.StatusResult{Up: true, LastRefresh: time.Now()}, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
}

// selectModules scripts a triage turn that picks the given modules.
func selectModules(names ...string) func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
	return func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
		result := &llm.Result{FinishReason: llm.FinishToolCalls}
		for i, name := range names {
			args, _ := json.Marshal(map[string]string{"modules_name": name})
			result.ToolCalls = append(result.ToolCalls, conversation.ToolCall{
				ID: fmt.Sprintf("triage-%d", i), Name: triageSelectTool, Arguments: args,
			})
		}
		return result, nil
	}
}

func answer(text string) func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
	return func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
		return &llm.Result{FinishReason: llm.FinishStop, Content: text}, nil
	}
}

func callTool(id, name, args string) func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
	return func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
		return &llm.Result{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []conversation.ToolCall{
				{ID: id, Name: name, Arguments: json.RawMessage(args)},
			},
		}, nil
	}
}

func newTestOrchestrator(t *testing.T, model *fakeLLM, providers map[string]Provider) *Orchestrator {
	t.Helper()
	o := New(context.Background(), Config{
		Username:  "alice",
		LLM:       model,
		Providers: providers,
		Logger:    testLogger(),
		Location:  time.UTC,
	})
	o.now = func() time.Time { return time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC) }
	return o
}

func TestProcessRunsTriageThenTools(t *testing.T) {
	weather := &fakeProvider{
		info: mcp.InitializeResult{Name: "weather", Description: "Weather forecasts"},
		tools: []mcp.ToolDescriptor{{
			Name:        "weather_get_forecast",
			Description: "Forecast for a place",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"place":{"type":"string"}}}`),
		}},
		results: map[string]json.RawMessage{
			"weather_get_forecast": json.RawMessage(`{"forecast":"sunny"}`),
		},
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("weather"),
		callTool("c1", "weather_get_forecast", `{"place":"Paris"}`),
		answer("Sunny in Paris."),
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"weather": weather})

	reply, err := o.Process(context.Background(), "weather in Paris?", "en", nil, "web")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "Sunny in Paris." {
		t.Errorf("reply = %q", reply)
	}
	if weather.callCount["weather_get_forecast"] != 1 {
		t.Errorf("tool calls = %v", weather.callCount)
	}
	if err := conversation.CheckToolPairing(o.conv.Snapshot()); err != nil {
		t.Errorf("conversation invariant broken: %v", err)
	}
}

func TestResetWinsOverModuleSelection(t *testing.T) {
	provider := &fakeProvider{info: mcp.InitializeResult{Name: "news"}}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
			return &llm.Result{
				FinishReason: llm.FinishToolCalls,
				ToolCalls: []conversation.ToolCall{
					{ID: "t1", Name: triageSelectTool, Arguments: json.RawMessage(`{"modules_name":"news"}`)},
					{ID: "t2", Name: triageResetTool, Arguments: json.RawMessage(`{}`)},
				},
			}, nil
		},
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": provider})
	o.conv.AppendUser("earlier message")

	reply, err := o.Process(context.Background(), "oublie tout", "fr", nil, "android")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "Salut ! Comment puis-je t'aider ?" {
		t.Errorf("reply = %q", reply)
	}
	if o.conv.Len() != 2 {
		t.Errorf("conversation not cleared, len = %d", o.conv.Len())
	}
}

func TestResetGreetingDefaultsToEnglish(t *testing.T) {
	if got := resetGreeting("en-US"); got != "Hello! How can I help you?" {
		t.Errorf("en greeting = %q", got)
	}
	if got := resetGreeting(""); got != "Hello! How can I help you?" {
		t.Errorf("empty-lang greeting = %q", got)
	}
	if got := resetGreeting("FR"); got != "Salut ! Comment puis-je t'aider ?" {
		t.Errorf("fr greeting = %q", got)
	}
}

func TestTriageFailureDegradesToNoTools(t *testing.T) {
	provider := &fakeProvider{info: mcp.InitializeResult{Name: "news"}}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
			return nil, llm.ErrUnavailable
		},
		func(_ []conversation.Message, tools []llm.ToolSpec) (*llm.Result, error) {
			if len(tools) != 0 {
				return nil, fmt.Errorf("expected no tools after failed triage, got %d", len(tools))
			}
			return &llm.Result{FinishReason: llm.FinishStop, Content: "Hi!"}, nil
		},
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": provider})

	reply, err := o.Process(context.Background(), "hello", "en", nil, "web")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "Hi!" {
		t.Errorf("reply = %q", reply)
	}
}

func TestToolErrorFeedsBackForSelfCorrection(t *testing.T) {
	calendar := &fakeProvider{
		info: mcp.InitializeResult{Name: "calendar", Description: "Family calendar"},
		tools: []mcp.ToolDescriptor{{
			Name:        "calendar_search_event",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		errs: map[string]error{"calendar_search_event": errors.New("upstream unreachable")},
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("calendar"),
		callTool("c1", "calendar_search_event", `{}`),
		func(messages []conversation.Message, _ []llm.ToolSpec) (*llm.Result, error) {
			last := messages[len(messages)-1]
			if last.Role != conversation.RoleTool || !strings.Contains(last.Content, "upstream unreachable") {
				return nil, fmt.Errorf("model did not see the tool error, last = %+v", last)
			}
			return &llm.Result{FinishReason: llm.FinishStop, Content: "The calendar is unreachable right now."}, nil
		},
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"calendar": calendar})

	reply, err := o.Process(context.Background(), "what's on today?", "en", nil, "web")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(reply, "unreachable") {
		t.Errorf("reply = %q", reply)
	}
}

func TestLiteralFalseToolResultAborts(t *testing.T) {
	idfm := &fakeProvider{
		info:    mcp.InitializeResult{Name: "idfm"},
		tools:   []mcp.ToolDescriptor{{Name: "plan_a_journey", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		results: map[string]json.RawMessage{"plan_a_journey": json.RawMessage(`false`)},
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("idfm"),
		callTool("c1", "plan_a_journey", `{}`),
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"idfm": idfm})

	_, err := o.Process(context.Background(), "get me home", "en", nil, "web")
	if !errors.Is(err, ErrToolFailure) {
		t.Fatalf("err = %v, want ErrToolFailure", err)
	}
	if err := conversation.CheckToolPairing(o.conv.Snapshot()); err != nil {
		t.Errorf("aborted turn tore the conversation: %v", err)
	}
}

func TestExecuteLoopIsCapped(t *testing.T) {
	news := &fakeProvider{
		info:    mcp.InitializeResult{Name: "news"},
		tools:   []mcp.ToolDescriptor{{Name: "list_unread_news", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		results: map[string]json.RawMessage{"list_unread_news": json.RawMessage(`[]`)},
	}
	script := []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){selectModules("news")}
	for i := 0; i < maxExecuteIterations+1; i++ {
		script = append(script, callTool(fmt.Sprintf("c%d", i), "list_unread_news", `{}`))
	}
	model := &fakeLLM{script: script}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": news})

	_, err := o.Process(context.Background(), "any news?", "en", nil, "web")
	if err == nil {
		t.Fatal("runaway tool loop must fail")
	}
	// Triage plus exactly the capped number of execute rounds.
	if model.calls != 1+maxExecuteIterations {
		t.Errorf("llm calls = %d", model.calls)
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	news := &fakeProvider{
		info:  mcp.InitializeResult{Name: "news"},
		tools: []mcp.ToolDescriptor{{Name: "list_unread_news", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("news"),
		callTool("c1", "made_up_function", `{}`),
		func(messages []conversation.Message, _ []llm.ToolSpec) (*llm.Result, error) {
			last := messages[len(messages)-1]
			if !strings.Contains(last.Content, "unknown function") {
				return nil, fmt.Errorf("hallucinated tool not reported, last = %+v", last)
			}
			return &llm.Result{FinishReason: llm.FinishStop, Content: "Sorry, I can't do that."}, nil
		},
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": news})

	if _, err := o.Process(context.Background(), "hm", "en", nil, "web"); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPromptConsignAndSystemContextAreInjected(t *testing.T) {
	todo := &fakeProvider{
		info:    mcp.InitializeResult{Name: "todo"},
		tools:   []mcp.ToolDescriptor{{Name: "list_todo_lists", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		consign: `{"description":"Available lists","list_name":["courses"]}`,
		results: map[string]json.RawMessage{"list_todo_lists": json.RawMessage(`["courses"]`)},
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("todo"),
		func(messages []conversation.Message, _ []llm.ToolSpec) (*llm.Result, error) {
			for _, msg := range messages {
				if msg.Role == conversation.RoleSystem && strings.Contains(msg.Content, "Available lists") {
					return &llm.Result{FinishReason: llm.FinishStop, Content: "You have one list: courses."}, nil
				}
			}
			return nil, fmt.Errorf("prompt consign not injected")
		},
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"todo": todo})

	if _, err := o.Process(context.Background(), "my lists?", "en", nil, "web"); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestClockPreambleCarriesDateAndPosition(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLM{}, nil)

	plain := o.clockPreamble(nil)
	for _, want := range []string{"Monday", "20", "January", "2025", "09:30", "Week number: 4"} {
		if !strings.Contains(plain, want) {
			t.Errorf("preamble %q missing %q", plain, want)
		}
	}
	if strings.Contains(plain, "latitude") {
		t.Errorf("preamble without GPS mentions position: %q", plain)
	}

	located := o.clockPreamble(&GPS{Lat: 48.8566, Lon: 2.3522})
	if !strings.Contains(located, "latitude 48.8566") || !strings.Contains(located, "longitude 2.3522") {
		t.Errorf("preamble = %q", located)
	}
}

func TestBaseContextIncludesBehaviorAddendum(t *testing.T) {
	behavior := &fakeProvider{
		info: mcp.InitializeResult{Name: "behavior"},
		results: map[string]json.RawMessage{
			"get_behavior_content": json.RawMessage(`{"content":"- always answer in French"}`),
		},
	}
	o := newTestOrchestrator(t, &fakeLLM{}, map[string]Provider{"behavior": behavior})
	o.personalContext = "Alice, 40, lives in Paris."

	base := o.baseContext(context.Background())
	if !strings.Contains(base, "Alice, 40") {
		t.Errorf("personal context missing: %q", base)
	}
	if !strings.Contains(base, "always answer in French") {
		t.Errorf("behavior addendum missing: %q", base)
	}
}

func TestStatusReportsEveryProvider(t *testing.T) {
	providers := map[string]Provider{
		"news":    &fakeProvider{info: mcp.InitializeResult{Name: "news"}},
		"weather": &fakeProvider{info: mcp.InitializeResult{Name: "weather"}},
	}
	o := newTestOrchestrator(t, &fakeLLM{}, providers)

	healthy, statuses := o.Status(context.Background())
	if !healthy {
		t.Error("all providers up, expected healthy")
	}
	if len(statuses) != 2 || statuses[0].Module != "news" || statuses[1].Module != "weather" {
		t.Errorf("statuses = %+v", statuses)
	}
}

// newsProvider returns a provider with three tools whose first declared call
// is the slowest, so concurrent completion order inverts declaration order.
func newsProvider() *fakeProvider {
	return &fakeProvider{
		info: mcp.InitializeResult{Name: "news"},
		tools: []mcp.ToolDescriptor{
			{Name: "news_list_unread", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "news_list_to_read", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "news_mark_as_read", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		results: map[string]json.RawMessage{
			"news_list_unread":  json.RawMessage(`{"unread":3}`),
			"news_list_to_read": json.RawMessage(`{"to_read":1}`),
			"news_mark_as_read": json.RawMessage(`{"status":"success"}`),
		},
		delays: map[string]time.Duration{
			"news_list_unread":  60 * time.Millisecond,
			"news_list_to_read": 30 * time.Millisecond,
		},
	}
}

func callNewsTools() func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
	return func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error) {
		return &llm.Result{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []conversation.ToolCall{
				{ID: "c1", Name: "news_list_unread", Arguments: json.RawMessage(`{}`)},
				{ID: "c2", Name: "news_list_to_read", Arguments: json.RawMessage(`{}`)},
				{ID: "c3", Name: "news_mark_as_read", Arguments: json.RawMessage(`{}`)},
			},
		}, nil
	}
}

func TestParallelToolResultsKeepDeclaredOrder(t *testing.T) {
	news := newsProvider()
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("news"),
		callNewsTools(),
		answer("All caught up."),
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": news})

	reply, err := o.Process(context.Background(), "catch me up", "en", nil, "web")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "All caught up." {
		t.Errorf("reply = %q", reply)
	}

	messages := o.conv.Snapshot()
	// ..., assistant(tool calls), tool c1, tool c2, tool c3, assistant answer.
	batch := messages[len(messages)-5 : len(messages)-1]
	if batch[0].Role != conversation.RoleAssistant || len(batch[0].ToolCalls) != 3 {
		t.Fatalf("expected assistant turn with 3 tool calls, got %+v", batch[0])
	}
	want := []struct{ id, content string }{
		{"c1", `{"unread":3}`},
		{"c2", `{"to_read":1}`},
		{"c3", `{"status":"success"}`},
	}
	for i, w := range want {
		got := batch[i+1]
		if got.Role != conversation.RoleTool {
			t.Errorf("message %d role = %q", i+1, got.Role)
		}
		if got.ToolCallID != w.id || got.Content != w.content {
			t.Errorf("tool result %d = {%s %q}, want {%s %q}", i, got.ToolCallID, got.Content, w.id, w.content)
		}
	}
	if err := conversation.CheckToolPairing(messages); err != nil {
		t.Errorf("conversation invariant broken: %v", err)
	}
}

func TestParallelToolErrorStaysInDeclaredSlot(t *testing.T) {
	news := newsProvider()
	news.errs = map[string]error{"news_list_to_read": errors.New("feed fetch timed out")}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		selectModules("news"),
		callNewsTools(),
		answer("Here is what I could fetch."),
	}}
	o := newTestOrchestrator(t, model, map[string]Provider{"news": news})

	reply, err := o.Process(context.Background(), "catch me up", "en", nil, "web")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "Here is what I could fetch." {
		t.Errorf("reply = %q", reply)
	}

	messages := o.conv.Snapshot()
	batch := messages[len(messages)-5 : len(messages)-1]
	if batch[1].ToolCallID != "c1" || batch[1].Content != `{"unread":3}` {
		t.Errorf("first result = {%s %q}", batch[1].ToolCallID, batch[1].Content)
	}
	if batch[2].ToolCallID != "c2" || !strings.Contains(batch[2].Content, "feed fetch timed out") {
		t.Errorf("failed call result = {%s %q}", batch[2].ToolCallID, batch[2].Content)
	}
	if batch[3].ToolCallID != "c3" || batch[3].Content != `{"status":"success"}` {
		t.Errorf("third result = {%s %q}", batch[3].ToolCallID, batch[3].Content)
	}
	if news.callCount["news_mark_as_read"] != 1 {
		t.Errorf("sibling calls should still run, callCount = %v", news.callCount)
	}
}

func TestCallLogRecordsTurnsWithoutToolCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call_logs.yml")
	writer, err := calllog.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	model := &fakeLLM{script: []func([]conversation.Message, []llm.ToolSpec) (*llm.Result, error){
		answer("Hi!"),
	}}
	o := newTestOrchestrator(t, model, nil)
	o.callLog = writer

	if _, err := o.Process(context.Background(), "hello", "en", nil, "web"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries, err := calllog.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].UserInput != "hello" || len(entries[0].Calls) != 0 {
		t.Errorf("entry = %+v", entries[0])
	}
}
