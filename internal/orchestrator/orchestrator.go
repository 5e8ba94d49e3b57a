// Package orchestrator drives the triage → execute loop: the model first
// picks which capability modules to load, then calls their tools until it
// produces a plain answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tom-assistant/tom/internal/calllog"
	"github.com/tom-assistant/tom/internal/conversation"
	"github.com/tom-assistant/tom/internal/llm"
	"github.com/tom-assistant/tom/internal/mcp"
	"github.com/tom-assistant/tom/internal/observability"
)

// maxExecuteIterations caps the execute loop; a model that keeps requesting
// tools past this point is treated as a failure.
const maxExecuteIterations = 12

// Triage pseudo-tools.
const (
	triageSelectTool = "modules_needed_to_answer_user_prompt"
	triageResetTool  = "reset_conversation"
)

// ErrToolFailure is returned when the loop aborts on a tool that reported an
// unrecoverable failure.
var ErrToolFailure = errors.New("orchestrator: tool failure")

// GPS is an optional client position.
type GPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Provider is the slice of the MCP client the orchestrator uses. Tests
// substitute fakes.
type Provider interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Status(ctx context.Context) (*mcp.StatusResult, error)
}

// LLM is the adapter interface the orchestrator calls.
type LLM interface {
	Chat(ctx context.Context, messages []conversation.Message, tools []llm.ToolSpec, complexity int, providerOverride string) (*llm.Result, error)
}

// Config assembles one user's orchestrator.
type Config struct {
	Username        string
	PersonalContext string
	Location        *time.Location // falls back to Europe/Paris
	LLM             LLM
	Providers       map[string]Provider // module name → client
	CallLog         *calllog.Writer
	Logger          *observability.Logger
	Metrics         *observability.Metrics
}

// Orchestrator converts one user's utterances into assistant answers.
type Orchestrator struct {
	username        string
	personalContext string
	location        *time.Location
	llm             LLM
	providers       map[string]Provider
	callLog         *calllog.Writer
	logger          *observability.Logger
	metrics         *observability.Metrics
	conv            *conversation.Conversation
	now             func() time.Time

	catalogue map[string]mcp.InitializeResult
}

// New creates the orchestrator and loads the module catalogue from the
// configured providers. Providers that fail to initialize are left out of the
// catalogue with a warning; they can come back on the next restart.
func New(ctx context.Context, cfg Config) *Orchestrator {
	location := cfg.Location
	if location == nil {
		var err error
		location, err = time.LoadLocation("Europe/Paris")
		if err != nil {
			location = time.UTC
		}
	}
	o := &Orchestrator{
		username:        cfg.Username,
		personalContext: cfg.PersonalContext,
		location:        location,
		llm:             cfg.LLM,
		providers:       cfg.Providers,
		callLog:         cfg.CallLog,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		conv:            conversation.New("", ""),
		now:             time.Now,
		catalogue:       make(map[string]mcp.InitializeResult),
	}
	for name, provider := range cfg.Providers {
		info, err := provider.Initialize(ctx)
		if err != nil {
			o.logger.Warn(ctx, "provider unavailable at startup", "module", name, "error", err)
			continue
		}
		o.catalogue[name] = *info
	}
	return o
}

// Process runs one conversation turn and returns the assistant's answer.
func (o *Orchestrator) Process(ctx context.Context, text, lang string, gps *GPS, clientKind string) (string, error) {
	ctx = observability.AddUsername(ctx, o.username)
	ctx = observability.AddClient(ctx, clientKind)

	o.conv.SetClock(o.clockPreamble(gps))
	o.conv.SetBaseContext(o.baseContext(ctx))
	o.conv.AppendUser(text)

	modules, reset := o.triage(ctx)
	if reset {
		o.conv.Clear()
		return resetGreeting(lang), nil
	}
	return o.execute(ctx, text, modules)
}

// Reset clears the conversation history.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.conv.Clear()
}

// ProviderStatus is one entry of the status report.
type ProviderStatus struct {
	Module      string    `json:"module"`
	Up          bool      `json:"up"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// Status polls every provider for liveness.
func (o *Orchestrator) Status(ctx context.Context) (bool, []ProviderStatus) {
	healthy := true
	out := make([]ProviderStatus, 0, len(o.providers))
	for _, name := range o.moduleNames() {
		status := ProviderStatus{Module: name}
		result, err := o.providers[name].Status(ctx)
		if err == nil && result.Up {
			status.Up = true
			status.LastRefresh = result.LastRefresh
		} else {
			healthy = false
		}
		out = append(out, status)
	}
	return healthy, out
}

// clockPreamble renders slot 0: weekday, date, time, week number, optional
// position.
func (o *Orchestrator) clockPreamble(gps *GPS) string {
	now := o.now().In(o.location)
	_, week := now.ISOWeek()
	preamble := fmt.Sprintf("Today is %s %d %s %d. The time is %s. Week number: %d.",
		now.Weekday(), now.Day(), now.Month(), now.Year(), now.Format("15:04"), week)
	if gps != nil {
		preamble += fmt.Sprintf(" The user is at latitude %.4f, longitude %.4f.", gps.Lat, gps.Lon)
	}
	return preamble
}

// baseContext renders slot 1: assistant charter, the user's personal context
// and the behavior addendum.
func (o *Orchestrator) baseContext(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("You are Tom, a personal assistant for the family. ")
	b.WriteString("Answer in the language the user speaks. Be brief and factual; ")
	b.WriteString("use the available tools instead of guessing.")
	if o.personalContext != "" {
		b.WriteString("\n\nAbout the user:\n")
		b.WriteString(o.personalContext)
	}
	if addendum := o.behaviorContent(ctx); addendum != "" {
		b.WriteString("\n\nStanding instructions:\n")
		b.WriteString(addendum)
	}
	return b.String()
}

// behaviorContent fetches the optional behavior module's addendum. Absence
// or failure both mean no addendum.
func (o *Orchestrator) behaviorContent(ctx context.Context) string {
	provider, ok := o.providers["behavior"]
	if !ok {
		return ""
	}
	result, err := provider.CallTool(ctx, "get_behavior_content", json.RawMessage(`{}`))
	if err != nil {
		o.logger.Warn(ctx, "behavior content unavailable", "error", err)
		return ""
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return ""
	}
	return payload.Content
}

func resetGreeting(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), "fr") {
		return "Salut ! Comment puis-je t'aider ?"
	}
	return "Hello! How can I help you?"
}

func (o *Orchestrator) moduleNames() []string {
	names := make([]string, 0, len(o.catalogue))
	for name := range o.catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// triage asks the model which modules it needs. A triage failure degrades to
// an empty set so the model still gets a chance to answer directly.
func (o *Orchestrator) triage(ctx context.Context) ([]string, bool) {
	names := o.moduleNames()
	if len(names) == 0 {
		return nil, false
	}

	catalogue := make([]map[string]string, 0, len(names))
	for _, name := range names {
		catalogue = append(catalogue, map[string]string{
			"name":        name,
			"description": o.catalogue[name].Description,
		})
	}
	catalogueJSON, _ := json.Marshal(catalogue)

	messages := o.conv.Snapshot()
	messages = append(messages, conversation.Message{
		Role: conversation.RoleSystem,
		Content: "Select the modules needed to answer the user's last message. " +
			"Available modules:\n" + string(catalogueJSON),
	})

	result, err := o.llm.Chat(ctx, messages, o.triageTools(names), llm.ComplexityMedium, "")
	if err != nil {
		o.logger.Warn(ctx, "triage failed, answering without tools", "error", err)
		return nil, false
	}

	selected := make(map[string]bool)
	reset := false
	for _, call := range result.ToolCalls {
		switch call.Name {
		case triageResetTool:
			reset = true
		case triageSelectTool:
			var args struct {
				ModulesName string `json:"modules_name"`
			}
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				continue
			}
			if _, known := o.catalogue[args.ModulesName]; known {
				selected[args.ModulesName] = true
			}
		}
	}
	// Reset wins over any module selection.
	if reset {
		return nil, true
	}

	modules := make([]string, 0, len(selected))
	for name := range selected {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	o.logger.Debug(ctx, "triage selected modules", "modules", modules)
	return modules, false
}

func (o *Orchestrator) triageTools(names []string) []llm.ToolSpec {
	enum, _ := json.Marshal(names)
	selectSchema := json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"modules_name": {
				"type": "string",
				"description": "Name of one module needed to answer",
				"enum": %s
			}
		},
		"required": ["modules_name"],
		"additionalProperties": false
	}`, enum))

	return []llm.ToolSpec{
		{
			Name:        triageSelectTool,
			Description: "Declare one module needed to answer the user's last message. Call once per module.",
			Parameters:  selectSchema,
			Strict:      true,
		},
		{
			Name:        triageResetTool,
			Description: "Forget the whole conversation and start fresh",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Strict:      true,
		},
	}
}

// execute runs the tool loop over the selected modules.
func (o *Orchestrator) execute(ctx context.Context, userInput string, moduleNames []string) (string, error) {
	tools, toolOwner, complexity, err := o.loadTools(ctx, moduleNames)
	if err != nil {
		return "", err
	}

	var loggedCalls []calllog.FunctionCall
	for iteration := 0; iteration < maxExecuteIterations; iteration++ {
		result, err := o.llm.Chat(ctx, o.conv.Snapshot(), tools, complexity, "")
		if err != nil {
			return "", err
		}

		switch result.FinishReason {
		case llm.FinishStop:
			o.conv.Append(conversation.Message{
				Role:    conversation.RoleAssistant,
				Content: result.Content,
			})
			o.writeCallLog(ctx, userInput, loggedCalls)
			return result.Content, nil

		case llm.FinishToolCalls:
			calls := result.ToolCalls
			results, failure := o.dispatch(ctx, calls, toolOwner)

			// Append the assistant message and every tool result together
			// so cancellation can never leave a torn log.
			batch := make([]conversation.Message, 0, len(calls)+1)
			batch = append(batch, conversation.Message{
				Role:      conversation.RoleAssistant,
				Content:   result.Content,
				ToolCalls: calls,
			})
			for i, call := range calls {
				batch = append(batch, conversation.Message{
					Role:       conversation.RoleTool,
					ToolCallID: call.ID,
					Content:    string(results[i]),
				})
				loggedCalls = append(loggedCalls, logCall(call))
			}
			o.conv.Append(batch...)

			if failure {
				o.writeCallLog(ctx, userInput, loggedCalls)
				return "", ErrToolFailure
			}

		default:
			return "", fmt.Errorf("unexpected finish reason %q", result.FinishReason)
		}
	}
	return "", fmt.Errorf("model kept requesting tools after %d iterations", maxExecuteIterations)
}

// loadTools gathers the tool union of the selected modules, appends their
// system contexts and prompt consigns, and computes the complexity tier.
func (o *Orchestrator) loadTools(ctx context.Context, moduleNames []string) ([]llm.ToolSpec, map[string]string, int, error) {
	var tools []llm.ToolSpec
	toolOwner := make(map[string]string)
	complexity := llm.ComplexityLow

	for _, name := range moduleNames {
		provider := o.providers[name]
		listed, err := provider.ListTools(ctx)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load tools of %s: %w", name, err)
		}
		for _, tool := range listed.Tools {
			tools = append(tools, llm.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
				Strict:      tool.Strict,
			})
			toolOwner[tool.Name] = name
		}
		if listed.SystemContext != "" {
			o.conv.Append(conversation.Message{
				Role:    conversation.RoleSystem,
				Content: listed.SystemContext,
			})
		}
		if consign := o.promptConsign(ctx, provider); consign != "" {
			o.conv.Append(conversation.Message{
				Role:    conversation.RoleSystem,
				Content: consign,
			})
		}
		if c := o.catalogue[name].Complexity; c > complexity {
			complexity = c
		}
	}
	return tools, toolOwner, complexity, nil
}

func (o *Orchestrator) promptConsign(ctx context.Context, provider Provider) string {
	resource, err := provider.ReadResource(ctx, mcp.ResourcePromptConsign)
	if err != nil {
		// Optional resource; most modules do not publish one.
		return ""
	}
	return resource.Text
}

// dispatch runs the tool calls of one model turn concurrently and returns
// their results in the order the model declared them. failure is set when a
// tool answered with a literal false, which aborts the loop.
func (o *Orchestrator) dispatch(ctx context.Context, calls []conversation.ToolCall, toolOwner map[string]string) ([]json.RawMessage, bool) {
	results := make([]json.RawMessage, len(calls))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, call := range calls {
		group.Go(func() error {
			results[i] = o.callTool(groupCtx, call, toolOwner)
			return nil
		})
	}
	_ = group.Wait()

	for _, result := range results {
		if string(result) == "false" {
			return results, true
		}
	}
	return results, false
}

// callTool invokes one tool and never fails: transport and dispatch errors
// become {"error": …} results so the model can self-correct.
func (o *Orchestrator) callTool(ctx context.Context, call conversation.ToolCall, toolOwner map[string]string) json.RawMessage {
	moduleName, ok := toolOwner[call.Name]
	if !ok {
		return errResult(fmt.Sprintf("unknown function %q", call.Name))
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	} else if !json.Valid(args) {
		return errResult("function arguments are not valid JSON")
	}

	start := time.Now()
	result, err := o.providers[moduleName].CallTool(ctx, call.Name, args)
	if o.metrics != nil {
		o.metrics.ToolInvocationDuration.WithLabelValues(moduleName, call.Name).
			Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.ToolInvocationCounter.WithLabelValues(moduleName, call.Name, outcome).Inc()
	}
	if err != nil {
		o.logger.Warn(ctx, "tool call failed", "module", moduleName, "tool", call.Name, "error", err)
		return errResult(err.Error())
	}
	if len(result) == 0 {
		return json.RawMessage(`null`)
	}
	return result
}

func errResult(message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return payload
}

func logCall(call conversation.ToolCall) calllog.FunctionCall {
	params := map[string]any{}
	_ = json.Unmarshal(call.Arguments, &params)
	return calllog.FunctionCall{Function: call.Name, Parameters: params}
}

// writeCallLog appends the turn's record; turns without tool calls still get
// an entry.
func (o *Orchestrator) writeCallLog(ctx context.Context, userInput string, calls []calllog.FunctionCall) {
	if o.callLog == nil {
		return
	}
	if err := o.callLog.Append(o.username, userInput, calls); err != nil {
		o.logger.Warn(ctx, "call log write failed", "error", err)
	}
}
