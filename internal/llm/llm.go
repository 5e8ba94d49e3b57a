// Package llm adapts the configured chat-completions providers behind a
// single call interface with complexity-tier model selection.
//
// Per-provider quirks live here so the orchestrator never sees them:
// mistral is throttled to one request per 1.5 s, deepseek rejects empty
// parameter schemas, and every provider gets two retries on 5xx responses.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tom-assistant/tom/internal/config"
	"github.com/tom-assistant/tom/internal/conversation"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/retry"
)

// Complexity tiers select one of the three configured models per provider.
const (
	ComplexityLow    = 0
	ComplexityMedium = 1
	ComplexityHigh   = 2
)

// mistralMinInterval is the enforced spacing between mistral requests.
const mistralMinInterval = 1500 * time.Millisecond

// ToolSpec describes one callable function offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

// Result is the model's reply to one chat call.
type Result struct {
	Content      string
	FinishReason string
	ToolCalls    []conversation.ToolCall
	Model        string
	Provider     string
}

// Finish reasons surfaced to the orchestrator.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// ErrUnavailable is returned when the model could not be reached after
// retries, or the requested provider is not configured.
var ErrUnavailable = errors.New("llm unavailable")

// chatClient is the slice of the go-openai client the adapter uses.
// Tests substitute a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type providerClient struct {
	name    string
	client  chatClient
	models  [3]string
	limiter *rate.Limiter // nil unless the provider is throttled
}

// Adapter routes chat calls to the configured providers.
type Adapter struct {
	defaultName string
	providers   map[string]*providerClient
	logger      *observability.Logger
	retryCfg    retry.Config
}

// New builds an adapter from the deployment config. Providers with no
// resolvable API key are skipped with a warning; a missing or skipped
// default provider is an error (the caller exits 1).
func New(cfg *config.Config, logger *observability.Logger) (*Adapter, error) {
	adapter := &Adapter{
		defaultName: cfg.Global.LLM,
		providers:   make(map[string]*providerClient),
		logger:      logger,
		// Up to 2 retries with 300 ms spacing on transient failures.
		retryCfg: retry.Linear(3, 300*time.Millisecond),
	}

	for name, pc := range cfg.Global.LLMs {
		key := pc.APIKey()
		if key == "" {
			logger.Warn(context.Background(), "llm provider has no API key, skipping", "provider", name)
			continue
		}
		if len(pc.Models) != 3 {
			logger.Warn(context.Background(), "llm provider does not define 3 model tiers, skipping", "provider", name)
			continue
		}

		clientCfg := openai.DefaultConfig(key)
		if pc.BaseURL != "" {
			clientCfg.BaseURL = pc.BaseURL
		}

		client := &providerClient{
			name:   name,
			client: openai.NewClientWithConfig(clientCfg),
			models: [3]string{pc.Models[0], pc.Models[1], pc.Models[2]},
		}
		if name == "mistral" {
			client.limiter = rate.NewLimiter(rate.Every(mistralMinInterval), 1)
		}
		adapter.providers[name] = client
	}

	if _, ok := adapter.providers[adapter.defaultName]; !ok {
		return nil, fmt.Errorf("default llm provider %q is not usable", adapter.defaultName)
	}
	return adapter, nil
}

// Chat sends the conversation to the model selected by complexity and
// returns its reply. providerOverride selects a non-default provider; empty
// means the configured default.
func (a *Adapter) Chat(ctx context.Context, messages []conversation.Message, tools []ToolSpec, complexity int, providerOverride string) (*Result, error) {
	name := providerOverride
	if name == "" {
		name = a.defaultName
	}
	provider, ok := a.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrUnavailable, name)
	}

	if complexity < ComplexityLow || complexity > ComplexityHigh {
		complexity = ComplexityMedium
	}
	model := provider.models[complexity]

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Tools:    provider.toOpenAITools(tools),
	}

	if provider.limiter != nil {
		if err := provider.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	start := time.Now()
	resp, result := retry.DoWithValue(ctx, a.retryCfg, func() (openai.ChatCompletionResponse, error) {
		resp, err := provider.client.CreateChatCompletion(ctx, req)
		if err != nil && !isTransient(err) {
			return resp, retry.Permanent(err)
		}
		return resp, err
	})
	if result.Err != nil {
		a.logger.Error(ctx, "llm call failed", "provider", name, "model", model,
			"attempts", result.Attempts, "error", result.Err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, result.Err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	choice := resp.Choices[0]
	out := &Result{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        model,
		Provider:     name,
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}

	a.logger.Debug(ctx, "llm call completed", "provider", name, "model", model,
		"finish_reason", out.FinishReason, "tool_calls", len(out.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// DefaultProvider returns the name of the configured default provider.
func (a *Adapter) DefaultProvider() string {
	return a.defaultName
}

func toOpenAIMessages(messages []conversation.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func (p *providerClient) toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn := &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Strict:      tool.Strict,
		}
		if params := parseSchema(tool.Parameters); params != nil {
			// deepseek rejects tool specs carrying an empty parameters
			// object, so those are stripped for that provider.
			if p.name == "deepseek" && isEmptySchema(params) {
				fn.Parameters = nil
			} else {
				fn.Parameters = params
			}
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out
}

func parseSchema(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

func isEmptySchema(schema map[string]any) bool {
	props, ok := schema["properties"].(map[string]any)
	return !ok || len(props) == 0
}

// isTransient reports whether the error is a retryable upstream failure
// (HTTP 5xx). Everything else propagates immediately.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500
	}
	return false
}
