package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tom-assistant/tom/internal/mcp"
	"github.com/tom-assistant/tom/internal/observability"
)

// Host exposes one module over the provider wire protocol and owns its
// background refresh worker.
type Host struct {
	module  Module
	server  *mcp.Server
	logger  *observability.Logger
	schemas map[string]*schemavalidate.Schema

	mu          sync.Mutex
	lastRefresh time.Time
	refreshing  bool
}

// NewHost wraps a module in a JSON-RPC host. Tool parameter schemas are
// compiled once here; a tool with an uncompilable schema is a programming
// error and fails host construction.
func NewHost(module Module, logger *observability.Logger) (*Host, error) {
	host := &Host{
		module:  module,
		server:  mcp.NewServer(logger),
		logger:  logger.WithFields("module", module.Name()),
		schemas: make(map[string]*schemavalidate.Schema),
	}

	for _, spec := range module.Tools() {
		if _, exists := host.schemas[spec.Name]; exists {
			return nil, fmt.Errorf("module %s: duplicate tool %q", module.Name(), spec.Name)
		}
		compiler := schemavalidate.NewCompiler()
		url := spec.Name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(spec.Parameters)); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", spec.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
		}
		host.schemas[spec.Name] = compiled
	}

	host.server.Register(mcp.MethodInitialize, host.handleInitialize)
	host.server.Register(mcp.MethodListTools, host.handleListTools)
	host.server.Register(mcp.MethodCallTool, host.handleCallTool)
	host.server.Register(mcp.MethodReadResource, host.handleReadResource)
	host.server.Register(mcp.MethodStatus, host.handleStatus)
	return host, nil
}

// Handler returns the HTTP handler for the provider endpoint.
func (h *Host) Handler() http.Handler {
	return h.server
}

// Start launches the background refresh loop if the module refreshes. The
// loop never blocks a foreground tool call: refresh runs in this goroutine
// while tool calls are served concurrently by the HTTP server.
func (h *Host) Start(ctx context.Context) {
	refresher, ok := h.module.(Refresher)
	if !ok {
		return
	}

	go func() {
		// First refresh happens immediately so the cache is warm before the
		// first tool call arrives.
		h.runRefresh(ctx, refresher)
		for {
			interval := refresher.RefreshInterval()
			if interval <= 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				h.runRefresh(ctx, refresher)
			}
		}
	}()
}

// ForceRefresh runs a synchronous refresh, used by read-through tool paths
// whose store is staler than the module's freshness bound.
func (h *Host) ForceRefresh(ctx context.Context) error {
	refresher, ok := h.module.(Refresher)
	if !ok {
		return nil
	}
	return h.runRefresh(ctx, refresher)
}

// LastRefresh reports when the module last refreshed successfully.
func (h *Host) LastRefresh() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRefresh
}

func (h *Host) runRefresh(ctx context.Context, refresher Refresher) error {
	h.mu.Lock()
	if h.refreshing {
		h.mu.Unlock()
		return nil
	}
	h.refreshing = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.refreshing = false
		h.mu.Unlock()
	}()

	start := time.Now()
	if err := refresher.Refresh(ctx); err != nil {
		h.logger.Warn(ctx, "background refresh failed", "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return err
	}

	h.mu.Lock()
	h.lastRefresh = time.Now()
	h.mu.Unlock()
	h.logger.Debug(ctx, "background refresh completed",
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (h *Host) handleInitialize(ctx context.Context, _ json.RawMessage) (any, error) {
	personal := false
	if p, ok := h.module.(Personal); ok {
		personal = p.IsPersonal()
	}
	return mcp.InitializeResult{
		Name:        h.module.Name(),
		Description: h.module.Describe(),
		Complexity:  h.module.Complexity(),
		IsPersonal:  personal,
	}, nil
}

func (h *Host) handleListTools(ctx context.Context, _ json.RawMessage) (any, error) {
	specs := h.module.Tools()
	descriptors := make([]mcp.ToolDescriptor, 0, len(specs))
	for _, spec := range specs {
		descriptors = append(descriptors, mcp.ToolDescriptor{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Parameters,
			Strict:      spec.Strict,
		})
	}
	return mcp.ListToolsResult{Tools: descriptors, SystemContext: h.module.SystemContext()}, nil
}

func (h *Host) handleCallTool(ctx context.Context, params json.RawMessage) (any, error) {
	var call mcp.CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, mcp.InvalidParams(err.Error())
	}
	schema, ok := h.schemas[call.Name]
	if !ok {
		return nil, mcp.InvalidParams("unknown tool " + call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	// Validation failures are tool results, not transport errors: the model
	// sees them and can self-correct.
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return mcp.CallToolResult{Content: ErrorResult("arguments are not valid JSON: " + err.Error())}, nil
	}
	if err := schema.Validate(decoded); err != nil {
		return mcp.CallToolResult{Content: ErrorResult("invalid arguments: " + err.Error())}, nil
	}

	start := time.Now()
	content, err := h.module.Invoke(ctx, call.Name, args)
	if err != nil {
		h.logger.Error(ctx, "tool invocation failed", "tool", call.Name, "error", err)
		return mcp.CallToolResult{Content: ErrorResult(err.Error())}, nil
	}
	h.logger.Debug(ctx, "tool invoked", "tool", call.Name,
		"duration_ms", time.Since(start).Milliseconds())
	return mcp.CallToolResult{Content: content}, nil
}

func (h *Host) handleReadResource(ctx context.Context, params json.RawMessage) (any, error) {
	var read mcp.ReadResourceParams
	if err := json.Unmarshal(params, &read); err != nil {
		return nil, mcp.InvalidParams(err.Error())
	}

	switch read.URI {
	case "description://" + h.module.Name():
		return mcp.ReadResourceResult{URI: read.URI, Text: h.module.Describe()}, nil

	case mcp.ResourceNotification:
		notifier, ok := h.module.(Notifier)
		if !ok {
			return mcp.ReadResourceResult{URI: read.URI, Text: ""}, nil
		}
		status, at := notifier.Notification()
		return mcp.ReadResourceResult{URI: read.URI, Text: status, Timestamp: at}, nil

	case mcp.ResourcePromptConsign:
		consigner, ok := h.module.(Consigner)
		if !ok {
			return nil, mcp.InvalidParams("module has no prompt consign")
		}
		consign, ok := consigner.PromptConsign()
		if !ok {
			return mcp.ReadResourceResult{URI: read.URI, Text: ""}, nil
		}
		return mcp.ReadResourceResult{URI: read.URI, Text: consign}, nil

	default:
		return nil, mcp.InvalidParams("unknown resource " + read.URI)
	}
}

func (h *Host) handleStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return mcp.StatusResult{Up: true, LastRefresh: h.LastRefresh()}, nil
}
