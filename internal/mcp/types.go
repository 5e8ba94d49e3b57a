// Package mcp implements the stateless JSON-RPC-over-HTTP transport spoken
// between the assistant backend and the tool-provider processes.
package mcp

import (
	"encoding/json"
	"time"
)

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used by the provider host.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Methods exposed by every provider host.
const (
	MethodInitialize    = "initialize"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodReadResource  = "resources/read"
	MethodStatus        = "status"
)

// Discovery resource URIs (resources/read).
const (
	ResourceNotification  = "description://tom_notification"
	ResourcePromptConsign = "description://prompt_consign"
)

// InitializeResult describes the module hosted by a provider process.
type InitializeResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Complexity  int    `json:"complexity"`
	IsPersonal  bool   `json:"is_personal"`
}

// ToolDescriptor advertises one tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Strict      bool            `json:"strict"`
}

// ListToolsResult is the payload of tools/list.
type ListToolsResult struct {
	Tools         []ToolDescriptor `json:"tools"`
	SystemContext string           `json:"system_context,omitempty"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult carries the JSON-serialized tool return value.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
}

// ReadResourceParams is the payload of resources/read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult carries a resource's text content. For the notification
// resource an empty Text means "nothing worth surfacing".
type ReadResourceResult struct {
	URI       string    `json:"uri"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StatusResult reports provider liveness for /status aggregation.
type StatusResult struct {
	Up          bool      `json:"up"`
	LastRefresh time.Time `json:"last_refresh"`
}
