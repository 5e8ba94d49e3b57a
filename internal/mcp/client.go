package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to a single provider process over stateless HTTP JSON-RPC.
// It is safe for concurrent use.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a client for the provider at the given base URL.
// A zero timeout defaults to 30 seconds.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Call sends a request and decodes the result into out (skipped when nil).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// RPCError is a JSON-RPC error returned by a provider.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Initialize fetches the hosted module's metadata.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var result InitializeResult
	if err := c.Call(ctx, MethodInitialize, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools fetches the module's tool advertisement and system context.
func (c *Client) ListTools(ctx context.Context) (*ListToolsResult, error) {
	var result ListToolsResult
	if err := c.Call(ctx, MethodListTools, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a named tool with JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var result CallToolResult
	params := CallToolParams{Name: name, Arguments: args}
	if err := c.Call(ctx, MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return result.Content, nil
}

// ReadResource reads a discovery resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.Call(ctx, MethodReadResource, ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reports provider liveness.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.Call(ctx, MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
