package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tom-assistant/tom/internal/observability"
)

// Handler dispatches one JSON-RPC method. The returned value is serialized
// as the result; a returned *JSONRPCError is surfaced as the error object,
// any other error becomes an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server hosts JSON-RPC methods over HTTP POST. One Server fronts one
// provider module.
type Server struct {
	handlers map[string]Handler
	logger   *observability.Logger
}

// NewServer creates an empty JSON-RPC server.
func NewServer(logger *observability.Logger) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a method name to a handler. Later registrations win, which
// lets the host override default methods.
func (s *Server) Register(method string, handler Handler) {
	s.handlers[method] = handler
}

// ServeHTTP implements http.Handler for the JSON-RPC endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: CodeParseError, Message: "invalid JSON"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &JSONRPCError{Code: CodeInvalidRequest, Message: "not a JSON-RPC 2.0 request"},
		})
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &JSONRPCError{Code: CodeMethodNotFound, Message: "unknown method " + req.Method},
		})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		var rpcErr *JSONRPCError
		if !errors.As(err, &rpcErr) {
			s.logger.Error(r.Context(), "rpc handler failed", "method", req.Method, "error", err)
			rpcErr = &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
		}
		writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &JSONRPCError{Code: CodeInternalError, Message: "marshal result: " + err.Error()},
		})
		return
	}
	writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: payload})
}

// Error implements the error interface so handlers can return typed errors.
func (e *JSONRPCError) Error() string {
	return e.Message
}

// InvalidParams builds a JSON-RPC invalid-params error.
func InvalidParams(msg string) *JSONRPCError {
	return &JSONRPCError{Code: CodeInvalidParams, Message: msg}
}

func writeResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
