package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// JSON-RPC 2.0 plumbing for the MCP tool surface.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

// toolDescriptor is one entry in tools/list.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var toolCatalog = []toolDescriptor{
	{
		Name:        "memory_store",
		Description: "Store a structured memory card through the governed write path.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"actor", "target_space", "card"},
			"properties": map[string]any{
				"actor":        map[string]any{"type": "string"},
				"target_space": map[string]any{"type": "string"},
				"card":         map[string]any{"type": "object"},
			},
		},
	},
	{
		Name:        "memory_query",
		Description: "Search stored memories, with logbook fallback when the service is degraded.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"query":   map[string]any{"type": "string"},
				"filters": map[string]any{"type": "object"},
				"limit":   map[string]any{"type": "integer"},
			},
		},
	},
	{
		Name:        "reliability_report",
		Description: "Aggregate outbox and audit health counters.",
		InputSchema:  map[string]any{"type": "object"},
	},
	{
		Name:        "governance_update",
		Description: "Toggle team writes and replace the policy document for the project.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"team_write_enabled"},
			"properties": map[string]any{
				"team_write_enabled": map[string]any{"type": "boolean"},
				"policy_json":        map[string]any{"type": "string"},
			},
		},
	},
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: rpcInvalidRequest, Message: "jsonrpc must be 2.0"}})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "tools/list":
		resp.Result = map[string]any{"tools": toolCatalog}
	case "tools/call":
		result, rpcErr := s.callTool(r, req.Params)
		resp.Result, resp.Error = result, rpcErr
	default:
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(r *http.Request, params json.RawMessage) (any, *rpcError) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid params"}
	}

	switch call.Name {
	case "memory_store":
		var raw map[string]any
		if err := json.Unmarshal(call.Arguments, &raw); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid arguments"}
		}
		correlationID := NewCorrelationID()
		req, err := decodeStoreRequest(raw)
		if err != nil {
			return StoreResult{OK: false, Action: "reject",
				CorrelationID: correlationID, Reason: "validation_error", Suggestion: err.Error()}, nil
		}
		return s.gw.Store(r.Context(), correlationID, req), nil

	case "memory_query":
		var q queryRequest
		if err := json.Unmarshal(call.Arguments, &q); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid arguments"}
		}
		return s.gw.Query(r.Context(), NewCorrelationID(), q.Query, q.Filters, q.Limit), nil

	case "reliability_report":
		report, err := s.gw.Report(r.Context(), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return map[string]any{"ok": false, "error_code": "http_error", "message": err.Error()}, nil
		}
		return report, nil

	case "governance_update":
		var args struct {
			TeamWriteEnabled bool   `json:"team_write_enabled"`
			PolicyJSON       string `json:"policy_json"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid arguments"}
		}
		if err := s.gw.GovernanceUpdate(r.Context(), args.TeamWriteEnabled, args.PolicyJSON); err != nil {
			return map[string]any{"ok": false, "error_code": "validation_error", "message": err.Error()}, nil
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "unknown tool: " + call.Name}
	}
}
