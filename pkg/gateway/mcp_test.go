package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpc(t *testing.T, srv *Server, method string, params string) rpcResponse {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "method": %q`, method)
	if params != "" {
		body += `, "params": ` + params
	}
	body += "}"

	rec := do(t, srv, http.MethodPost, "/mcp", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestMCPToolsList(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	resp := rpc(t, srv, "tools/list", "")
	require.Nil(t, resp.Error)

	buf, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result struct {
		Tools []toolDescriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(buf, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, names,
		[]string{"memory_store", "memory_query", "reliability_report", "governance_update"})
}

func TestMCPMethodNotFound(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	resp := rpc(t, srv, "resources/list", "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}

func TestMCPUnknownTool(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	resp := rpc(t, srv, "tools/call", `{"name": "delete_everything", "arguments": {}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}

func TestMCPMemoryStoreCall(t *testing.T) {
	srv, db := testServer(ServerConfig{})
	resp := rpc(t, srv, "tools/call", `{
		"name": "memory_store",
		"arguments": {
			"actor": "alice",
			"target_space": "team:billing",
			"card": {"kind": "incident", "owner": "alice", "summary": "timeout loop"}
		}
	}`)
	require.Nil(t, resp.Error)

	buf, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var res StoreResult
	require.NoError(t, json.Unmarshal(buf, &res))
	assert.True(t, res.OK)
	assert.Equal(t, "mem-1", res.MemoryID)
	assert.Len(t, db.audits, 1)
}

func TestMCPMemoryStoreValidationReject(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	resp := rpc(t, srv, "tools/call", `{
		"name": "memory_store",
		"arguments": {"actor": "alice", "target_space": "t", "card": {"kind": "x"}}
	}`)
	require.Nil(t, resp.Error)

	buf, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var res StoreResult
	require.NoError(t, json.Unmarshal(buf, &res))
	assert.False(t, res.OK)
	assert.Equal(t, "validation_error", res.Reason)
}

func TestMCPGovernanceUpdate(t *testing.T) {
	srv, db := testServer(ServerConfig{})
	resp := rpc(t, srv, "tools/call", `{
		"name": "governance_update",
		"arguments": {"team_write_enabled": true, "policy_json": "{\"evidence_mode\": \"strict\"}"}
	}`)
	require.Nil(t, resp.Error)
	require.NotNil(t, db.upserted)
	assert.True(t, db.upserted.TeamWriteEnabled)

	resp = rpc(t, srv, "tools/call", `{
		"name": "governance_update",
		"arguments": {"team_write_enabled": true, "policy_json": "{bad json"}
	}`)
	require.Nil(t, resp.Error)
	buf, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(buf, &body))
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "validation_error", body["error_code"])
}

func TestMCPParseError(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	rec := do(t, srv, http.MethodPost, "/mcp", "{not json", nil)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcParseError, resp.Error.Code)
}

func TestMCPInvalidVersion(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	rec := do(t, srv, http.MethodPost, "/mcp", `{"jsonrpc": "1.0", "id": 1, "method": "tools/list"}`, nil)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcInvalidRequest, resp.Error.Code)
}
