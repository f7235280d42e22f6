package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(cfg ServerConfig) (*Server, *gwDB) {
	db := newGwDB()
	gw := New(Config{ProjectKey: "acme"}, db, &gwMemory{memoryID: "mem-1"}, nil)
	return NewServer(cfg, gw), db
}

func do(t *testing.T, srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body == "" {
		buf = bytes.NewBuffer(nil)
	} else {
		buf = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, buf)
	req.RemoteAddr = "198.51.100.7:4000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, "memory-gateway", body.Service)
	assert.Equal(t, "disabled", body.SeekDB)
}

func TestStoreEndpoint(t *testing.T) {
	srv, db := testServer(ServerConfig{})
	body := `{
		"actor": "alice",
		"target_space": "team:billing",
		"card": {"kind": "incident", "owner": "alice", "summary": "timeout loop"}
	}`
	rec := do(t, srv, http.MethodPost, "/memory/store", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res StoreResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.OK)
	assert.Equal(t, "allow", res.Action)
	assert.Equal(t, "mem-1", res.MemoryID)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Len(t, db.audits, 1)
}

func TestStoreEndpointRejectsMalformedCard(t *testing.T) {
	srv, db := testServer(ServerConfig{})

	// Missing owner fails schema validation before the write path runs.
	body := `{"actor": "alice", "target_space": "t", "card": {"kind": "incident", "summary": "x"}}`
	rec := do(t, srv, http.MethodPost, "/memory/store", body, nil)

	var res StoreResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.OK)
	assert.Equal(t, "reject", res.Action)
	assert.Equal(t, "validation_error", res.Reason)
	assert.Empty(t, db.audits)

	// Missing target_space is a validation reject too.
	body = `{"actor": "alice", "card": {"kind": "incident", "owner": "alice", "summary": "x"}}`
	rec = do(t, srv, http.MethodPost, "/memory/store", body, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "validation_error", res.Reason)
}

func TestRateLimitEnvelope(t *testing.T) {
	srv, _ := testServer(ServerConfig{RateLimitRPS: 1, RateLimitBurst: 1})

	body := `{"query": "x"}`
	first := do(t, srv, http.MethodPost, "/memory/query", body, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, srv, http.MethodPost, "/memory/query", body, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var env map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &env))
	assert.Equal(t, false, env["ok"])
	assert.Equal(t, "rate_limited", env["error_code"])
	assert.Equal(t, true, env["retryable"])

	// Health is exempt from the limiter.
	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTMiddleware(t *testing.T) {
	srv, _ := testServer(ServerConfig{JWTSecret: "test-secret"})

	rec := do(t, srv, http.MethodPost, "/memory/query", `{"query":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/memory/query", `{"query":"x"}`,
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPost, "/memory/query", `{"query":"x"}`,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open without a token.
	rec = do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReportEndpoint(t *testing.T) {
	srv, _ := testServer(ServerConfig{})
	rec := do(t, srv, http.MethodGet, "/reliability/report", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep ReliabilityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.True(t, rep.OK)
	assert.Equal(t, 3, rep.OutboxStats.Total)
	assert.NotEmpty(t, rep.GeneratedAt)
}
