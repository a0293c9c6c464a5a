// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygate/proxy/shared/types"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func userHeaders() map[string]string {
	return map[string]string{"X-User": "alice", "X-Role": "analyst"}
}

func TestHandleQueryHTTP(t *testing.T) {
	svc, mock := newTestService(t, serviceOptions{})
	h := newRouter(svc)

	mock.ExpectQuery("select id from users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	w := doJSON(t, h, "POST", "/api/v1/query",
		`{"query_text": "select id from users where id = 1"}`, userHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.RowCount)
}

func TestHandleQueryBadBody(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "POST", "/api/v1/query", "{not json", userHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryMissingIdentity(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "POST", "/api/v1/query", `{"query_text": "select 1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleQueryErrorStatusMapping(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	h := newRouter(svc)

	// Unknown alias -> routing error -> 404.
	w := doJSON(t, h, "POST", "/api/v1/query",
		`{"query_text": "select id from users", "server_alias": "nope"}`, userHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Empty statement -> validation -> 400.
	w = doJSON(t, h, "POST", "/api/v1/query", `{"query_text": ""}`, userHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrincipalFromGatewayHeaders(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})

	r := httptest.NewRequest("POST", "/api/v1/query", nil)
	r.Header.Set("X-User", "alice")
	r.Header.Set("X-Role", "analyst")
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	p, err := svc.principalFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "analyst", p.Role)
	assert.Equal(t, "203.0.113.9", p.ClientIP)
}

func TestPrincipalFromBearerToken(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	svc.cfg.JWTSecret = "test-secret"

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "carol", "role": "admin",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/v1/query", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p, err := svc.principalFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Username)
	assert.Equal(t, "admin", p.Role)
}

func TestPrincipalRejectsBadSignature(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	svc.cfg.JWTSecret = "test-secret"

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "carol"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/v1/query", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = svc.principalFrom(r)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestPrincipalMissingIdentity(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	r := httptest.NewRequest("POST", "/api/v1/query", nil)
	_, err := svc.principalFrom(r)
	require.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleStats(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "GET", "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "servers")
	assert.Contains(t, body, "policies")
}

func TestHandleCancelQueryNotFound(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "DELETE", "/api/v1/queries/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleServerLifecycle(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	h := newRouter(svc)

	w := doJSON(t, h, "POST", "/api/v1/servers/primary/drain", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/api/v1/servers/primary/activate", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/api/v1/servers/ghost/drain", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePolicyReload(t *testing.T) {
	svc, _ := newTestService(t, serviceOptions{})
	w := doJSON(t, newRouter(svc), "POST", "/api/v1/policies/reload", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["policies"])
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		"VALIDATION_ERROR": http.StatusBadRequest,
		"POLICY_DENY":      http.StatusForbidden,
		"ROUTING_ERROR":    http.StatusNotFound,
		"TIMEOUT":          http.StatusGatewayTimeout,
		"CANCELLED":        499,
		"POOL_ERROR":       http.StatusBadGateway,
		"BACKEND_ERROR":    http.StatusBadGateway,
		"INTERNAL_ERROR":   http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForKind(code), code)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:54321"
	assert.Equal(t, "192.0.2.10", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(r))
}
