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
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"querygate/proxy/shared/types"
)

// handleQuery is the main execution endpoint. The request principal comes
// from the bearer token when one is presented, else from the gateway's
// X-User/X-Role headers.
func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req types.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			types.ErrorResponse(types.NewError(types.KindValidation, "invalid request body"), types.QueryOther))
		return
	}

	principal, err := s.principalFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, types.ErrorResponse(err, types.QueryOther))
		return
	}
	req.Principal = principal

	resp := s.Query(r.Context(), &req)
	status := http.StatusOK
	if !resp.Success {
		status = statusForKind(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

// principalFrom resolves the caller identity. Bearer tokens are verified
// against JWT_SECRET; without a configured secret the gateway headers are
// trusted as-is.
func (s *Service) principalFrom(r *http.Request) (types.Principal, error) {
	p := types.Principal{
		Username: r.Header.Get("X-User"),
		Role:     r.Header.Get("X-Role"),
		ClientIP: clientIP(r),
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && s.cfg.JWTSecret != "" {
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, types.NewError(types.KindValidation, "unexpected token signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return p, types.WrapError(types.KindValidation, "invalid bearer token", err)
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if v, ok := claims["sub"].(string); ok && v != "" {
				p.Username = v
			}
			if v, ok := claims["role"].(string); ok && v != "" {
				p.Role = v
			}
		}
	}

	if p.Username == "" {
		return p, types.NewError(types.KindValidation, "missing caller identity")
	}
	return p, nil
}

// handleHealth reports liveness plus enough state for a load balancer to
// make a decision.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "healthy"
	if !s.Healthy() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   state,
		"servers":  len(s.registry.All()),
		"policies": s.policies.PolicyCount(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// handleListQueries lists in-flight queries for the admin surface.
func (s *Service) handleListQueries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queries":     s.ActiveQueries(),
		"distributed": s.exec.ActiveDistributed(),
	})
}

// handleCancelQuery aborts a running query by ID.
func (s *Service) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	qid := mux.Vars(r)["id"]
	if !s.CancelQuery(qid) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running query with that id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "query_id": qid})
}

// handleServers exposes per-backend pool and health statistics.
func (s *Service) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": s.registry.AllStats()})
}

// handleDrainServer removes a backend from routing and waits for its
// connections to quiesce.
func (s *Service) handleDrainServer(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	if err := s.registry.Drain(r.Context(), alias); err != nil {
		writeJSON(w, statusForKind(types.KindOf(err).Code()), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "server": alias})
}

// handleActivateServer returns a drained or deactivated backend to routing.
func (s *Service) handleActivateServer(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	if err := s.registry.Activate(alias); err != nil {
		writeJSON(w, statusForKind(types.KindOf(err).Code()), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "server": alias})
}

// handlePolicyReload forces a policy snapshot refresh outside the periodic
// interval.
func (s *Service) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Load(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reloaded",
		"policies":  s.policies.PolicyCount(),
		"loaded_at": s.policies.LoadedAt(),
	})
}

// statusForKind maps the wire error codes to HTTP statuses.
func statusForKind(code string) int {
	switch code {
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "POLICY_DENY":
		return http.StatusForbidden
	case "ROUTING_ERROR":
		return http.StatusNotFound
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "CANCELLED":
		return 499 // client closed request
	case "POOL_ERROR", "BACKEND_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP prefers the forwarding header set by the gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
