/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi is the external collaborator spec.md S1 scopes out of the
// core: it dispatches the six endpoints of S6 onto the allocator, strategy
// registry, rate limiter, and metrics aggregator, and maps error kinds to
// status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodepool/tokenbudget/internal/allocator"
	"github.com/nodepool/tokenbudget/internal/metrics"
	"github.com/nodepool/tokenbudget/internal/ratelimit"
	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

// Server wires the core components to net/http handlers.
type Server struct {
	alloc    *allocator.Allocator
	store    store.Store
	strategy *strategy.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	log      logr.Logger
}

// New constructs a Server. limiter may be nil when RATE_LIMIT_ENABLED=false.
func New(alloc *allocator.Allocator, st store.Store, reg *strategy.Registry, limiter *ratelimit.Limiter, m *metrics.Metrics, log logr.Logger) *Server {
	return &Server{alloc: alloc, store: st, strategy: reg, limiter: limiter, metrics: m, log: log}
}

// Routes returns the populated mux, ready to pass to http.Server.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/alloc", s.handleAlloc)
	mux.HandleFunc("/free", s.handleFree)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/strategy", s.handleStrategy)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/prometheus", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// clientKey extracts the rate-limit key: the X-Client-Id header when set,
// otherwise the request's source IP, falling back to the whole RemoteAddr
// if it isn't in host:port form.
func clientKey(r *http.Request) string {
	if h := r.Header.Get("X-Client-Id"); h != "" {
		return h
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type allocRequest struct {
	RequestID  string `json:"request_id"`
	TokenCount int64  `json:"token_count"`
}

type allocResponse struct {
	NodeID         int64 `json:"node_id"`
	RemainingQuota int64 `json:"remaining_quota"`
}

// handleAlloc serves POST /alloc. A repeat request_id returns the original
// reservation's body with 200, even when token_count differs from the
// original request; the repeat never changes state.
func (s *Server) handleAlloc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if s.limiter != nil && !s.limiter.Admit(clientKey(r)) {
		s.metrics.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req allocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.AllocationsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	res, err := s.alloc.Allocate(r.Context(), req.RequestID, req.TokenCount)
	switch {
	case err == nil:
		s.metrics.AllocationsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, allocResponse{NodeID: res.NodeID, RemainingQuota: res.Remaining})
	case errors.Is(err, allocator.ErrInvalid):
		s.metrics.AllocationsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid")
	case errors.Is(err, allocator.ErrOverloaded):
		s.metrics.AllocationsTotal.WithLabelValues("overloaded").Inc()
		writeError(w, http.StatusTooManyRequests, "overloaded")
	default:
		s.log.Error(err, "alloc failed", "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

type freeRequest struct {
	RequestID string `json:"request_id"`
}

type freeResponse struct {
	NodeID int64 `json:"node_id"`
}

func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req freeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	nodeID, err := s.alloc.Free(r.Context(), req.RequestID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, freeResponse{NodeID: nodeID})
	case errors.Is(err, allocator.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid")
	case errors.Is(err, allocator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.log.Error(err, "free failed", "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	snap, err := s.metrics.Aggregate(r.Context(), s.store, s.strategy)
	if err != nil {
		s.log.Error(err, "metrics aggregate failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type strategyRequest struct {
	Strategy strategy.Strategy `json:"strategy"`
}

type strategyResponse struct {
	Strategy strategy.Strategy `json:"strategy"`
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, strategyResponse{Strategy: s.strategy.Get()})
	case http.MethodPost:
		var req strategyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		if err := s.strategy.Set(req.Strategy); err != nil {
			writeError(w, http.StatusBadRequest, "invalid")
			return
		}
		s.metrics.StrategyChanges.Inc()
		writeJSON(w, http.StatusOK, strategyResponse{Strategy: s.strategy.Get()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error(err, "health check failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}
