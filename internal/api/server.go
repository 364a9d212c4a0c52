// Package api exposes the gateway over REST/JSON: the invocation
// endpoint plus the admin surfaces for agents, tokens, policies,
// credentials, chaos, and audit chains.
package api

import (
	"crypto/rsa"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/gateway/internal/audit"
	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/orchestrator"
	"github.com/agentgate/gateway/internal/repository"
	"github.com/agentgate/gateway/internal/token"
	"github.com/agentgate/gateway/internal/vault"
)

// Server wires the HTTP surface to the gateway services.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	tokens     *token.Service
	vault      *vault.Vault
	injector   *chaos.Injector
	store      repository.Store
	auditor    *audit.Recorder
	metrics    *metrics.Metrics
	gatewayKey *rsa.PrivateKey // decrypts RSA-wrapped token payloads; nil when unconfigured
	logger     *log.Logger
}

// NewServer assembles the API server.
func NewServer(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	tokens *token.Service,
	credVault *vault.Vault,
	injector *chaos.Injector,
	store repository.Store,
	auditor *audit.Recorder,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		tokens:   tokens,
		vault:    credVault,
		injector: injector,
		store:    store,
		auditor:  auditor,
		metrics:  m,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if cfg.GatewayPrivateKeyPEM != "" {
		key, err := cryptoutil.ParsePrivateKeyPEM(cfg.GatewayPrivateKeyPEM)
		if err != nil {
			s.logger.Printf("GATEWAY_PRIVATE_KEY is unparseable, RSA-wrapped tokens disabled: %v", err)
		} else {
			s.gatewayKey = key
		}
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.accessLogMiddleware)

	// Request pipeline
	r.HandleFunc("/v1/invoke", s.handleInvoke).Methods("POST")

	// Agent lifecycle
	r.HandleFunc("/v1/agents", s.handleCreateAgent).Methods("POST")
	r.HandleFunc("/v1/agents", s.handleListAgents).Methods("GET")
	r.HandleFunc("/v1/agents/{id}", s.handleGetAgent).Methods("GET")
	r.HandleFunc("/v1/agents/{id}/status", s.handleAgentStatus).Methods("PUT")

	// Token lifecycle
	r.HandleFunc("/v1/tokens", s.handleIssueToken).Methods("POST")
	r.HandleFunc("/v1/tokens", s.handleListTokens).Methods("GET")
	r.HandleFunc("/v1/tokens/{id}", s.handleRevokeToken).Methods("DELETE")

	// Policy CRUD
	r.HandleFunc("/v1/policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/v1/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/v1/policies/{id}", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/v1/policies/{id}", s.handleUpdatePolicy).Methods("PUT")
	r.HandleFunc("/v1/policies/{id}", s.handleDeletePolicy).Methods("DELETE")

	// Credential vault
	r.HandleFunc("/v1/credentials", s.handleCreateCredential).Methods("POST")
	r.HandleFunc("/v1/credentials", s.handleListCredentials).Methods("GET")
	r.HandleFunc("/v1/credentials/{id}/activate", s.handleActivateCredential).Methods("POST")
	r.HandleFunc("/v1/credentials/{id}", s.handleDeleteCredential).Methods("DELETE")

	// Chaos admin (refused in production by the injector)
	r.HandleFunc("/v1/chaos", s.handleSetChaos).Methods("PUT")
	r.HandleFunc("/v1/chaos", s.handleListChaos).Methods("GET")
	r.HandleFunc("/v1/chaos/{tool}", s.handleClearChaos).Methods("DELETE")

	// Audit chains
	r.HandleFunc("/v1/audit/{agent_id}", s.handleListAudit).Methods("GET")
	r.HandleFunc("/v1/audit/{agent_id}/verify", s.handleVerifyAudit).Methods("GET")

	// Operational
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")

	return r
}

// HTTPServer returns a configured http.Server ready to listen.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-Intent, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(started).Round(time.Millisecond))
	})
}

// ============================================================================
// JSON HELPERS
// ============================================================================

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError maps a typed error onto its wire status and body shape.
func respondError(w http.ResponseWriter, err error) {
	gerr := gateway.AsError(err)
	body := map[string]interface{}{"error": gerr.Message}
	if gerr.Reason != "" {
		body["reason"] = gerr.Reason
	}
	if gerr.Details != nil {
		body["details"] = gerr.Details
	}
	if gerr.RetryAfter > 0 {
		body["retry_after"] = gerr.RetryAfter
	}
	respondJSON(w, gerr.Kind.StatusCode(), body)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gateway.E(gateway.KindBadRequest, "request body is not valid JSON")
	}
	return nil
}
