// Package api exposes the agent over HTTP: command submission and
// polling, step catalogs, workflows, inventory, status and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/agent"
	"github.com/openrack/metalagent/pkg/config"
	"github.com/openrack/metalagent/pkg/hardware"
)

// Server is the agent's REST surface.
type Server struct {
	core   *agent.Core
	cfg    config.APIConfig
	logger zerolog.Logger
	http   *http.Server
}

// NewServer builds the server and its routes.
func NewServer(core *agent.Core, cfg config.APIConfig, logger zerolog.Logger) *Server {
	s := &Server{
		core:   core,
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if m := core.Metrics(); m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/inventory", s.handleInventory).Methods(http.MethodGet)
	v1.HandleFunc("/commands", s.handleSubmitCommand).Methods(http.MethodPost)
	v1.HandleFunc("/commands", s.handleListCommands).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{id}", s.handlePollCommand).Methods(http.MethodGet)
	v1.HandleFunc("/steps/{category}", s.handleSteps).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{category}", s.handleRunWorkflow).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return s
}

// Handler returns the router, used by tests and the socket channel.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("address", s.cfg.ListenAddress).Msg("API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForCode maps agent error codes onto HTTP statuses. The mapping
// is part of the controller contract.
func statusForCode(code string) int {
	switch code {
	case hardware.CodeAgentBusy, hardware.CodeVersionMismatch:
		return http.StatusConflict
	case hardware.CodeNotFound, hardware.CodeOperationNotFound:
		return http.StatusNotFound
	case hardware.CodeInvalidStep:
		return http.StatusBadRequest
	case hardware.CodePolicyDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var agentErr *hardware.AgentError
	if !errors.As(err, &agentErr) {
		agentErr = hardware.NewError(hardware.CodeProviderFailed, err.Error(), nil)
	}

	status := statusForCode(agentErr.Code)
	s.logger.Debug().
		Str("code", agentErr.Code).
		Int("status", status).
		Msg("Request failed")
	s.writeJSON(w, status, errorBody{Code: agentErr.Code, Message: agentErr.Message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response body")
	}
}
