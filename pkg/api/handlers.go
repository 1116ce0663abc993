package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openrack/metalagent/pkg/hardware"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Status())
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := s.core.Inventory(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inv)
}

// commandRequest is a command submission body.
type commandRequest struct {
	Name   string          `json:"name"`
	Params hardware.Params `json:"params,omitempty"`

	// Wait holds the response until the command is terminal, even for
	// async commands.
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    hardware.CodeInvalidStep,
			Message: "malformed command body: " + err.Error(),
		})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    hardware.CodeInvalidStep,
			Message: "command name is required",
		})
		return
	}

	submit := s.core.SubmitCommand
	if req.Wait {
		submit = s.core.WaitCommand
	}
	view, err := submit(r.Context(), req.Name, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.ListCommands())
}

func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	view, err := s.core.PollCommand(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	category := hardware.StepCategory(mux.Vars(r)["category"])
	steps, err := s.core.Steps(category)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"steps":    steps,
	})
}

// workflowRequest is a workflow submission body.
type workflowRequest struct {
	Steps []hardware.StepRequest `json:"steps"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    hardware.CodeInvalidStep,
			Message: "malformed workflow body: " + err.Error(),
		})
		return
	}

	category := hardware.StepCategory(mux.Vars(r)["category"])
	result, err := s.core.RunWorkflow(r.Context(), category, req.Steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
