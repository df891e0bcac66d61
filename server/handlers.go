// ABOUTME: HTTP handlers for flows, versions, runs, and the callback/retry boundary.
// ABOUTME: Every error returns the stable {error, code, details?} shape.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/loom/engine"
	"github.com/2389-research/loom/graph"
	"github.com/2389-research/loom/store"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the API's stable error shape.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verrs graph.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "graph validation failed",
			Code:    "validation_failed",
			Details: verrs,
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, engine.ErrConflict):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "conflict"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Flows ---

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string       `json:"name"`
		Graph *graph.Graph `json:"graph,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "malformed body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.badRequest(w, "name is required")
		return
	}

	flow, err := s.store.CreateFlow(req.Name, req.Graph)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.store.GetFlow(chi.URLParam(r, "flowId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleUpdateGraph replaces the flow's draft graph. Drafts are saved
// without validation; compilation happens on version creation or run start.
func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	var g graph.Graph
	if err := decodeBody(r, &g); err != nil {
		s.badRequest(w, "malformed graph: "+err.Error())
		return
	}

	flowID := chi.URLParam(r, "flowId")
	if err := s.store.UpdateFlowGraph(flowID, &g); err != nil {
		s.writeError(w, err)
		return
	}
	flow, err := s.store.GetFlow(flowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleCreateVersion compiles the draft graph and snapshots it as an
// immutable version. Validation errors reject the whole compile; no partial
// version is persisted.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.badRequest(w, "malformed body: "+err.Error())
			return
		}
	}

	flow, err := s.store.GetFlow(chi.URLParam(r, "flowId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if flow.Graph == nil {
		s.badRequest(w, "flow has no draft graph")
		return
	}

	eg, err := graph.Compile(flow.Graph, s.engine.Catalog())
	if err != nil {
		s.writeError(w, err)
		return
	}

	message := req.Message
	if message == "" {
		message = "manual snapshot"
	}
	version, err := s.store.CreateVersion(flow.ID, flow.Graph, eg, message, graph.Fingerprint(flow.Graph))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// --- Runs ---

// startRunResponse is the wire shape for a freshly started run. Clients key
// off runId and versionId; the full run detail rides along for convenience.
type startRunResponse struct {
	RunID     string     `json:"runId"`
	VersionID string     `json:"versionId"`
	Run       *store.Run `json:"run"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]any `json:"input,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.badRequest(w, "malformed body: "+err.Error())
			return
		}
	}

	run, err := s.engine.StartRun(r.Context(), chi.URLParam(r, "flowId"), req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startRunResponse{
		RunID:     run.ID,
		VersionID: run.FlowVersionID,
		Run:       run,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "runId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Callback boundary ---

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb engine.Callback
	if err := decodeBody(r, &cb); err != nil {
		s.badRequest(w, "malformed callback: "+err.Error())
		return
	}

	run, err := s.engine.HandleCallback(r.Context(),
		chi.URLParam(r, "runId"), chi.URLParam(r, "nodeId"), cb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]any `json:"input"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "malformed body: "+err.Error())
		return
	}

	run, err := s.engine.CompleteGate(r.Context(),
		chi.URLParam(r, "runId"), chi.URLParam(r, "nodeId"), req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Retry(r.Context(),
		chi.URLParam(r, "runId"), chi.URLParam(r, "nodeId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
