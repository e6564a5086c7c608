package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/loom"
)

// server wires the engine and pilot desk behind the HTTP surface.
type server struct {
	engine *loom.Engine
	desk   *loom.Desk
	log    zerolog.Logger
}

func (s *server) routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/workflow/instantiate", s.handleInstantiate).Methods(http.MethodPost)
	r.HandleFunc("/workflow/checkout", s.handleCheckout).Methods(http.MethodPost)
	r.HandleFunc("/workflow/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/workflow/failure", s.handleFailure).Methods(http.MethodPost)
	r.HandleFunc("/workflow/uow/{uow_id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/workflow/memory", s.handleGetMemory).Methods(http.MethodGet)
	r.HandleFunc("/workflow/instance/{instance_id}/roles", s.handleInstanceRoles).Methods(http.MethodGet)

	r.HandleFunc("/admin/run-zombie-protocol", s.handleZombieProtocol).Methods(http.MethodPost)
	r.HandleFunc("/admin/run-memory-decay", s.handleMemoryDecay).Methods(http.MethodPost)
	r.HandleFunc("/admin/mark-toxic", s.handleMarkToxic).Methods(http.MethodPost)

	pilot := r.PathPrefix("/pilot").Subrouter()
	pilot.Use(s.requirePilot)
	pilot.HandleFunc("/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	pilot.HandleFunc("/clarification", s.handleClarification).Methods(http.MethodPost)
	pilot.HandleFunc("/waive-violation", s.handleWaive).Methods(http.MethodPost)
	pilot.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	pilot.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
}

// requirePilot gates the pilot subrouter on the X-Pilot-ID header.
func (s *server) requirePilot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Pilot-ID") == "" {
			s.writeError(w, http.StatusForbidden, "NOT_AUTHORIZED", "X-Pilot-ID header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID     string         `json:"template_id"`
		InitialContext map[string]any `json:"initial_context"`
		Name           string         `json:"name"`
		Description    string         `json:"description"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "template_id is required")
		return
	}
	instanceID, err := s.engine.InstantiateWorkflow(r.Context(), req.TemplateID, req.InitialContext, req.Name, req.Description)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"instance_id": instanceID})
}

func (s *server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		RoleID  string `json:"role_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ActorID == "" || req.RoleID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "actor_id and role_id are required")
		return
	}
	item, err := s.engine.CheckoutWork(r.Context(), req.ActorID, req.RoleID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID     string         `json:"uow_id"`
		ActorID   string         `json:"actor_id"`
		Results   map[string]any `json:"result_attributes"`
		Reasoning string         `json:"reasoning"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.UOWID == "" || req.ActorID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "uow_id and actor_id are required")
		return
	}
	if err := s.engine.SubmitWork(r.Context(), req.UOWID, req.ActorID, req.Results, req.Reasoning); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID     string `json:"uow_id"`
		ActorID   string `json:"actor_id"`
		ErrorCode string `json:"error_code"`
		Details   string `json:"details"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.UOWID == "" || req.ActorID == "" || req.ErrorCode == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "uow_id, actor_id and error_code are required")
		return
	}
	if err := s.engine.ReportFailure(r.Context(), req.UOWID, req.ActorID, req.ErrorCode, req.Details); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	uowID := mux.Vars(r)["uow_id"]
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ActorID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "actor_id is required")
		return
	}
	if err := s.engine.Heartbeat(r.Context(), uowID, req.ActorID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := q.Get("instance_id")
	roleID := q.Get("role_id")
	actorID := q.Get("actor_id")
	if instanceID == "" || roleID == "" || actorID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "instance_id, role_id and actor_id are required")
		return
	}
	records, err := s.engine.GetMemory(r.Context(), instanceID, roleID, actorID, q.Get("query"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *server) handleInstanceRoles(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instance_id"]
	roles, err := s.engine.Store().RolesForInstance(r.Context(), instanceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		out = append(out, map[string]any{
			"id":   role.ID,
			"name": role.Name,
			"type": string(role.Type),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (s *server) handleZombieProtocol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds int `json:"timeout_s"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.engine.RunZombieProtocol(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
}

func (s *server) handleMemoryDecay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.engine.RunMemoryDecay(r.Context(), time.Duration(req.RetentionDays)*24*time.Hour)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decayed": n})
}

func (s *server) handleMarkToxic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemoryID string `json:"memory_id"`
		Reason   string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.MemoryID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "memory_id is required")
		return
	}
	if err := s.engine.MarkMemoryToxic(r.Context(), req.MemoryID, r.Header.Get("X-Pilot-ID"), req.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
		Reason     string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.InstanceID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "instance_id is required")
		return
	}
	paused, err := s.engine.KillSwitch(r.Context(), req.InstanceID, r.Header.Get("X-Pilot-ID"), req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

func (s *server) handleClarification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID         string `json:"uow_id"`
		Clarification string `json:"clarification"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SubmitClarification(r.Context(), req.UOWID, r.Header.Get("X-Pilot-ID"), req.Clarification); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleWaive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID         string `json:"uow_id"`
		Rule          string `json:"rule"`
		Justification string `json:"justification"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	pilotID := r.Header.Get("X-Pilot-ID")
	if err := s.engine.WaiveViolation(r.Context(), req.UOWID, pilotID, req.Rule, req.Justification); err != nil {
		s.writeEngineError(w, err)
		return
	}
	// Also answer a live approval wait when one is parked on this UOW.
	s.desk.Decide(req.UOWID, loom.PilotDecision{
		Approved: true,
		Waived:   true,
		PilotID:  pilotID,
		Reason:   req.Justification,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID string `json:"uow_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	pilotID := r.Header.Get("X-Pilot-ID")
	if s.desk.Decide(req.UOWID, loom.PilotDecision{Approved: true, PilotID: pilotID}) {
		s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		return
	}
	if err := s.engine.ResumeUOW(r.Context(), req.UOWID, pilotID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UOWID string `json:"uow_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	pilotID := r.Header.Get("X-Pilot-ID")
	if s.desk.Decide(req.UOWID, loom.PilotDecision{Approved: false, PilotID: pilotID}) {
		s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		return
	}
	if err := s.engine.CancelUOW(r.Context(), req.UOWID, pilotID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_SPEC", "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{"error": code, "message": message})
}

// writeEngineError maps engine error codes to HTTP status.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	code := loom.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case code == loom.CodeNotFound || code == loom.CodeTemplateNotFound:
		status = http.StatusNotFound
	case code == loom.CodeInvalidSpec || code == loom.CodeInvalidBlueprint:
		status = http.StatusBadRequest
	case code == loom.CodeNotAuthorized || code == loom.CodeGuardUnauthorized:
		status = http.StatusForbidden
	case code == loom.CodeNotLocked:
		status = http.StatusConflict
	case code == loom.CodePilotApproval:
		status = http.StatusAccepted
	case errors.Is(err, loom.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeError(w, status, code, err.Error())
}

// requestLogger logs one line per request in zerolog's structured style.
func requestLogger(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
