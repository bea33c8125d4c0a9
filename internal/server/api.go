package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"foreman/internal/controller"
	"foreman/internal/model"
	"foreman/internal/planner"
	"foreman/internal/serviceapi"
	"foreman/internal/store"
)

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(CORS)
	router.Use(RequestID)
	router.Use(Logger(r.logger))
	router.Use(Recovery(r.logger))
	router.NotFound(r.handleNotFound)

	router.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", r.handleHealth)
		api.Post("/plan", r.handlePlan)
		api.Get("/stuck", r.handleStuck)
		api.Get("/events/stream", r.handleEventStream)
		api.Route("/sessions", func(sessions chi.Router) {
			sessions.Get("/", r.handleListSessions)
			sessions.Post("/", r.handleStartSession)
			sessions.Get("/{id}", r.handleSessionStatus)
			sessions.Get("/{id}/stuck", r.handleStuck)
			sessions.Post("/{id}/pause", r.handleSessionControl(serviceapi.Core.Pause))
			sessions.Post("/{id}/resume", r.handleSessionControl(serviceapi.Core.Resume))
			sessions.Post("/{id}/stop", r.handleSessionControl(serviceapi.Core.Stop))
			sessions.Post("/{id}/unblock", r.handleUnblock)
		})
	})
	return router
}

type planRequest struct {
	Pattern string `json:"pattern"`
}

func (r *Runtime) handlePlan(w http.ResponseWriter, req *http.Request) {
	var body planRequest
	if err := decodeJSON(req, &body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	plan, err := r.service.Plan(req.Context(), body.Pattern)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.service.Sessions(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	var body serviceapi.StartOptions
	if err := decodeJSON(req, &body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(body.Pattern) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_pattern", "pattern is required")
		return
	}
	// The session outlives the request.
	ctx, cancel := contextWithTimeout(context.WithoutCancel(req.Context()), r.opts.RequestTimeout)
	defer cancel()
	sessionID, err := r.service.Start(ctx, body)
	if err != nil {
		if sessionID != "" {
			err = fmt.Errorf("session %s: %w", sessionID, err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID})
}

func (r *Runtime) handleSessionStatus(w http.ResponseWriter, req *http.Request) {
	report, err := r.service.Status(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": report})
}

func (r *Runtime) handleSessionControl(action func(serviceapi.Core, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "id")
		if err := action(r.service, req.Context(), sessionID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "ok": true})
	}
}

type unblockRequest struct {
	Action string `json:"action"`
}

func (r *Runtime) handleUnblock(w http.ResponseWriter, req *http.Request) {
	var body unblockRequest
	if err := decodeJSON(req, &body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	action, err := model.ParseUnblockAction(body.Action)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	sessionID := chi.URLParam(req, "id")
	if err := r.service.Unblock(req.Context(), sessionID, action); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "ok": true})
}

// handleStuck lists open detections of one session, or of every session when
// the route has no ID.
func (r *Runtime) handleStuck(w http.ResponseWriter, req *http.Request) {
	detections, err := r.service.StuckAgents(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if detections == nil {
		detections = []model.StuckAgentDetection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": detections})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, controller.ErrSessionTerminal):
		writeAPIError(w, http.StatusConflict, "session_terminal", err.Error())
	case errors.Is(err, controller.ErrNothingBlocked):
		writeAPIError(w, http.StatusConflict, "nothing_blocked", err.Error())
	case errors.Is(err, controller.ErrIllegalTransition):
		writeAPIError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, planner.ErrCyclicDependency):
		writeAPIError(w, http.StatusUnprocessableEntity, "cyclic_dependency", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
