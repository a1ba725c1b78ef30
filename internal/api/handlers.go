package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/execution"
	"viz-sandbox/internal/workspace"
)

type Handlers struct {
	svc *execution.Service
}

func NewHandlers(svc *execution.Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "REQUEST_TOO_LARGE", "", http.StatusRequestEntityTooLarge, r)
			return
		}
		writeError(w, "Invalid input", string(execution.KindInvalidRequest), "invalid JSON: "+err.Error(), http.StatusBadRequest, r)
		return
	}

	resp, err := h.svc.Execute(r.Context(), execution.Request{
		Code:     req.Code,
		Language: req.Language,
		Timeout:  req.Timeout.Duration,

		RequestID: RequestIDFromContext(r.Context()),
	})
	if err != nil {
		h.writeExecutionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Message: resp.Message,
		Image:   resp.Image,
		ID:      resp.ID,
	})
}

func (h *Handlers) writeExecutionError(w http.ResponseWriter, r *http.Request, err error) {
	var execErr *execution.Error
	if !errors.As(err, &execErr) {
		if execution.IsCancelled(err) {
			log.Info().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request cancelled before completion")
			writeError(w, "request cancelled", "CANCELLED", "", http.StatusServiceUnavailable, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "internal server error", string(execution.KindInternal), "", http.StatusInternalServerError, r)
		return
	}

	if execErr.Kind == execution.KindInternal || execErr.Kind == execution.KindWriteFailure {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
	}
	writeError(w, execErr.Message, string(execErr.Kind), execErr.Details, statusForKind(execErr.Kind), r)
}

func statusForKind(k execution.Kind) int {
	switch k {
	case execution.KindInvalidRequest:
		return http.StatusBadRequest
	case execution.KindTimedOut:
		return http.StatusGatewayTimeout
	case execution.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		// write, launch, runtime and no-output failures
		return http.StatusInternalServerError
	}
}

// HandleOutput serves files produced in the workspace.
func (h *Handlers) HandleOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	f, info, err := h.svc.Open(name)
	if err != nil {
		if !errors.Is(err, workspace.ErrNotFound) {
			log.Error().Err(err).Str("name", name).Msg("failed to open output")
		}
		writeError(w, "File not found", "NOT_FOUND", "", http.StatusNotFound, r)
		return
	}
	defer f.Close()

	// The ?t= token changes whenever the artifact does.
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LanguagesResponse{Languages: h.svc.Languages()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code, details string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		Details:   details,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
