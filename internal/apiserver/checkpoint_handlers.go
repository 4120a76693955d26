package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/interfaces"
)

// createCheckpoint captures a new workspace checkpoint
func (s *APIServer) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	cp, err := s.checkpoints.Create(r.Context(), req.Description, req.Tags)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, cp)
}

// listCheckpoints returns checkpoints newest first, honoring ?limit=
func (s *APIServer) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	checkpoints, err := s.checkpoints.List(limit)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
	})
}

// getCheckpoint returns one checkpoint's metadata and manifest
func (s *APIServer) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.checkpoints.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cp)
}

// deleteCheckpoint removes a checkpoint's storage and manifest
func (s *APIServer) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.checkpoints.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// restoreCheckpoint restores workspace files from a checkpoint
func (s *APIServer) restoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	opts, err := s.converter.ToRestoreOptions(req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.checkpoints.Restore(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		// A partial-failure restore still carries a result worth
		// returning alongside the error classification.
		if result != nil {
			WriteJSON(w, http.StatusConflict, result)
			return
		}
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// compareCheckpoint diffs a checkpoint against the live workspace, or
// against a second checkpoint when ?against= names one
func (s *APIServer) compareCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var result *interfaces.CompareResult
	var err error
	if against := r.URL.Query().Get("against"); against != "" {
		if vErr := validateID(against); vErr != nil {
			WriteError(w, http.StatusBadRequest, "invalid_id", vErr.Error())
			return
		}
		result, err = s.checkpoints.CompareCheckpoints(r.Context(), id, against)
	} else {
		result, err = s.checkpoints.Compare(r.Context(), id)
	}
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// validateCheckpoint checks a checkpoint's integrity
func (s *APIServer) validateCheckpoint(w http.ResponseWriter, r *http.Request) {
	report, err := s.checkpoints.Validate(chi.URLParam(r, "id"))
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// cleanupCheckpoints applies a retention policy
func (s *APIServer) cleanupCheckpoints(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	policy, err := s.converter.ToCleanupPolicy(req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.checkpoints.Cleanup(r.Context(), policy)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// writeCheckpointError maps checkpoint errors to HTTP responses
func (s *APIServer) writeCheckpointError(w http.ResponseWriter, err error) {
	if cpErr, ok := checkpoint.IsCheckpointError(err); ok {
		WriteError(w, cpErr.HTTPStatus, cpErr.Code, cpErr.Message)
		return
	}
	if intErr, ok := checkpoint.IsIntegrityError(err); ok {
		WriteError(w, http.StatusConflict, "integrity_error", intErr.Error())
		return
	}
	var ioErr *checkpoint.IOError
	if errors.As(err, &ioErr) {
		WriteError(w, http.StatusInternalServerError, "io_error", ioErr.Error())
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
