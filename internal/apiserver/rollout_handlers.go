package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/orchestrator"
)

// startRollout begins a new rollout with a pre-rollout checkpoint
func (s *APIServer) startRollout(w http.ResponseWriter, r *http.Request) {
	var req StartRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	startReq, err := s.converter.ToStartRequest(req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	d, err := s.orchestrator.StartRollout(r.Context(), startReq)
	if err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

// listRollouts returns deployments newest first, honoring ?limit=
func (s *APIServer) listRollouts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": s.orchestrator.List(limit),
	})
}

// getRollout returns one deployment
func (s *APIServer) getRollout(w http.ResponseWriter, r *http.Request) {
	d, err := s.orchestrator.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// promoteRollout shifts a deployment to full traffic
func (s *APIServer) promoteRollout(w http.ResponseWriter, r *http.Request) {
	d, err := s.orchestrator.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// abortRollout runs a manual abort through the trigger engine so the
// rollback is recorded as a manual trigger
func (s *APIServer) abortRollout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AbortRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	if s.triggers != nil {
		if err := s.triggers.ManualAbort(r.Context(), id, req.Reason); err != nil {
			s.writeRolloutError(w, err)
			return
		}
	} else {
		if err := s.orchestrator.Abort(r.Context(), id, req.Reason); err != nil {
			s.writeRolloutError(w, err)
			return
		}
	}

	d, err := s.orchestrator.Get(id)
	if err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// recordMetric is the telemetry ingestion endpoint
func (s *APIServer) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req RecordMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.converter.Validate(req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.orchestrator.RecordMetric(r.Context(), id, interfaces.MetricKind(req.Kind), req.Value); err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// getMetricHistory returns recent metric points for a deployment
func (s *APIServer) getMetricHistory(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		WriteError(w, http.StatusNotFound, "not_found", "metrics sink not configured")
		return
	}

	id := chi.URLParam(r, "id")
	kind := interfaces.MetricKind(r.URL.Query().Get("kind"))

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
			return
		}
		since = t
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deployment_id": id,
		"points":        s.sink.Points(id, kind, since),
	})
}

// getDeploymentHealth returns the aggregate probe health for a deployment
func (s *APIServer) getDeploymentHealth(w http.ResponseWriter, r *http.Request) {
	if s.probes == nil {
		WriteError(w, http.StatusNotFound, "not_found", "probe monitor not configured")
		return
	}
	WriteJSON(w, http.StatusOK, s.probes.DeploymentHealth(chi.URLParam(r, "id")))
}

// getTriggerStatus returns all triggers for a deployment
func (s *APIServer) getTriggerStatus(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		WriteError(w, http.StatusNotFound, "not_found", "trigger engine not configured")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"triggers": s.triggers.Status(chi.URLParam(r, "id")),
	})
}

// getCanary returns the canary state for a deployment
func (s *APIServer) getCanary(w http.ResponseWriter, r *http.Request) {
	cn, err := s.orchestrator.GetCanary(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cn)
}

// evaluateCanary checks the advancement gates and advances or rolls back
func (s *APIServer) evaluateCanary(w http.ResponseWriter, r *http.Request) {
	cn, err := s.orchestrator.EvaluateCanary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRolloutError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cn)
}

// listAlerts returns alerts for a deployment
func (s *APIServer) listAlerts(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		WriteError(w, http.StatusNotFound, "not_found", "metrics sink not configured")
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.sink.Alerts(chi.URLParam(r, "id"), includeResolved),
	})
}

// raiseAlert records a new alert for a deployment
func (s *APIServer) raiseAlert(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		WriteError(w, http.StatusNotFound, "not_found", "metrics sink not configured")
		return
	}

	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.converter.Validate(req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	alert, err := s.sink.RaiseAlert(chi.URLParam(r, "id"), interfaces.AlertSeverity(req.Severity), req.Message)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, alert)
}

// acknowledgeAlert marks an alert as seen
func (s *APIServer) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		WriteError(w, http.StatusNotFound, "not_found", "metrics sink not configured")
		return
	}
	if err := s.sink.Acknowledge(chi.URLParam(r, "id")); err != nil {
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// resolveAlert closes an alert
func (s *APIServer) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		WriteError(w, http.StatusNotFound, "not_found", "metrics sink not configured")
		return
	}
	if err := s.sink.Resolve(chi.URLParam(r, "id")); err != nil {
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// getAuditTrail returns recent audit events
func (s *APIServer) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		WriteError(w, http.StatusNotFound, "not_found", "audit bus not configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.audit.Recent(limit),
	})
}

// writeRolloutError maps orchestrator errors to HTTP responses
func (s *APIServer) writeRolloutError(w http.ResponseWriter, err error) {
	if rErr, ok := orchestrator.IsRolloutError(err); ok {
		WriteError(w, rErr.HTTPStatus, rErr.Code, rErr.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
