package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/engine"
	"github.com/gyaneshwarpardhi/sessionsync/internal/metrics"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
)

const maxBatchSize = 100

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng *engine.Engine
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine) http.Handler {
	h := &Handler{eng: eng, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.logEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.logBatch)
	h.mux.HandleFunc("PUT /v1/user-properties", h.setUserProperties)
	h.mux.HandleFunc("PUT /v1/credential", h.setCredential)
	h.mux.HandleFunc("DELETE /v1/credential", h.logout)
	h.mux.HandleFunc("POST /v1/sync", h.sync)
	h.mux.HandleFunc("POST /v1/lifecycle/{state}", h.lifecycle)
	h.mux.HandleFunc("GET /v1/sessions/pending", h.pending)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

type eventRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// POST /v1/events: records one event and waits until it is on disk.
func (h *Handler) logEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "event name is required")
		return
	}

	ev, err := h.eng.LogEventSync(r.Context(), req.Name, req.Params)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"event":      ev,
			"session_id": h.eng.ActiveSessionID(),
		})
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case ev.Name == "":
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// POST /v1/events/batch: async batch ingestion (up to 100 events).
func (h *Handler) logBatch(w http.ResponseWriter, r *http.Request) {
	var events []eventRequest
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	queued := 0
	for _, ev := range events {
		if h.eng.LogEvent(ev.Name, ev.Params) {
			queued++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":    len(events),
		"queued":   queued,
		"rejected": len(events) - queued,
	})
}

// PUT /v1/user-properties: null values remove a property.
func (h *Handler) setUserProperties(w http.ResponseWriter, r *http.Request) {
	var props map[string]any
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	for k, v := range props {
		if err := h.eng.SetUserProperty(r.Context(), k, v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("property %q: %s", k, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(props)})
}

type credentialRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// PUT /v1/credential: login. Expiry is read from the token when it is a JWT.
func (h *Handler) setCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	c := credential.FromToken(req.Token)
	if req.UserID != "" {
		c.UserID = req.UserID
	}
	c.Email = req.Email
	if !c.Usable(time.Now()) {
		writeError(w, http.StatusBadRequest, "token is already expired")
		return
	}
	if err := h.eng.SetCredential(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    c.UserID,
		"expires_at": c.ExpiresAt,
	})
}

// DELETE /v1/credential: logout.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/sync: starts a pass; ?wait=true runs it inline and returns the result.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]bool{"started": h.eng.TriggerSync()})
		return
	}
	res := h.eng.Sync(r.Context())
	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/lifecycle/{state}: foreground or background.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request) {
	switch state := r.PathValue("state"); state {
	case engine.StateForeground:
		h.eng.AppForegrounded()
	case engine.StateBackground:
		if err := h.eng.AppBackgrounded(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown app state %q", state))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/sessions/pending
func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":           n,
		"active_session_id": h.eng.ActiveSessionID(),
	})
}

// GET /healthz: always 200 (liveness check).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the session write queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
