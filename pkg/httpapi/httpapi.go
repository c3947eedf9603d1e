// Package httpapi exposes the runtime over HTTP: the per-bridge webhook
// endpoint, health, and dead letter administration.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/deadletter"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/runtime"
	"github.com/beeper/bridgekit/pkg/store"
)

// MaxWebhookBody bounds webhook payload size.
const MaxWebhookBody = 1 << 20

// Server serves the runtime API.
type Server struct {
	inst    *runtime.Instance
	log     zerolog.Logger
	metrics http.Handler
}

// New builds a Server. metrics may be nil.
func New(inst *runtime.Instance, log zerolog.Logger, metrics http.Handler) *Server {
	return &Server{inst: inst, log: log, metrics: metrics}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/{bridgeID}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Get("/{id}", s.handleGetDeadLetter)
		r.Post("/{id}/replay", s.handleReplayDeadLetter)
		r.Post("/{id}/archive", s.handleArchiveDeadLetter)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	bridgeID := chi.URLParam(r, "bridgeID")
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "reason": "body_read_failed"})
		return
	}
	meta := adapter.RequestMeta{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
	}
	response, result := s.inst.RouteWebhook(r.Context(), bridgeID, meta)
	s.log.Debug().
		Str("bridge_id", bridgeID).
		Str("kind", result.Kind).
		Int("status", response.Status).
		Msg("webhook routed")
	contentType := response.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(response.Status)
	_, _ = w.Write(response.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inst.Health())
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := store.DeadLetterFilter{
		Status:   model.DeadLetterStatus(r.URL.Query().Get("status")),
		BridgeID: r.URL.Query().Get("bridge_id"),
	}
	records, err := s.inst.ListDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": records})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	record, err := s.inst.GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	outcome, err := s.inst.ReplayDeadLetter(r.Context(), chi.URLParam(r, "id"), deadletter.ReplayOptions{Force: force})
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{"status": string(outcome.Status)}
	if outcome.Response != nil {
		payload["response"] = outcome.Response
	}
	if outcome.Err != nil {
		payload["error"] = outcome.Err.Reason
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleArchiveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.inst.ArchiveDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "archived"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalid):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
