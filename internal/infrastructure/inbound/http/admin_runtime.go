package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Config.Get())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var p runtimeconfig.Patch
	if err := decodeJSON(r, &p); err != nil {
		s.writeDomainError(w, err)
		return
	}
	cfg, err := s.svc.Config.Update(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleReplaceConfig(w http.ResponseWriter, r *http.Request) {
	cfg := runtimeconfig.Default()
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeDomainError(w, err)
		return
	}
	next, err := s.svc.Config.Replace(r.Context(), cfg)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	tasks := s.svc.Actors.List(actor.Filter{
		State:      actor.State(r.URL.Query().Get("state")),
		EndpointID: r.URL.Query().Get("endpoint"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.svc.Actors.Pending(),
		"tasks":   tasks,
	})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Actors.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// decodeJSON decodes a JSON body and rejects unknown fields.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		c := validation.NewCollector("request")
		c.Addf("body", "%v", err)
		return c.Err()
	}
	return nil
}
