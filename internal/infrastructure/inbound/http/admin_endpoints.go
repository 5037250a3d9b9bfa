package http

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/registry"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

// endpointView is the admin representation of a registered endpoint.
type endpointView struct {
	*endpoint.Endpoint
	Rule       endpoint.RuleKind `json:"rule"`
	Order      int               `json:"order"`
	SourceFile string            `json:"source_file,omitempty"`
}

func (s *Server) view(e *registry.Entry, order int) endpointView {
	v := endpointView{
		Endpoint: e.Endpoint,
		Rule:     e.Compiled.Rule.Kind,
		Order:    order,
	}
	if src := e.Endpoint.SourceFile; src != "" {
		v.SourceFile = src
		if s.svc.RootDir != "" {
			if rel, err := filepath.Rel(s.svc.RootDir, src); err == nil {
				v.SourceFile = rel
			}
		}
	}
	return v
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	tag := r.URL.Query().Get("tag")
	method := strings.ToUpper(r.URL.Query().Get("method"))

	views := make([]endpointView, 0)
	for i, e := range s.svc.Endpoints.List() {
		def := e.Endpoint
		if tag != "" && !def.HasTag(tag) {
			continue
		}
		if method != "" && def.MethodKey() != method {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(def.ID), q) &&
			!strings.Contains(strings.ToLower(def.Name), q) &&
			!strings.Contains(strings.ToLower(def.Path), q) {
			continue
		}
		views = append(views, s.view(e, i))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Endpoints.Get(chi.URLParam(r, "endpointID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(e, s.order(e.Endpoint.ID)))
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	def, err := decodeEndpoint(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	e, err := s.svc.Endpoints.Create(r.Context(), def)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(e, s.order(e.Endpoint.ID)))
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	def, err := decodeEndpoint(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	e, err := s.svc.Endpoints.Update(r.Context(), chi.URLParam(r, "endpointID"), def)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(e, s.order(e.Endpoint.ID)))
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Endpoints.Remove(r.Context(), chi.URLParam(r, "endpointID")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.svc.Endpoints.SetEnabled(r.Context(), chi.URLParam(r, "endpointID"), enabled)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(e, s.order(e.Endpoint.ID)))
	}
}

func (s *Server) handleResetSequences(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Endpoints.ResetSequences(chi.URLParam(r, "endpointID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "endpoints": n})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Endpoints.Load(r.Context()); err != nil {
		s.svc.Logger.Error("reload failed", "error", err)
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"endpoints": len(s.svc.Endpoints.List()),
	})
}

// order returns the registry position of id, or -1.
func (s *Server) order(id string) int {
	for i, e := range s.svc.Endpoints.List() {
		if e.Endpoint.ID == id {
			return i
		}
	}
	return -1
}

// decodeEndpoint reads a JSON or YAML endpoint definition. Decoding problems
// are reported as validation errors.
func decodeEndpoint(r *http.Request) (*endpoint.Endpoint, error) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	e := &endpoint.Endpoint{}
	if isYAML(r.Header.Get("Content-Type")) {
		err = yaml.Unmarshal(body, e)
	} else {
		err = json.Unmarshal(body, e)
	}
	if err != nil {
		c := validation.NewCollector("endpoint")
		c.Addf("body", "malformed definition: %v", err)
		return nil, c.Err()
	}
	return e, nil
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mt, "yaml") || strings.HasSuffix(mt, "yml")
}
