package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/stats"
	"github.com/sophialabs/simulacra/internal/domain/trace"
	"github.com/sophialabs/simulacra/internal/domain/validation"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
	"github.com/sophialabs/simulacra/internal/infrastructure/usecases"
)

const maxBodySize = 10 << 20 // 10 MB

// AdminPrefix is the path under which the administrative surface lives.
// Everything else is dispatched to the endpoint registry.
const AdminPrefix = "/__admin"

// ActorQuery exposes the actor engine's task state.
type ActorQuery interface {
	List(f actor.Filter) []actor.Task
	Get(id string) (actor.Task, error)
	Pending() int
}

// Services groups what the server needs.
type Services struct {
	Dispatch  *usecases.DispatchUseCase
	Endpoints *usecases.EndpointsUseCase
	Config    *usecases.ConfigUseCase
	Log       *trace.Log
	Stats     *stats.Aggregator
	Actors    ActorQuery
	Logger    ports.Logger
	// RootDir, when set, is stripped from endpoint source paths in responses.
	RootDir string
}

// Server is the HTTP front door: the admin API plus the catch-all dispatch.
type Server struct {
	svc    Services
	router *chi.Mux
}

// NewServer creates a Server and builds its router.
func NewServer(svc Services) *Server {
	s := &Server{svc: svc}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Use(middleware.RequestID)

		r.Get("/health", s.handleHealth)

		r.Get("/endpoints", s.handleListEndpoints)
		r.Post("/endpoints", s.handleCreateEndpoint)
		r.Get("/endpoints/{endpointID}", s.handleGetEndpoint)
		r.Put("/endpoints/{endpointID}", s.handleUpdateEndpoint)
		r.Delete("/endpoints/{endpointID}", s.handleDeleteEndpoint)
		r.Post("/endpoints/{endpointID}/enable", s.handleSetEnabled(true))
		r.Post("/endpoints/{endpointID}/disable", s.handleSetEnabled(false))
		r.Post("/endpoints/{endpointID}/sequences/reset", s.handleResetSequences)
		r.Post("/sequences/reset", s.handleResetSequences)
		r.Post("/reload", s.handleReload)

		r.Get("/config", s.handleGetConfig)
		r.Patch("/config", s.handlePatchConfig)
		r.Put("/config", s.handleReplaceConfig)

		r.Get("/traffic", s.handleTraffic)
		r.Delete("/traffic", s.handleClearTraffic)
		r.Get("/traffic/stream", s.handleTrafficStream)
		r.Get("/unhandled", s.handleUnhandled)

		r.Get("/stats", s.handleStats)
		r.Delete("/stats", s.handleResetStats)
		r.Post("/stats/rebuild", s.handleRebuildStats)

		r.Get("/actors", s.handleListActors)
		r.Get("/actors/{taskID}", s.handleGetActor)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not_found", "unknown admin route "+r.URL.Path)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
		})
	})

	r.NotFound(s.dispatchHandler)
	r.MethodNotAllowed(s.dispatchHandler)
	r.HandleFunc("/*", s.dispatchHandler)

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	// Canonicalize header keys for consistent matching.
	headers := make(map[string]string, len(r.Header))
	var repeated map[string][]string
	for k, v := range r.Header {
		key := http.CanonicalHeaderKey(k)
		headers[key] = r.Header.Get(k)
		if len(v) > 1 {
			if repeated == nil {
				repeated = make(map[string][]string)
			}
			repeated[key] = v
		}
	}
	req := &usecases.DispatchRequest{
		Method:       r.Method,
		Path:         r.URL.Path,
		RawQuery:     r.URL.RawQuery,
		Headers:      headers,
		Query:        extractQueryParams(r),
		RemoteAddr:   clientIP(r.RemoteAddr),
		HeaderValues: repeated,
	}

	var res usecases.DispatchResult
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		res = s.svc.Dispatch.Reject(req, http.StatusRequestEntityTooLarge, "body_too_large",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case err != nil:
		res = s.svc.Dispatch.Reject(req, http.StatusBadRequest, "bad_request", "failed to read request body")
	default:
		req.Body = body
		res = s.svc.Dispatch.Execute(r.Context(), req)
	}

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	if res.Entry.Outcome.Kind == trace.OutcomeRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		s.svc.Logger.Debug("failed to write response body", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"endpoints":     len(s.svc.Endpoints.List()),
		"pending_tasks": s.svc.Actors.Pending(),
	})
}

// clientIP strips the port RealIP leaves on direct connections.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func extractQueryParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

type errorBody struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message,omitempty"`
	Violations []validation.Violation `json:"violations,omitempty"`
}

// writeDomainError maps use case errors onto HTTP responses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:      "validation_failed",
			Message:    err.Error(),
			Violations: validation.Violations(err),
		})
	case errors.Is(err, endpoint.ErrNotFound), errors.Is(err, actor.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.svc.Logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
