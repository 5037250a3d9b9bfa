package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sophialabs/simulacra/internal/domain/trace"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

const (
	defaultTrafficLimit = 100
	streamBuffer        = 256
	streamWriteTimeout  = 5 * time.Second
)

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseTrafficQuery(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Log.Query(f, p))
}

// handleUnhandled lists the requests no endpoint matched.
func (s *Server) handleUnhandled(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseTrafficQuery(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	f.Kind = trace.KindRequest
	f.Outcomes = []trace.OutcomeKind{trace.OutcomeUnmatched}
	writeJSON(w, http.StatusOK, s.svc.Log.Query(f, p))
}

func (s *Server) handleClearTraffic(w http.ResponseWriter, _ *http.Request) {
	s.svc.Log.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// handleTrafficStream pushes every new entry over a WebSocket as JSON. Slow
// clients miss entries instead of slowing appends down.
func (s *Server) handleTrafficStream(w http.ResponseWriter, r *http.Request) {
	f, _, err := parseTrafficQuery(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.svc.Logger.Debug("traffic stream upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	sub := s.svc.Log.Subscribe(streamBuffer)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	s.svc.Logger.Debug("traffic stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.svc.Logger.Debug("traffic stream closed", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "log closed")
				return
			}
			if !f.Match(e) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats.Snapshot())
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.svc.Stats.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuildStats(w http.ResponseWriter, _ *http.Request) {
	s.svc.Log.Replay(s.svc.Stats.Rebuild)
	writeJSON(w, http.StatusOK, s.svc.Stats.Snapshot())
}

// parseTrafficQuery reads filter and paging parameters. By default the newest
// entries are returned.
func parseTrafficQuery(r *http.Request) (trace.Filter, trace.Page, error) {
	q := r.URL.Query()
	c := validation.NewCollector("traffic query")

	f := trace.Filter{
		Kind:       trace.Kind(q.Get("kind")),
		EndpointID: q.Get("endpoint"),
		Method:     q.Get("method"),
		PathPrefix: q.Get("path_prefix"),
		Search:     q.Get("q"),
	}
	if raw := q.Get("outcome"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			f.Outcomes = append(f.Outcomes, trace.OutcomeKind(strings.TrimSpace(o)))
		}
	}
	f.Status = intParam(c, q.Get("status"), "status", 0)
	if raw := q.Get("after_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.Addf("after_seq", "must be a non-negative integer")
		}
		f.AfterSeq = n
	}
	f.Since = timeParam(c, q.Get("since"), "since")
	f.Until = timeParam(c, q.Get("until"), "until")

	p := trace.Page{
		Offset: intParam(c, q.Get("offset"), "offset", 0),
		Limit:  intParam(c, q.Get("limit"), "limit", defaultTrafficLimit),
		Tail:   true,
	}
	if raw := q.Get("tail"); raw != "" {
		tail, err := strconv.ParseBool(raw)
		if err != nil {
			c.Addf("tail", "must be a boolean")
		}
		p.Tail = tail
	}
	if p.Offset < 0 {
		c.Addf("offset", "must be >= 0")
	}
	return f, p, c.Err()
}

func intParam(c *validation.Collector, raw, field string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.Addf(field, "must be an integer")
		return def
	}
	return n
}

func timeParam(c *validation.Collector, raw, field string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.Addf(field, "must be an RFC 3339 timestamp")
	}
	return t
}
