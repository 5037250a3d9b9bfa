package trace

import "time"

// Kind distinguishes inbound traffic from actor events.
type Kind string

const (
	KindRequest Kind = "request"
	KindActor   Kind = "actor"
)

// OutcomeKind classifies how an entry ended.
type OutcomeKind string

const (
	OutcomeMatched        OutcomeKind = "matched"
	OutcomeUnmatched      OutcomeKind = "unmatched"
	OutcomeRateLimited    OutcomeKind = "rate_limited"
	OutcomeFault          OutcomeKind = "fault"
	OutcomeError          OutcomeKind = "error"
	OutcomeActorCompleted OutcomeKind = "actor_completed"
	OutcomeActorRetrying  OutcomeKind = "actor_retrying"
	OutcomeActorFailed    OutcomeKind = "actor_failed"
	OutcomeActorCancelled OutcomeKind = "actor_cancelled"
)

// Entry is one record in the traffic log.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"kind"`
	Request    *Request          `json:"request,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Response   *Response         `json:"response,omitempty"`
	DurationMs float64           `json:"duration_ms"`
	Candidates []CandidateResult `json:"candidates,omitempty"`
	Actor      *ActorEvent       `json:"actor,omitempty"`
}

// Request is a snapshot of an inbound request.
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Size       int               `json:"size"`
	RemoteAddr string            `json:"remote_addr,omitempty"`

	// HeaderValues lists every value of headers sent more than once;
	// Headers keeps only the first.
	HeaderValues map[string][]string `json:"header_values,omitempty"`
}

// Response is a snapshot of what was sent back.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Size    int               `json:"size"`
}

// Outcome says which endpoint, if any, handled the entry and why.
type Outcome struct {
	Kind       OutcomeKind       `json:"kind"`
	EndpointID string            `json:"endpoint_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Captures   map[string]string `json:"captures,omitempty"`
}

// ActorEvent details an actor task transition.
type ActorEvent struct {
	TaskID      string     `json:"task_id"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	Target      string     `json:"target,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
}

// CandidateResult records the evaluation result for a single candidate endpoint.
type CandidateResult struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name,omitempty"`
	PathMatched  bool   `json:"path_matched"`
	Matched      bool   `json:"matched"`
	FailedField  string `json:"failed_field,omitempty"`
	FailedReason string `json:"failed_reason,omitempty"`
}

// Status returns the response status, or 0 when no response was recorded.
func (e Entry) Status() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.Status
}
