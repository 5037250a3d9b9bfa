package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/infrastructure/ports"
)

var _ actor.Effector = (*HTTPEffector)(nil)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 256

// Header names set on every callback.
const (
	HeaderTaskID   = "X-Simulacra-Task"
	HeaderEndpoint = "X-Simulacra-Endpoint"
	HeaderAttempt  = "X-Simulacra-Attempt"
)

// HTTPEffector fires actor tasks as outbound HTTP requests.
type HTTPEffector struct {
	client *http.Client
	logger ports.Logger
}

// NewHTTPEffector creates an effector. A nil client uses a client without a
// timeout; the actor engine bounds every attempt with its own deadline.
func NewHTTPEffector(client *http.Client, logger ports.Logger) *HTTPEffector {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEffector{client: client, logger: logger}
}

// Fire sends one callback. 2xx responses succeed. 408, 425, 429, 5xx and
// transport errors are returned as retryable; every other status is
// permanent.
func (e *HTTPEffector) Fire(ctx context.Context, call actor.Call) error {
	method := call.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, call.Target, bytes.NewReader(call.Body))
	if err != nil {
		return actor.Permanent(fmt.Errorf("failed to build callback request: %w", err))
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderTaskID, call.TaskID)
	req.Header.Set(HeaderEndpoint, call.EndpointID)
	req.Header.Set(HeaderAttempt, fmt.Sprint(call.Attempt))

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("callback to %s failed: %w", call.Target, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug("callback delivered", "task", call.TaskID, "target", call.Target, "status", resp.StatusCode)
		return nil
	}

	statusErr := &StatusError{Status: resp.StatusCode, Body: string(snippet)}
	if Retryable(resp.StatusCode) {
		return statusErr
	}
	return actor.Permanent(statusErr)
}

// StatusError is a non-2xx callback response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("callback returned status %d", e.Status)
	}
	return fmt.Sprintf("callback returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether a callback status is worth another attempt.
func Retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}
