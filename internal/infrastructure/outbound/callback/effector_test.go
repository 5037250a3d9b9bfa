package callback_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sophialabs/simulacra/internal/domain/actor"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/callback"
	"github.com/sophialabs/simulacra/internal/testutil"
)

func TestHTTPEffector_Classification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNoContent, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooEarly, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			eff := callback.NewHTTPEffector(srv.Client(), &testutil.NoopLogger{})
			err := eff.Fire(context.Background(), actor.Call{TaskID: "t1", Target: srv.URL})

			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if err == nil {
				return
			}
			if actor.IsPermanent(err) != tt.permanent {
				t.Errorf("expected permanent=%v for %d", tt.permanent, tt.status)
			}
			var se *callback.StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Errorf("expected StatusError with %d, got %v", tt.status, err)
			}
		})
	}
}

func TestHTTPEffector_SendsCall(t *testing.T) {
	var (
		gotMethod, gotType, gotCustom, gotTask, gotAttempt string
		gotBody                                            string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Custom")
		gotTask = r.Header.Get(callback.HeaderTaskID)
		gotAttempt = r.Header.Get(callback.HeaderAttempt)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	eff := callback.NewHTTPEffector(srv.Client(), &testutil.NoopLogger{})
	err := eff.Fire(context.Background(), actor.Call{
		TaskID:     "task-9",
		EndpointID: "orders",
		Attempt:    2,
		Target:     srv.URL + "/hook",
		Method:     http.MethodPut,
		Headers:    map[string]string{"X-Custom": "yes"},
		Body:       []byte(`{"order":"42"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", gotMethod)
	}
	if gotType != "application/json" || gotCustom != "yes" {
		t.Errorf("unexpected headers: type=%q custom=%q", gotType, gotCustom)
	}
	if gotTask != "task-9" || gotAttempt != "2" {
		t.Errorf("unexpected task headers: %q %q", gotTask, gotAttempt)
	}
	if gotBody != `{"order":"42"}` {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestHTTPEffector_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	eff := callback.NewHTTPEffector(nil, &testutil.NoopLogger{})
	err := eff.Fire(context.Background(), actor.Call{Target: url})
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if actor.IsPermanent(err) {
		t.Error("transport errors must be retryable")
	}
}

func TestHTTPEffector_BadTargetIsPermanent(t *testing.T) {
	eff := callback.NewHTTPEffector(nil, &testutil.NoopLogger{})
	err := eff.Fire(context.Background(), actor.Call{Target: "://bad", Method: "POST"})
	if !actor.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}
