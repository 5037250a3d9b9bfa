package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is matched by every *Error via errors.Is.
var ErrInvalid = errors.New("validation failed")

// Violation describes one rejected field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error reports every violation found in a single input, not just the first.
type Error struct {
	Subject    string
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	if e.Subject == "" {
		return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

// Collector accumulates violations while an input is checked.
type Collector struct {
	subject    string
	violations []Violation
}

// NewCollector starts a collector for the named subject ("endpoint", "runtime config").
func NewCollector(subject string) *Collector {
	return &Collector{subject: subject}
}

// Addf records a violation for field.
func (c *Collector) Addf(field, format string, args ...any) {
	c.violations = append(c.violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Merge copies the violations of err into c when err is a *Error, prefixing
// field names. Any other non-nil error is recorded against prefix.
func (c *Collector) Merge(prefix string, err error) {
	if err == nil {
		return
	}
	var verr *Error
	if !errors.As(err, &verr) {
		c.Addf(prefix, "%v", err)
		return
	}
	for _, v := range verr.Violations {
		field := v.Field
		if prefix != "" {
			field = prefix + "." + field
		}
		c.violations = append(c.violations, Violation{Field: field, Message: v.Message})
	}
}

// Err returns nil when nothing was recorded.
func (c *Collector) Err() error {
	if len(c.violations) == 0 {
		return nil
	}
	return &Error{Subject: c.subject, Violations: c.violations}
}

// Violations extracts the violation list from err, if any.
func Violations(err error) []Violation {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Violations
	}
	return nil
}
