package forgeloop

import (
	"fmt"
	"time"
)

// ErrHTTP is a non-2xx response from the model host. Connection failures
// are not ErrHTTP values; they reach callers as the raw transport error.
// RetryAfter carries the server's Retry-After hint when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrModel distinguishes which phase of talking to a model host failed:
// listing tags, pulling a model, or generating a completion. The Worker
// treats this as a candidate-level failure, never a panic. Err holds the
// underlying transport error (an *ErrHTTP for status failures) so retry
// wrappers can classify transience with errors.As.
type ErrModel struct {
	Phase   string // "list" | "pull" | "generate"
	Model   string
	Message string
	Err     error
}

func (e *ErrModel) Error() string {
	return fmt.Sprintf("model %s (%s): %s", e.Model, e.Phase, e.Message)
}

func (e *ErrModel) Unwrap() error { return e.Err }

// ErrSandboxEscape is raised when a write would land outside the
// configured workspace root. This is fatal for the task that triggered
// it and must never be silently swallowed.
type ErrSandboxEscape struct {
	Path string
}

func (e *ErrSandboxEscape) Error() string {
	return fmt.Sprintf("sandbox: path escapes workspace root: %s", e.Path)
}

// ErrValidation is an ingress-time rejection (400): malformed task shape,
// an over-limit upload, or any other schema violation.
type ErrValidation struct {
	Message string
}

func (e *ErrValidation) Error() string { return e.Message }

// ErrAuth is an authorization-layer rejection (401/429): bad API key or a
// rate limit denial.
type ErrAuth struct {
	Message string
	Status  int
}

func (e *ErrAuth) Error() string { return e.Message }
