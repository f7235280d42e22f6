// Package errkind defines the single error-kind enumeration shared by the
// SCM adapters, the materializer, the sync pipelines, the gateway and the
// outbox worker. Kinds are stringified only at serialization boundaries.
package errkind

import "fmt"

// Kind classifies an expected fault mode.
type Kind string

const (
	None             Kind = ""
	Timeout          Kind = "timeout"
	RateLimited      Kind = "rate_limited"
	AuthError        Kind = "auth_error"
	HTTPError        Kind = "http_error"
	NetworkError     Kind = "network_error"
	ContentTooLarge  Kind = "content_too_large"
	ValidationError  Kind = "validation_error"
	CommandError     Kind = "command_error"
	ParseError       Kind = "parse_error"
	DependencyError  Kind = "dependency_missing"
	StorageCollision Kind = "storage_collision"
	Unknown          Kind = "unknown"
)

// Retryable reports whether a fault of this kind is worth retrying.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, RateLimited, HTTPError, NetworkError:
		return true
	}
	return false
}

// Unrecoverable reports whether a fault of this kind must stop strict-mode
// cursor advancement (see the sync pipeline rules).
func (k Kind) Unrecoverable() bool {
	switch k {
	case Timeout, RateLimited, AuthError, HTTPError, NetworkError:
		return true
	}
	return false
}

// Error is a tagged error carrying a Kind across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap tags an underlying error with a kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, or Unknown for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var te *Error
	for {
		if e, ok := err.(*Error); ok {
			te = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if te != nil {
		return te.Kind
	}
	return Unknown
}

// APIError is the user-visible failure envelope.
type APIError struct {
	OK         bool   `json:"ok"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// ToAPI converts an error to the user-visible envelope.
func ToAPI(err error, suggestion string) APIError {
	kind := KindOf(err)
	return APIError{
		OK:         false,
		ErrorCode:  string(kind),
		Message:    err.Error(),
		Suggestion: suggestion,
		Retryable:  kind.Retryable(),
	}
}
