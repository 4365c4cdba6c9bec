package cartapi

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call to the commerce backend.
type Kind string

const (
	// KindAuthMissing means no usable shopper credential; the request was not sent or was refused with 401/403.
	KindAuthMissing Kind = "auth_missing"
	// KindNetwork covers transport failures and 5xx answers.
	KindNetwork Kind = "network"
	// KindValidation covers 4xx answers and bodies that cannot be decoded.
	KindValidation Kind = "validation"
	// KindRejected covers business-rule refusals (409, 422).
	KindRejected Kind = "rejected"
	// KindTimeout means the per-request deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindCanceled means the caller's context ended first.
	KindCanceled Kind = "canceled"
)

var (
	// ErrAuthMissing matches any KindAuthMissing error.
	ErrAuthMissing = errors.New("cartapi: authentication required")
	// ErrTimeout matches any KindTimeout error.
	ErrTimeout = errors.New("cartapi: request timed out")
)

// Error is returned by every Client operation that fails.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("cartapi: %s: %s (status %d)", e.Op, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("cartapi: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("cartapi: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthMissing:
		return e.Kind == KindAuthMissing
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// KindOf returns the kind of err, or "" when err did not come from the client.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// UserMessage returns the human-readable message carried by err, or fallback.
func UserMessage(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
