package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures from external collaborators.
type ErrorKind string

const (
	AuthError        ErrorKind = "auth"
	ValidationError  ErrorKind = "validation"
	NetworkError     ErrorKind = "network"
	NotFound         ErrorKind = "not_found"
	PermissionDenied ErrorKind = "permission_denied"
	UploadError      ErrorKind = "upload"
	UnknownError     ErrorKind = "unknown"
)

// ServiceError is the error shape all external surfaces reduce to. Network
// errors during a send leave the provisional message visible as failed with a
// retry path; validation errors are caught before any optimistic mutation.
type ServiceError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError wraps err with a kind and message.
func NewServiceError(kind ErrorKind, msg string, err error) *ServiceError {
	return &ServiceError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the error kind, defaulting to UnknownError.
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return UnknownError
}

// Retryable reports whether a failed send may be retried by the user.
// Validation and permission failures are final; everything else may succeed
// on a later attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ValidationError, PermissionDenied, AuthError:
		return false
	}
	return true
}
