package api

import (
	"errors"
	"fmt"
)

// ErrDeleteInProgress is returned by a delete call that has been accepted
// but must be invoked again once the resource settles.
var ErrDeleteInProgress = errors.New("delete in progress")

// NotFoundError indicates a requested resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such %s: %s", e.Resource, e.ID)
}

// TransientError is a retryable control-plane failure such as throttling
// or a transport timeout.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient control-plane error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError indicates the provider already has the resource.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ValidationError indicates a malformed desired spec. Never retried.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s spec: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s spec: %s %s", e.Kind, e.Field, e.Reason)
}

// ProvisioningFailedError indicates the provider reported a failed state.
type ProvisioningFailedError struct {
	Resource string
	ID       string
	Status   string
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("%s %s entered failed state %q", e.Resource, e.ID, e.Status)
}

// TimeoutError indicates the readiness bound was exceeded. The resource may
// still become ready; re-running later is safe.
type TimeoutError struct {
	Resource string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %d attempts", e.Resource, e.Attempts)
}

// StateConflictError indicates a descriptor write lost a race or would
// overwrite an existing record with a different external id.
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string {
	return e.Message
}

// ResourceError attaches kind and logical name to an underlying error.
type ResourceError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsProvisioningFailed reports whether err is or wraps a ProvisioningFailedError.
func IsProvisioningFailed(err error) bool {
	var target *ProvisioningFailedError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsStateConflict reports whether err is or wraps a StateConflictError.
func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}
