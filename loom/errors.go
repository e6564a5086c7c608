package loom

import "errors"

// Error codes carried on EngineError.Code. The string values are the wire
// vocabulary surfaced to adapters.
const (
	CodeTemplateNotFound    = "TEMPLATE_NOT_FOUND"
	CodeInvalidBlueprint    = "INVALID_BLUEPRINT"
	CodeInvalidSpec         = "INVALID_SPEC"
	CodeInstantiationFailed = "INSTANTIATION_FAILED"
	CodeCheckoutFailed      = "CHECKOUT_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeNotLocked           = "NOT_LOCKED"
	CodeNotAuthorized       = "NOT_AUTHORIZED"
	CodeGuardUnauthorized   = "GUARD_UNAUTHORIZED"
	CodeStateDrift          = "STATE_DRIFT"
	CodePilotApproval       = "PILOT_APPROVAL_REQUIRED"
	CodeEvaluationFailure   = "EVALUATION_FAILURE"
	CodeUnknownGuardType    = "UNKNOWN_GUARD_TYPE"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned by Store.LockUOW when the checkout
// compare-and-swap loses the race: the row is no longer PENDING.
var ErrNotPending = errors.New("uow is not pending")

// ErrNotLocked is returned on submit or report against a UOW that is not
// ACTIVE, or that is locked by a different actor.
var ErrNotLocked = errors.New("uow is not locked by this actor")

// ErrNotAuthorized is returned when no active actor-role assignment exists.
var ErrNotAuthorized = errors.New("actor is not assigned to role")

// ErrGuardUnauthorized is returned when the guard-authorization hook refuses
// a mutating store operation.
var ErrGuardUnauthorized = errors.New("guard refused authorization")

// ErrStateDrift is returned when a UOW's stored content hash does not match
// the hash recomputed from its live attribute set.
var ErrStateDrift = errors.New("content hash drift detected")

// EngineError is an error with a stable machine-readable code.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// engErr builds an EngineError wrapping an underlying cause.
func engErr(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the engine error code from err, or "" when err carries none.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotLocked):
		return CodeNotLocked
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrGuardUnauthorized):
		return CodeGuardUnauthorized
	case errors.Is(err, ErrStateDrift):
		return CodeStateDrift
	}
	return ""
}
