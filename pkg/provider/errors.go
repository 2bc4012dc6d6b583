package provider

import (
	"errors"
	"fmt"
)

// Error kinds. Test with errors.Is.
var (
	// ErrBackendUnavailable means RunPod could not be reached, rejected the
	// credentials or failed the request. The cache keeps its last good snapshot.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNodeNotFound means the node was absent after a forced refresh
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidArgument means the caller broke the contract; no backend call was made
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProvisionFailure means RunPod accepted a create but no usable node came of it
	ErrProvisionFailure = errors.New("provision failure")
)

// Error is returned by every provider operation. Only the Kind is reachable
// through errors.Is / errors.As; the backend error is kept as text.
type Error struct {
	Op     string
	NodeID string
	Kind   error
	cause  string
}

func newError(op, nodeID string, kind error, cause error) *Error {
	e := &Error{Op: op, NodeID: nodeID, Kind: kind}
	if cause != nil {
		e.cause = cause.Error()
	}
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Op
	if e.NodeID != "" {
		msg += " " + e.NodeID
	}
	msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	if e.cause != "" {
		msg += ": " + e.cause
	}
	return msg
}

// Unwrap returns the error kind
func (e *Error) Unwrap() error {
	return e.Kind
}

// resultLabel maps an operation outcome to a metrics label
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNodeNotFound):
		return "node_not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrProvisionFailure):
		return "provision_failure"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "error"
	}
}
