package dispatch

import "fmt"

// ErrorKind classifies call failures independently of the ingress protocol.
// Adapters translate kinds into protocol-specific envelopes; the taxonomy
// and redaction policy are decided here, once.
type ErrorKind string

// Error kinds.
const (
	KindUnknownProcedure ErrorKind = "unknown_procedure"
	KindValidation       ErrorKind = "validation"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindProtocolSequence ErrorKind = "protocol_sequence"
	KindTimeout          ErrorKind = "timeout"
	KindCanceled         ErrorKind = "canceled"
	KindInternal         ErrorKind = "internal"
)

// Error is a classified call failure. Validation and authorization errors
// carry enough detail for the caller to fix the request; internal errors
// carry only a correlation id, with the underlying cause logged server-side.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	Details       any       `json:"details,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewUnknownProcedure reports that no procedure exists at the given path.
func NewUnknownProcedure(path string) *Error {
	return &Error{
		Kind:    KindUnknownProcedure,
		Message: fmt.Sprintf("unknown procedure: %s", path),
	}
}

// NewValidation reports an input validation failure with per-field detail.
func NewValidation(details any) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "invalid parameters",
		Details: details,
	}
}

// NewUnauthorized reports a denied call. Details carry the unmet requirement
// in machine-readable form, never the caller's own scopes.
func NewUnauthorized(reason string, details any) *Error {
	return &Error{
		Kind:    KindUnauthorized,
		Message: reason,
		Details: details,
	}
}

// NewProtocolSequence reports a protocol-ordering violation, such as an MCP
// tools/call before initialize.
func NewProtocolSequence(message string) *Error {
	return &Error{Kind: KindProtocolSequence, Message: message}
}

// NewTimeout reports that a handler exceeded its deadline.
func NewTimeout(path, correlationID string) *Error {
	return &Error{
		Kind:          KindTimeout,
		Message:       fmt.Sprintf("procedure %s timed out", path),
		CorrelationID: correlationID,
	}
}

// NewCanceled reports that the caller went away before the handler finished.
func NewCanceled(path, correlationID string) *Error {
	return &Error{
		Kind:          KindCanceled,
		Message:       fmt.Sprintf("procedure %s canceled", path),
		CorrelationID: correlationID,
	}
}

// NewInternal reports a redacted handler failure. The message never contains
// the handler's error text; callers cross-reference the correlation id in
// server-side logs.
func NewInternal(correlationID string) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error",
		CorrelationID: correlationID,
	}
}
