// Package arperr provides the two error taxa ARP distinguishes: protocol
// errors, returned as JSON-RPC error objects, and tool-domain failures,
// which never leave the transport as Go errors (they are packaged into a
// normal CallToolResult by package invocation). The ProtocolError type
// preserves chains via errors.Is/errors.As the way
// runtime/agent/toolerrors.ToolError does in the teacher repository.
package arperr

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC codes.
const (
	CodeParseError      = -32700
	CodeMethodNotFound   = -32601
	CodeInternal         = -32603
)

// ARP-specific codes, spec.md §6.
const (
	CodeSafetyViolation     = -40001
	CodePreconditionFailed  = -40002
	CodeToolNotFound        = -40003
	CodeToolBusy            = -40004
	CodeConfirmationTimeout = -40005
	CodeConfirmationDenied  = -40006
	CodeEmergencyStopped    = -40007
	CodeContextNotFound     = -40008
	CodeNotInitialized      = -40009
)

// ProtocolError is a JSON-RPC-level failure: it rejects a request outright
// and never advances any call's ToolState. Cause chains through Unwrap so
// callers can use errors.Is/errors.As against sentinel causes.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
	Cause   error
}

// New constructs a ProtocolError with the given code and message.
func New(code int, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// Newf formats message according to a format specifier.
func Newf(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data to the error (e.g. {"constraint": ...}).
func (e *ProtocolError) WithData(data any) *ProtocolError {
	e.Data = data
	return e
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("arp error %d: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause, if any.
func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As reports whether err is (or wraps) a *ProtocolError, returning it.
func As(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NotInitialized is the rejection for any method other than arp.initialize
// received before the session has completed the handshake.
func NotInitialized() *ProtocolError {
	return New(CodeNotInitialized, "Not initialized")
}

// EmergencyStopped is the rejection for arp.callTool once the sticky
// emergency-stop flag has been set.
func EmergencyStopped() *ProtocolError {
	return New(CodeEmergencyStopped, "Emergency stop active")
}

// ToolNotFound is the rejection for arp.callTool against an unregistered
// tool name.
func ToolNotFound(name string) *ProtocolError {
	return Newf(CodeToolNotFound, "Tool not found: %s", name)
}

// ToolBusy is the rejection for arp.callTool when callId already names a
// running call.
func ToolBusy(callID string) *ProtocolError {
	return Newf(CodeToolBusy, "Tool call %s already running", callID)
}

// SafetyViolation is the rejection for a constraint evaluator hit.
func SafetyViolation(detail string) *ProtocolError {
	return Newf(CodeSafetyViolation, "Safety violation: %s", detail).WithData(map[string]any{"constraint": detail})
}

// ConfirmationRequired is the rejection for a tool whose RequiresConfirmation
// flag is set; the core never auto-confirms (spec.md §4.5 step 5).
func ConfirmationRequired(toolName string) *ProtocolError {
	return Newf(CodeSafetyViolation, "Tool '%s' requires human confirmation", toolName).
		WithData(map[string]any{"requiresConfirmation": true})
}

// ContextNotFound is the rejection for arp.subscribeContext against an
// unregistered source name.
func ContextNotFound(name string) *ProtocolError {
	return Newf(CodeContextNotFound, "Context source not found: %s", name)
}

// ConstraintNotFound is the rejection for arp.getConstraint against an
// unregistered constraint name. The original SDK overloads SAFETY_VIOLATION
// for this lookup miss rather than minting a dedicated code; preserved as-is
// (see SPEC_FULL.md §4.5).
func ConstraintNotFound(name string) *ProtocolError {
	return Newf(CodeSafetyViolation, "Constraint not found: %s", name)
}

// MethodNotFound is the rejection for an unrecognized JSON-RPC method.
func MethodNotFound(method string) *ProtocolError {
	return Newf(CodeMethodNotFound, "Method not found: %s", method)
}

// ParseError is the response emitted when a received frame is not valid
// JSON. Per spec.md §4.1 its id is always 0.
func ParseError() *ProtocolError {
	return New(CodeParseError, "Parse error")
}
