package hardware

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the controller. These are part of the agent's
// wire contract: the controller branches on them to decide whether to
// retry, resubmit, or restart a workflow.
const (
	CodeNotApplicable     = "NOT_APPLICABLE"
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeProviderFailed    = "PROVIDER_FAILED"
	CodeNoProviders       = "NO_PROVIDERS"
	CodeAgentBusy         = "AGENT_BUSY"
	CodeInvalidStep       = "INVALID_STEP"
	CodeVersionMismatch   = "VERSION_MISMATCH"
	CodeNotFound          = "NOT_FOUND"
	CodePolicyDenied      = "POLICY_DENIED"
)

// AgentError is a classified error with machine-readable code and context.
type AgentError struct {
	// Code is the machine-readable error code for controller diagnostics.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the operation being dispatched when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Provider is the provider that produced the error, if any.
	Provider string `json:"provider,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	switch {
	case e.Provider != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (operation=%s, provider=%s)%s",
			e.Code, e.Message, e.Operation, e.Provider, e.unwrapSuffix())
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s (operation=%s)%s",
			e.Code, e.Message, e.Operation, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Code, e.Message, e.unwrapSuffix())
	}
}

func (e *AgentError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two AgentErrors match when
// their codes match.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithOperation adds operation context to the error.
func (e *AgentError) WithOperation(operation string) *AgentError {
	e.Operation = operation
	return e
}

// WithProvider adds provider context to the error.
func (e *AgentError) WithProvider(provider string) *AgentError {
	e.Provider = provider
	return e
}

// NewError creates an AgentError with the given code and message.
func NewError(code, message string, err error) *AgentError {
	return &AgentError{Code: code, Message: message, Err: err}
}

// ErrNotApplicable is the sentinel a provider returns from an operation to
// signal "this operation does not apply to this hardware, try the next
// provider". It is control flow for the dispatcher, never surfaced to the
// caller.
var ErrNotApplicable = &AgentError{
	Code:    CodeNotApplicable,
	Message: "operation not applicable to this hardware",
}

// NotApplicable wraps a reason into the try-next-provider sentinel.
func NotApplicable(reason string) *AgentError {
	return &AgentError{Code: CodeNotApplicable, Message: reason}
}

// CodeOf returns the AgentError code carried by err, or empty string.
func CodeOf(err error) string {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotApplicable reports whether err is the try-next-provider signal.
func IsNotApplicable(err error) bool {
	return CodeOf(err) == CodeNotApplicable
}

// IsOperationNotFound reports whether no active provider declares the
// operation.
func IsOperationNotFound(err error) bool {
	return CodeOf(err) == CodeOperationNotFound
}

// IsAgentBusy reports whether err is the concurrent-command rejection.
func IsAgentBusy(err error) bool {
	return CodeOf(err) == CodeAgentBusy
}

// IsVersionMismatch reports whether err is a workflow invalidation caused
// by provider-set drift.
func IsVersionMismatch(err error) bool {
	return CodeOf(err) == CodeVersionMismatch
}

// IsPolicyDenied reports whether err is a policy gate rejection.
func IsPolicyDenied(err error) bool {
	return CodeOf(err) == CodePolicyDenied
}
