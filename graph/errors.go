// Package graph provides the durable graph execution engine: graphs,
// node kinds, the runner with pause/resume semantics, the middleware
// chain, retry policies, and the built-in human-in-the-loop tool.
package graph

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the closed set of error categories produced
// by the engine. Serializers and retry policies key off it.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindExecution      ErrorKind = "execution"
	KindTool           ErrorKind = "tool"
	KindRouting        ErrorKind = "routing"
	KindAgent          ErrorKind = "agent"
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindSerialization  ErrorKind = "serialization"
	KindAuthentication ErrorKind = "authentication"
	KindUnknown        ErrorKind = "unknown"
)

// Stable error codes. Codes are part of the observable surface: retry
// policies, tests and external consumers match on them.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeExecution      = "EXECUTION_ERROR"
	CodeTool           = "TOOL_ERROR"
	CodeRouting        = "ROUTING_ERROR"
	CodeAgent          = "AGENT_ERROR"
	CodeNetwork        = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT_ERROR"
	CodeRateLimit      = "RATE_LIMIT_ERROR"
	CodeSerialization  = "SERIALIZATION_ERROR"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeConfiguration  = "CONFIGURATION_ERROR"
	CodeMissingContext = "MISSING_CONTEXT"
	CodeNotFound       = "NOT_FOUND"
	CodeExpired        = "CHECKPOINT_EXPIRED"
	CodeMaxDepth       = "MAX_DEPTH_EXCEEDED"
	CodeUnknown        = "UNKNOWN_ERROR"
)

// SpiceError is the engine's error type. Every failure carries a stable
// code, a human-readable message, an optional cause and a free-form
// context map.
type SpiceError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *SpiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *SpiceError) Unwrap() error { return e.Cause }

// WithContext returns a copy of e with the key/value added to its
// context map.
func (e *SpiceError) WithContext(key string, value any) *SpiceError {
	next := *e
	next.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		next.Context[k] = v
	}
	next.Context[key] = value
	return &next
}

func newError(kind ErrorKind, code, msg string, cause error) *SpiceError {
	return &SpiceError{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// NewValidationError creates a validation-kind error.
func NewValidationError(msg string) *SpiceError {
	return newError(KindValidation, CodeValidation, msg, nil)
}

// NewExecutionError creates an execution-kind error wrapping cause.
func NewExecutionError(msg string, cause error) *SpiceError {
	return newError(KindExecution, CodeExecution, msg, cause)
}

// NewToolError creates a tool-kind error.
func NewToolError(msg string, cause error) *SpiceError {
	return newError(KindTool, CodeTool, msg, cause)
}

// NewRoutingError creates a routing-kind error.
func NewRoutingError(msg string) *SpiceError {
	return newError(KindRouting, CodeRouting, msg, nil)
}

// NewAgentError creates an agent-kind error wrapping cause.
func NewAgentError(msg string, cause error) *SpiceError {
	return newError(KindAgent, CodeAgent, msg, cause)
}

// NewNetworkError creates a network-kind error wrapping cause.
func NewNetworkError(msg string, cause error) *SpiceError {
	return newError(KindNetwork, CodeNetwork, msg, cause)
}

// NewTimeoutError creates a timeout-kind error.
func NewTimeoutError(msg string) *SpiceError {
	return newError(KindTimeout, CodeTimeout, msg, nil)
}

// NewRateLimitError creates a rate-limit-kind error.
func NewRateLimitError(msg string) *SpiceError {
	return newError(KindRateLimit, CodeRateLimit, msg, nil)
}

// NewSerializationError creates a serialization-kind error wrapping cause.
func NewSerializationError(msg string, cause error) *SpiceError {
	return newError(KindSerialization, CodeSerialization, msg, cause)
}

// NewAuthenticationError creates an authentication-kind error.
func NewAuthenticationError(msg string) *SpiceError {
	return newError(KindAuthentication, CodeAuthentication, msg, nil)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(msg string) *SpiceError {
	return newError(KindValidation, CodeConfiguration, msg, nil)
}

// NewMissingContextError reports a required execution-context value
// that was absent.
func NewMissingContextError(what string) *SpiceError {
	return newError(KindExecution, CodeMissingContext, "missing required context: "+what, nil)
}

// RetryableError wraps an error with an explicit retry hint. The hint
// takes precedence over every other policy source in the resolver.
type RetryableError struct {
	// Err is the wrapped failure.
	Err error

	// SkipRetry forces the no-retry policy when true.
	SkipRetry bool

	// MaxAttempts, when > 0, overrides the default policy's attempt
	// budget. Ignored when SkipRetry is set.
	MaxAttempts int
}

// Error implements the error interface.
func (e *RetryableError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err with a max-attempts hint.
func Retryable(err error, maxAttempts int) *RetryableError {
	return &RetryableError{Err: err, MaxAttempts: maxAttempts}
}

// NoRetry wraps err with a skip-retry hint.
func NoRetry(err error) *RetryableError {
	return &RetryableError{Err: err, SkipRetry: true}
}

// CodeOf extracts the stable code from err, unwrapping as needed.
// Unrecognized errors report CodeUnknown.
func CodeOf(err error) string {
	var se *SpiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// AsSpiceError converts err to a *SpiceError, wrapping unknown errors
// so every failure path yields a typed error.
func AsSpiceError(err error) *SpiceError {
	var se *SpiceError
	if errors.As(err, &se) {
		return se
	}
	return newError(KindUnknown, CodeUnknown, err.Error(), err)
}
