package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary registry unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrGraphSealed is returned by graph mutators once the graph has been sealed for apply.
var ErrGraphSealed = errors.New("graph is sealed")

// ErrNotMaterialized is returned when outputs of a node are read before it was provisioned.
var ErrNotMaterialized = errors.New("outputs not materialized")

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (node=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (node=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds node context to an error.
func (e *EngineError) WithResource(nodeID string) *EngineError {
	e.Resource = nodeID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeBuildFailed      = "BUILD_FAILED"
	ErrCodePushFailed       = "PUSH_FAILED"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// Graph construction errors. These reject a run before any provisioning begins.

// DuplicateIDError is returned when a node ID is already present in the graph.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate node id %q", e.ID)
}

// UnknownTargetError is returned when an edge or reference names a node that is not in the graph.
type UnknownTargetError struct {
	// From is the node declaring the edge, empty for lookups.
	From string

	// Target is the missing node ID.
	Target string
}

func (e *UnknownTargetError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("unknown node %q", e.Target)
	}
	return fmt.Sprintf("node %q references unknown node %q", e.From, e.Target)
}

// CycleDetectedError is returned when an edge would close a cycle.
// Cycle lists the node IDs along the cycle, starting and ending with the same ID.
type CycleDetectedError struct {
	Cycle []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", formatCycle(e.Cycle))
}

// Pipeline errors. These are fatal to the current run and halt further submissions.

// BuildError reports a failed image build.
type BuildError struct {
	NodeID string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed for node %s: %v", e.NodeID, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// PushError reports a failed image push after the pusher exhausted its retries.
type PushError struct {
	NodeID string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push failed for node %s: %v", e.NodeID, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// ProvisionError reports a failed submission to the provisioning engine.
type ProvisionError struct {
	NodeID string
	Kind   Kind
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s node %s failed: %v", e.Kind, e.NodeID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ResolveError reports an attribute reference that could not be resolved.
type ResolveError struct {
	NodeID string
	Ref    AttributeRef
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("failed to resolve %s for node %s: %v", e.Ref, e.NodeID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// StageTransitionError is returned when a pipeline is asked to skip or repeat a stage.
type StageTransitionError struct {
	Pipeline string
	From     Stage
	To       Stage
}

func (e *StageTransitionError) Error() string {
	return fmt.Sprintf("pipeline %s: invalid stage transition %s -> %s", e.Pipeline, e.From, e.To)
}

// FailedNodeID extracts the originating node ID from a pipeline or engine error.
// It returns an empty string if the error carries no node.
func FailedNodeID(err error) string {
	var (
		buildErr     *BuildError
		pushErr      *PushError
		provisionErr *ProvisionError
		resolveErr   *ResolveError
		engineErr    *EngineError
	)
	switch {
	case errors.As(err, &buildErr):
		return buildErr.NodeID
	case errors.As(err, &pushErr):
		return pushErr.NodeID
	case errors.As(err, &provisionErr):
		return provisionErr.NodeID
	case errors.As(err, &resolveErr):
		return resolveErr.NodeID
	case errors.As(err, &engineErr):
		return engineErr.Resource
	}
	return ""
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
