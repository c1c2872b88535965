// Package tool defines the request/response contract between the dispatcher
// and tool-provider worker processes.
package tool

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies a tool-provider worker category.
type Category string

// Known worker categories, one subprocess per category.
const (
	CategoryMarket    Category = "market"
	CategoryStrategy  Category = "strategy"
	CategoryPortfolio Category = "portfolio"
	CategoryExecution Category = "execution"
)

// Categories lists all known categories in a stable order.
func Categories() []Category {
	return []Category{CategoryMarket, CategoryStrategy, CategoryPortfolio, CategoryExecution}
}

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryMarket, CategoryStrategy, CategoryPortfolio, CategoryExecution:
		return true
	}
	return false
}

// Status is the outcome of a tool invocation.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorKind classifies invocation and worker failures.
type ErrorKind string

const (
	KindMalformedFrame      ErrorKind = "malformed_frame"
	KindWorkerStartup       ErrorKind = "worker_startup"
	KindWorkerCrashed       ErrorKind = "worker_crashed"
	KindTimeout             ErrorKind = "timeout"
	KindCategoryUnavailable ErrorKind = "category_unavailable"
	KindClassification      ErrorKind = "classification"
	KindCancelledByCaller   ErrorKind = "cancelled_by_caller"
	KindToolError           ErrorKind = "tool_error" // worker-reported failure for one call
)

// ErrorDetail carries a classified failure for one invocation.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an ErrorDetail with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *ErrorDetail {
	return &ErrorDetail{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Request is one tool invocation sent to a worker. Immutable once sent.
type Request struct {
	ID        string         `json:"request_id"`
	Tool      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
}

// Validate checks the request is well-formed before it is framed.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request_id is required")
	}
	if r.Tool == "" {
		return fmt.Errorf("tool_name is required")
	}
	return nil
}

// Result is the worker's response to one Request. The ID always matches the
// originating Request; results with unrecognized IDs are protocol violations
// and are logged and discarded by the receiver.
type Result struct {
	ID          string          `json:"request_id"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Err         *ErrorDetail    `json:"error_detail,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ErrorResult builds a synthetic error Result for the given request ID.
func ErrorResult(requestID string, kind ErrorKind, format string, args ...any) *Result {
	return &Result{
		ID:          requestID,
		Status:      StatusError,
		Err:         NewError(kind, format, args...),
		CompletedAt: time.Now().UTC(),
	}
}

// Capability describes one named tool advertised by a worker at startup.
// The set is queried once during the handshake and cached for the lifetime
// of the handle.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
