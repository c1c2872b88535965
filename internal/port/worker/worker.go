// Package worker defines the ports through which the dispatcher reaches
// tool-provider workers. The pool exclusively owns handle lifecycle; the
// dispatcher only ever sees Call and never touches process state.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// ErrCategoryUnavailable is returned by Registry.Get when the category is
// unknown or has exhausted its restart budget.
var ErrCategoryUnavailable = errors.New("category unavailable")

// State is the lifecycle state of a worker handle.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateCrashed  State = "crashed"
	StateStopped  State = "stopped"
)

// Caller invokes named tools on one live worker.
type Caller interface {
	// Call sends a tool request and blocks the calling goroutine until a
	// matching result arrives or timeout elapses. On timeout a synthetic
	// Timeout error result is returned; the error return is reserved for
	// requests that could not be issued at all.
	Call(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (*tool.Result, error)

	// Category returns the worker's category.
	Category() tool.Category

	// Capabilities returns the tool set advertised at startup, cached for
	// the handle's lifetime.
	Capabilities() []tool.Capability
}

// Registry resolves a category to a live Caller.
type Registry interface {
	// Get returns the live caller for the category, or an error wrapping
	// ErrCategoryUnavailable.
	Get(category tool.Category) (Caller, error)

	// Categories lists the categories the registry knows about.
	Categories() []tool.Category
}
