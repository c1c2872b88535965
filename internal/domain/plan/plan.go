// Package plan defines the invocation plan produced by intent classification.
package plan

import (
	"fmt"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// Entry is one planned tool invocation.
type Entry struct {
	Category  tool.Category  `json:"category"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Plan is the ordered sequence of invocations derived from one user query.
// An empty plan is valid and yields a "no action" response.
type Plan struct {
	Entries []Entry `json:"entries"`
}

// Empty reports whether the plan contains no invocations.
func (p Plan) Empty() bool {
	return len(p.Entries) == 0
}

// Validate rejects entries with unknown categories or missing tool names.
func (p Plan) Validate() error {
	for i, e := range p.Entries {
		if !tool.ValidCategory(e.Category) {
			return fmt.Errorf("entry %d: unknown category %q", i, e.Category)
		}
		if e.Tool == "" {
			return fmt.Errorf("entry %d: tool is required", i)
		}
	}
	return nil
}
