// Package classifier defines the intent classification port.
package classifier

import (
	"context"
	"errors"

	"github.com/mafa-ai/mafa-core/internal/domain/plan"
)

// ErrClassification indicates the classifier failed to produce a plan.
// The dispatcher treats it as an empty plan plus a surfaced warning.
var ErrClassification = errors.New("classification failed")

// Classifier maps a natural-language query to an invocation plan.
// Implementations are external black boxes (an LLM behind an API).
type Classifier interface {
	// Classify derives an invocation plan from the query. contextDocs carries
	// optional session memory snippets that enrich classification.
	Classify(ctx context.Context, query string, contextDocs []string) (plan.Plan, error)
}
