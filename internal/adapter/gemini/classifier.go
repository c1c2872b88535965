// Package gemini implements the classifier port against the Google Gemini
// API. The model maps a natural-language query to an invocation plan over
// the live tool catalog.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/mafa-ai/mafa-core/internal/domain/plan"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/port/classifier"
	"github.com/mafa-ai/mafa-core/internal/resilience"
)

// CatalogFunc supplies the current tool catalog per category. The prompt is
// rebuilt per call so restarted workers advertise their live tool set.
type CatalogFunc func() map[tool.Category][]tool.Capability

// Classifier calls Gemini to derive invocation plans.
type Classifier struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	breaker *resilience.Breaker
	catalog CatalogFunc
}

// New creates a Gemini-backed classifier.
func New(ctx context.Context, apiKey, model string, timeout time.Duration, breaker *resilience.Breaker, catalog CatalogFunc) (*Classifier, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Classifier{
		client:  client,
		model:   model,
		timeout: timeout,
		breaker: breaker,
		catalog: catalog,
	}, nil
}

const systemPrompt = `You are the intent router of a financial assistant.
Map the user's query to zero or more tool invocations chosen strictly from
the catalog below. Reply with JSON only, shaped as
{"entries":[{"category":"<category>","tool":"<tool>","arguments":{...}}]}.
Return {"entries":[]} when no tool applies (greetings, thanks, small talk).
Never invent categories or tools that are not in the catalog.`

// Classify implements the classifier port. Failures of any kind are wrapped
// in ErrClassification so the dispatcher degrades to an empty plan.
func (c *Classifier) Classify(ctx context.Context, query string, contextDocs []string) (plan.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := c.buildPrompt(query, contextDocs)

	var text string
	err := c.breaker.Execute(func() error {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			},
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return err
		}
		text = resp.Text()
		return nil
	})
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: %v", classifier.ErrClassification, err)
	}

	pl, err := parsePlan(text)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%w: %v", classifier.ErrClassification, err)
	}
	return pl, nil
}

// buildPrompt assembles the catalog, optional session context, and the query.
func (c *Classifier) buildPrompt(query string, contextDocs []string) string {
	var b strings.Builder

	b.WriteString("Tool catalog:\n")
	catalog := c.catalog()
	for _, cat := range tool.Categories() {
		caps, ok := catalog[cat]
		if !ok || len(caps) == 0 {
			continue
		}
		fmt.Fprintf(&b, "category %s:\n", cat)
		for _, tc := range caps {
			fmt.Fprintf(&b, "  - %s: %s\n", tc.Name, tc.Description)
		}
	}

	if len(contextDocs) > 0 {
		b.WriteString("\nRecent session context, newest first:\n")
		for _, doc := range contextDocs {
			fmt.Fprintf(&b, "  - %s\n", doc)
		}
	}

	fmt.Fprintf(&b, "\nUser query: %s\n", query)
	return b.String()
}

// parsePlan decodes the model's JSON reply, tolerating markdown code fences.
func parsePlan(text string) (plan.Plan, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var pl plan.Plan
	if err := json.Unmarshal([]byte(text), &pl); err != nil {
		return plan.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := pl.Validate(); err != nil {
		return plan.Plan{}, err
	}
	return pl, nil
}
