// Package http exposes the orchestrator over a small JSON API: submit a
// query, inspect the live worker catalog, and stream events over WebSocket.
package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mafa-ai/mafa-core/internal/domain/query"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

const maxQueryLength = 1000

const maxBodyBytes = 64 << 10

// QueryRunner runs one query end to end.
type QueryRunner interface {
	HandleQuery(ctx context.Context, q *query.Query) (*query.Response, error)
}

// CatalogSource reports the configured categories and their live tool sets.
type CatalogSource interface {
	Categories() []tool.Category
	Catalog() map[tool.Category][]tool.Capability
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	dispatcher QueryRunner
	catalog    CatalogSource
}

// NewHandlers creates the handler set.
func NewHandlers(dispatcher QueryRunner, catalog CatalogSource) *Handlers {
	return &Handlers{dispatcher: dispatcher, catalog: catalog}
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// HandleQuery accepts a natural-language query and returns the aggregated
// response once every sub-invocation settles.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[queryRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, req.Query, "query") {
		return
	}
	if len(req.Query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "query exceeds maximum length")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	q := query.New(uuid.NewString(), req.SessionID, req.UserID, req.Query)
	resp, err := h.dispatcher.HandleQuery(r.Context(), q)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*query.Response
		SessionID string `json:"session_id"`
	}{Response: resp, SessionID: req.SessionID})
}

type serverInfo struct {
	Category  tool.Category     `json:"category"`
	Available bool              `json:"available"`
	Tools     []tool.Capability `json:"tools,omitempty"`
}

// ListServers reports each configured worker category and its advertised
// tool set. A category with no tools listed is currently unavailable.
func (h *Handlers) ListServers(w http.ResponseWriter, _ *http.Request) {
	catalog := h.catalog.Catalog()

	servers := make([]serverInfo, 0)
	for _, cat := range tool.Categories() {
		configured := false
		for _, c := range h.catalog.Categories() {
			if c == cat {
				configured = true
				break
			}
		}
		if !configured {
			continue
		}
		caps, available := catalog[cat]
		servers = append(servers, serverInfo{Category: cat, Available: available, Tools: caps})
	}

	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

// Health is the liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"categories": len(h.catalog.Categories()),
	})
}
