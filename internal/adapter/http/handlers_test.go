package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mafa-ai/mafa-core/internal/adapter/ws"
	"github.com/mafa-ai/mafa-core/internal/domain/query"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

type fakeRunner struct {
	lastQuery *query.Query
	resp      *query.Response
	err       error
}

func (f *fakeRunner) HandleQuery(ctx context.Context, q *query.Query) (*query.Response, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.QueryID = q.ID
	return &resp, nil
}

type fakeCatalog struct {
	catalog map[tool.Category][]tool.Capability
}

func (f *fakeCatalog) Categories() []tool.Category {
	cats := make([]tool.Category, 0, len(f.catalog))
	for c := range f.catalog {
		cats = append(cats, c)
	}
	return cats
}

func (f *fakeCatalog) Catalog() map[tool.Category][]tool.Capability {
	out := make(map[tool.Category][]tool.Capability)
	for c, caps := range f.catalog {
		if caps != nil {
			out[c] = caps
		}
	}
	return out
}

func newTestRouter(runner *fakeRunner, catalog *fakeCatalog) http.Handler {
	return NewRouter(NewHandlers(runner, catalog), ws.NewHub(), "*", "", nil)
}

func TestHandleQueryOK(t *testing.T) {
	runner := &fakeRunner{resp: &query.Response{
		Results: []query.EntryResult{{
			Entry:    0,
			Category: tool.CategoryMarket,
			Tool:     "get_stock_price",
			Status:   tool.StatusOK,
			Payload:  json.RawMessage(`{"price":185.23}`),
		}},
	}}
	router := newTestRouter(runner, &fakeCatalog{})

	body := `{"query":"What is the price of AAPL?","session_id":"sess-1","user_id":"u-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mcp/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		QueryID   string              `json:"query_id"`
		SessionID string              `json:"session_id"`
		Results   []query.EntryResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess-1" {
		t.Errorf("session_id = %q", resp.SessionID)
	}
	if resp.QueryID == "" {
		t.Error("query_id not assigned")
	}
	if len(resp.Results) != 1 || resp.Results[0].Tool != "get_stock_price" {
		t.Errorf("results = %+v", resp.Results)
	}

	if runner.lastQuery.Text != "What is the price of AAPL?" {
		t.Errorf("query text = %q", runner.lastQuery.Text)
	}
}

func TestHandleQueryGeneratesSessionID(t *testing.T) {
	runner := &fakeRunner{resp: &query.Response{}}
	router := newTestRouter(runner, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mcp/query", strings.NewReader(`{"query":"hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" {
		t.Error("session_id not generated")
	}
}

func TestHandleQueryValidation(t *testing.T) {
	router := newTestRouter(&fakeRunner{resp: &query.Response{}}, &fakeCatalog{})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing query", `{"session_id":"s"}`, http.StatusBadRequest},
		{"empty query", `{"query":""}`, http.StatusBadRequest},
		{"not json", `price of AAPL`, http.StatusBadRequest},
		{"too long", `{"query":"` + strings.Repeat("a", maxQueryLength+1) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/mcp/query", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestListServers(t *testing.T) {
	catalog := &fakeCatalog{catalog: map[tool.Category][]tool.Capability{
		tool.CategoryMarket: {
			{Name: "get_stock_price", Description: "Current price"},
		},
		tool.CategoryStrategy: nil, // configured but currently unavailable
	}}
	router := newTestRouter(&fakeRunner{resp: &query.Response{}}, catalog)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mcp/servers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Servers []serverInfo `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Servers) != 2 {
		t.Fatalf("servers = %+v", resp.Servers)
	}
	byCat := map[tool.Category]serverInfo{}
	for _, s := range resp.Servers {
		byCat[s.Category] = s
	}
	if !byCat[tool.CategoryMarket].Available || len(byCat[tool.CategoryMarket].Tools) != 1 {
		t.Errorf("market = %+v", byCat[tool.CategoryMarket])
	}
	if byCat[tool.CategoryStrategy].Available {
		t.Errorf("strategy should be unavailable: %+v", byCat[tool.CategoryStrategy])
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeRunner{resp: &query.Response{}}, &fakeCatalog{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
