package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mafa-ai/mafa-core/internal/config"
	"github.com/mafa-ai/mafa-core/internal/domain/event"
	"github.com/mafa-ai/mafa-core/internal/domain/plan"
	"github.com/mafa-ai/mafa-core/internal/domain/query"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/port/cache"
	"github.com/mafa-ai/mafa-core/internal/port/classifier"
	"github.com/mafa-ai/mafa-core/internal/port/eventbus"
	"github.com/mafa-ai/mafa-core/internal/port/memory"
	"github.com/mafa-ai/mafa-core/internal/port/worker"
)

// DispatcherService drives a query through its lifecycle: classify the
// intent, fan sub-invocations out to category workers, and aggregate one
// ordered response. Partial failures degrade the answer instead of failing
// the whole query.
type DispatcherService struct {
	cfg        config.Dispatcher
	memCfg     config.Memory
	contextTTL time.Duration

	registry   worker.Registry
	bus        eventbus.Bus
	classifier classifier.Classifier
	memory     memory.Store // nil disables memory enrichment
	cache      cache.Cache  // nil disables context caching
}

// NewDispatcherService wires the dispatcher. memory and ctxCache may be nil;
// the dispatcher then runs without session context enrichment.
func NewDispatcherService(
	cfg config.Dispatcher,
	memCfg config.Memory,
	cacheCfg config.Cache,
	registry worker.Registry,
	bus eventbus.Bus,
	cls classifier.Classifier,
	mem memory.Store,
	ctxCache cache.Cache,
) *DispatcherService {
	return &DispatcherService{
		cfg:        cfg,
		memCfg:     memCfg,
		contextTTL: cacheCfg.ContextTTL,
		registry:   registry,
		bus:        bus,
		classifier: cls,
		memory:     mem,
		cache:      ctxCache,
	}
}

// queryPayload is the mcp.query event body.
type queryPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
}

// entryPayload is the body for per-entry lifecycle events.
type entryPayload struct {
	Entry int             `json:"entry"`
	Tool  string          `json:"tool"`
	Args  map[string]any  `json:"args,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HandleQuery runs one query end to end and returns the aggregated response.
// The only error return is a broken state machine; every tool-level failure
// is reported inside the response instead.
func (s *DispatcherService) HandleQuery(ctx context.Context, q *query.Query) (*query.Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryBudget)
	defer cancel()

	s.publish(ctx, event.TopicMCPQuery, q.ID, queryPayload{
		SessionID: q.SessionID, UserID: q.UserID, Query: q.Text,
	})

	if err := q.Advance(query.StateClassifying); err != nil {
		return nil, err
	}
	pl, warning := s.classify(ctx, q)

	if err := q.Advance(query.StateDispatching); err != nil {
		return nil, err
	}

	resp := &query.Response{QueryID: q.ID, Warning: warning}
	if pl.Empty() {
		// Nothing actionable: the state machine still walks every phase.
		s.publish(ctx, event.TopicQueryNoAction, q.ID, queryPayload{
			SessionID: q.SessionID, UserID: q.UserID, Query: q.Text,
		})
		if err := q.Advance(query.StateAggregating); err != nil {
			return nil, err
		}
		if err := q.Advance(query.StateCompleted); err != nil {
			return nil, err
		}
		slog.Info("query completed with no action", "query_id", q.ID, "elapsed", time.Since(start))
		return resp, nil
	}

	results, cancelled := s.dispatch(ctx, q, pl)

	if err := q.Advance(query.StateAggregating); err != nil {
		return nil, err
	}
	resp.Results = results
	if warn := aggregateWarning(results); warn != "" {
		if resp.Warning != "" {
			resp.Warning += "; " + warn
		} else {
			resp.Warning = warn
		}
	}

	// Terminal event. Bus publishing needs a live context even after the
	// budget expired.
	pubCtx := context.WithoutCancel(ctx)
	switch {
	case cancelled:
		s.publish(pubCtx, event.TopicQueryCancelled, q.ID, queryPayload{
			SessionID: q.SessionID, UserID: q.UserID, Query: q.Text,
		})
	case resp.AllFailed():
		s.publish(pubCtx, event.TopicMCPErrors, q.ID, resp)
	default:
		s.publish(pubCtx, event.TopicMCPResults, q.ID, resp)
	}

	if err := q.Advance(query.StateCompleted); err != nil {
		return nil, err
	}
	s.persist(pubCtx, q, resp)

	slog.Info("query completed",
		"query_id", q.ID,
		"entries", len(results),
		"failed", countFailed(results),
		"cancelled", cancelled,
		"elapsed", time.Since(start))
	return resp, nil
}

// classify enriches the query with session context and asks the classifier
// for a plan. A classifier failure yields an empty plan and a warning; the
// query still completes.
func (s *DispatcherService) classify(ctx context.Context, q *query.Query) (plan.Plan, string) {
	docs := s.contextDocs(ctx, q)

	pl, err := s.classifier.Classify(ctx, q.Text, docs)
	if err != nil {
		slog.Warn("classification failed", "query_id", q.ID, "error", err)
		return plan.Plan{}, fmt.Sprintf("classification failed: %v", err)
	}
	if err := pl.Validate(); err != nil {
		slog.Warn("classifier produced invalid plan", "query_id", q.ID, "error", err)
		return plan.Plan{}, fmt.Sprintf("classification produced an invalid plan: %v", err)
	}
	return pl, ""
}

// contextDocs fetches recent session memory, going through the cache first.
// Any failure degrades to no context.
func (s *DispatcherService) contextDocs(ctx context.Context, q *query.Query) []string {
	if s.memory == nil || q.SessionID == "" {
		return nil
	}

	key := "memctx:" + q.SessionID
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var docs []string
			if err := json.Unmarshal(raw, &docs); err == nil {
				return docs
			}
		}
	}

	records, err := s.memory.Query(ctx, q.SessionID, q.Text, s.memCfg.TopK)
	if err != nil {
		slog.Warn("memory lookup failed, continuing without context",
			"query_id", q.ID, "session_id", q.SessionID, "error", err)
		return nil
	}
	docs := make([]string, 0, len(records))
	for _, rec := range records {
		docs = append(docs, rec.Content)
	}

	if s.cache != nil && len(docs) > 0 {
		if raw, err := json.Marshal(docs); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.contextTTL)
		}
	}
	return docs
}

// dispatch runs every plan entry, at most max_in_flight concurrently, and
// returns results in plan-entry order. cancelled reports whether the caller
// cancelled mid-dispatch.
func (s *DispatcherService) dispatch(ctx context.Context, q *query.Query, pl plan.Plan) ([]query.EntryResult, bool) {
	sem := semaphore.NewWeighted(int64(s.cfg.MaxInFlight))
	results := make([]query.EntryResult, len(pl.Entries))

	var wg sync.WaitGroup
	for i, entry := range pl.Entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Caller cancelled or budget expired while waiting for a slot;
			// the remaining entries never run.
			for j := i; j < len(pl.Entries); j++ {
				results[j] = cancelledResult(j, pl.Entries[j], ctx.Err())
			}
			break
		}
		wg.Add(1)
		go func(i int, entry plan.Entry) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.runEntry(ctx, q, i, entry)
		}(i, entry)
	}
	wg.Wait()

	cancelled := errors.Is(ctx.Err(), context.Canceled)
	return results, cancelled
}

// runEntry performs one sub-invocation and publishes its lifecycle events.
func (s *DispatcherService) runEntry(ctx context.Context, q *query.Query, idx int, entry plan.Entry) query.EntryResult {
	s.publish(ctx, event.Lifecycle(entry.Category, event.PhaseStarted), q.ID, entryPayload{
		Entry: idx, Tool: entry.Tool, Args: entry.Arguments,
	})

	caller, err := s.registry.Get(entry.Category)
	if err != nil {
		res := query.EntryResult{
			Entry:    idx,
			Category: entry.Category,
			Tool:     entry.Tool,
			Status:   tool.StatusError,
			Err:      tool.NewError(tool.KindCategoryUnavailable, "%v", err),
		}
		s.publishEntryError(ctx, q.ID, res)
		return res
	}

	toolRes, err := caller.Call(ctx, entry.Tool, entry.Arguments, s.cfg.CallTimeout)
	if err != nil {
		// The call was never issued or the caller cancelled the wait.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res := cancelledResult(idx, entry, err)
			s.publishEntryError(ctx, q.ID, res)
			return res
		}
		res := query.EntryResult{
			Entry:    idx,
			Category: entry.Category,
			Tool:     entry.Tool,
			Status:   tool.StatusError,
			Err:      tool.NewError(tool.KindCategoryUnavailable, "%v", err),
		}
		s.publishEntryError(ctx, q.ID, res)
		return res
	}

	res := query.EntryResult{
		Entry:    idx,
		Category: entry.Category,
		Tool:     entry.Tool,
		Status:   toolRes.Status,
		Payload:  toolRes.Payload,
		Err:      toolRes.Err,
	}
	if res.Status == tool.StatusOK {
		s.publish(ctx, event.Lifecycle(entry.Category, event.PhaseResults), q.ID, entryPayload{
			Entry: idx, Tool: entry.Tool, Data: toolRes.Payload,
		})
	} else {
		s.publishEntryError(ctx, q.ID, res)
	}
	return res
}

func (s *DispatcherService) publishEntryError(ctx context.Context, queryID string, res query.EntryResult) {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	s.publish(context.WithoutCancel(ctx), event.Lifecycle(res.Category, event.PhaseErrors), queryID, entryPayload{
		Entry: res.Entry, Tool: res.Tool, Error: msg,
	})
}

// publish is best-effort: a full or failing bus must never fail the query.
func (s *DispatcherService) publish(ctx context.Context, topic event.Topic, correlationID string, payload any) {
	if err := s.bus.Publish(ctx, topic, correlationID, payload); err != nil {
		slog.Warn("event publish failed", "topic", topic, "correlation_id", correlationID, "error", err)
	}
}

// persist stores the exchange in session memory, best-effort.
func (s *DispatcherService) persist(ctx context.Context, q *query.Query, resp *query.Response) {
	if s.memory == nil || q.SessionID == "" {
		return
	}

	summary, err := json.Marshal(resp.Results)
	if err != nil {
		return
	}
	rec := memory.Record{
		SessionID: q.SessionID,
		Agent:     "dispatcher",
		Content:   fmt.Sprintf("user: %s\nresults: %s", q.Text, summary),
		Metadata:  map[string]string{"query_id": q.ID},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.memory.Put(ctx, rec); err != nil {
		slog.Warn("memory persist failed", "query_id", q.ID, "error", err)
	}

	if s.cache != nil {
		// The cached context is stale once a new turn lands.
		_ = s.cache.Delete(ctx, "memctx:"+q.SessionID)
	}
}

func cancelledResult(idx int, entry plan.Entry, cause error) query.EntryResult {
	kind := tool.KindCancelledByCaller
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = tool.KindTimeout
	}
	return query.EntryResult{
		Entry:    idx,
		Category: entry.Category,
		Tool:     entry.Tool,
		Status:   tool.StatusError,
		Err:      tool.NewError(kind, "entry %d (%s/%s): %v", idx, entry.Category, entry.Tool, cause),
	}
}

func aggregateWarning(results []query.EntryResult) string {
	failed := countFailed(results)
	if failed == 0 || failed == len(results) {
		return ""
	}
	return fmt.Sprintf("%d of %d sub-invocations failed", failed, len(results))
}

func countFailed(results []query.EntryResult) int {
	n := 0
	for _, r := range results {
		if r.Status != tool.StatusOK {
			n++
		}
	}
	return n
}
