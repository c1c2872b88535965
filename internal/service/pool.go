package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mafa-ai/mafa-core/internal/config"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/port/worker"
)

// Handle is the slice of a worker handle the pool manages. Satisfied by
// stdio.Handle; tests substitute fakes through the factory.
type Handle interface {
	worker.Caller
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() worker.State
}

// HandleFactory builds a handle for one category. The onCrash callback must
// be invoked exactly once per crash.
type HandleFactory func(category tool.Category, w config.Worker, pool config.Pool, onCrash func(tool.Category)) Handle

// PoolService owns one worker handle per configured category and supervises
// restarts. Crashed workers are restarted with exponential backoff up to
// restart_max_attempts; after that the category stays unavailable until
// Reset.
type PoolService struct {
	cfg     config.Pool
	workers map[string]config.Worker
	factory HandleFactory

	mu      sync.RWMutex
	entries map[tool.Category]*poolEntry

	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

type poolEntry struct {
	mu       sync.Mutex // serializes start/stop/restart for this category
	handle   Handle
	attempts int
	disabled bool // restart budget exhausted
}

// NewPoolService creates a pool over the configured worker commands. Handles
// are not spawned until Start.
func NewPoolService(cfg config.Pool, workers map[string]config.Worker, factory HandleFactory) *PoolService {
	return &PoolService{
		cfg:     cfg,
		workers: workers,
		factory: factory,
		entries: make(map[tool.Category]*poolEntry),
		closed:  make(chan struct{}),
	}
}

// Start spawns every configured worker. A category that fails to start is
// left unavailable; the rest of the pool still comes up.
func (s *PoolService) Start(ctx context.Context) error {
	s.mu.Lock()
	for name := range s.workers {
		cat := tool.Category(name)
		if !tool.ValidCategory(cat) {
			s.mu.Unlock()
			return fmt.Errorf("unknown worker category %q", name)
		}
		s.entries[cat] = &poolEntry{}
	}
	s.mu.Unlock()

	var started, failed int
	for cat := range s.entries {
		if err := s.startCategory(ctx, cat); err != nil {
			slog.Error("worker failed to start", "category", cat, "error", err)
			failed++
			continue
		}
		started++
	}
	slog.Info("worker pool started", "ready", started, "unavailable", failed)
	if started == 0 && failed > 0 {
		return fmt.Errorf("no worker category started (%d failed)", failed)
	}
	return nil
}

// Get returns the caller for a category, or ErrCategoryUnavailable when the
// category has no ready worker.
func (s *PoolService) Get(category tool.Category) (worker.Caller, error) {
	s.mu.RLock()
	entry, ok := s.entries[category]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("category %s not configured: %w", category, worker.ErrCategoryUnavailable)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.disabled {
		return nil, fmt.Errorf("category %s disabled after %d failed restarts: %w",
			category, entry.attempts, worker.ErrCategoryUnavailable)
	}
	h := entry.handle
	if h == nil {
		return nil, fmt.Errorf("category %s has no worker: %w", category, worker.ErrCategoryUnavailable)
	}
	switch h.State() {
	case worker.StateReady, worker.StateBusy:
		return h, nil
	default:
		return nil, fmt.Errorf("category %s worker is %s: %w", category, h.State(), worker.ErrCategoryUnavailable)
	}
}

// Categories lists the configured categories, available or not.
func (s *PoolService) Categories() []tool.Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cats := make([]tool.Category, 0, len(s.entries))
	for cat := range s.entries {
		cats = append(cats, cat)
	}
	return cats
}

// Catalog returns the advertised tool set per ready category.
func (s *PoolService) Catalog() map[tool.Category][]tool.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[tool.Category][]tool.Capability, len(s.entries))
	for cat, entry := range s.entries {
		entry.mu.Lock()
		if entry.handle != nil && !entry.disabled {
			out[cat] = entry.handle.Capabilities()
		}
		entry.mu.Unlock()
	}
	return out
}

// Reset clears the restart budget for a category and tries to start it again.
func (s *PoolService) Reset(ctx context.Context, category tool.Category) error {
	s.mu.RLock()
	entry, ok := s.entries[category]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("category %s not configured: %w", category, worker.ErrCategoryUnavailable)
	}

	entry.mu.Lock()
	entry.disabled = false
	entry.attempts = 0
	entry.mu.Unlock()

	return s.startCategory(ctx, category)
}

// Shutdown stops every worker and refuses further restarts.
func (s *PoolService) Shutdown(ctx context.Context) {
	s.closeMu.Do(func() { close(s.closed) })

	s.mu.RLock()
	entries := make([]*poolEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			e.mu.Lock()
			h := e.handle
			e.mu.Unlock()
			if h != nil {
				_ = h.Stop(ctx)
			}
		}(e)
	}
	wg.Wait()
	s.wg.Wait() // outstanding restart loops
	slog.Info("worker pool stopped")
}

// startCategory spawns (or replaces) the handle for one category.
func (s *PoolService) startCategory(ctx context.Context, category tool.Category) error {
	s.mu.RLock()
	entry := s.entries[category]
	s.mu.RUnlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.handle != nil {
		_ = entry.handle.Stop(ctx)
	}
	h := s.factory(category, s.workers[string(category)], s.cfg, s.onCrash)
	if err := h.Start(ctx); err != nil {
		entry.handle = nil
		return err
	}
	entry.handle = h
	entry.attempts = 0
	return nil
}

// onCrash runs the supervised restart loop for a crashed category.
func (s *PoolService) onCrash(category tool.Category) {
	select {
	case <-s.closed:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(category)
	}()
}

func (s *PoolService) restartLoop(category tool.Category) {
	s.mu.RLock()
	entry, ok := s.entries[category]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for {
		entry.mu.Lock()
		if entry.disabled {
			entry.mu.Unlock()
			return
		}
		if entry.attempts >= s.cfg.RestartMaxAttempts {
			entry.disabled = true
			attempts := entry.attempts
			entry.mu.Unlock()
			slog.Error("worker restart budget exhausted, category disabled",
				"category", category, "attempts", attempts)
			return
		}
		entry.attempts++
		attempt := entry.attempts
		entry.mu.Unlock()

		delay := s.backoff(attempt)
		slog.Warn("restarting crashed worker", "category", category, "attempt", attempt, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return
		}

		entry.mu.Lock()
		if entry.handle != nil {
			_ = entry.handle.Stop(context.Background())
		}
		h := s.factory(category, s.workers[string(category)], s.cfg, s.onCrash)
		err := h.Start(context.Background())
		if err == nil {
			entry.handle = h
			entry.attempts = 0
			entry.mu.Unlock()
			slog.Info("worker restarted", "category", category, "attempt", attempt)
			return
		}
		entry.handle = nil
		entry.mu.Unlock()
		slog.Error("worker restart failed", "category", category, "attempt", attempt, "error", err)
	}
}

// backoff doubles the base delay per attempt, capped at restart_max_backoff.
func (s *PoolService) backoff(attempt int) time.Duration {
	d := s.cfg.RestartBaseBackoff << (attempt - 1)
	if d > s.cfg.RestartMaxBackoff || d <= 0 {
		return s.cfg.RestartMaxBackoff
	}
	return d
}
