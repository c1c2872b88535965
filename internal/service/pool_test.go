package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mafa-ai/mafa-core/internal/config"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/port/worker"
)

// fakeHandle is a scriptable pool handle.
type fakeHandle struct {
	category tool.Category
	startErr error
	onCrash  func(tool.Category)

	mu    sync.Mutex
	state worker.State
	stops int
}

func (f *fakeHandle) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = worker.StateCrashed
		return f.startErr
	}
	f.state = worker.StateReady
	return nil
}

func (f *fakeHandle) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = worker.StateStopped
	f.stops++
	return nil
}

func (f *fakeHandle) State() worker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeHandle) Call(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (*tool.Result, error) {
	return &tool.Result{ID: "fake", Status: tool.StatusOK}, nil
}

func (f *fakeHandle) Category() tool.Category { return f.category }

func (f *fakeHandle) Capabilities() []tool.Capability {
	return []tool.Capability{{Name: "fake_tool", Description: "test tool"}}
}

// crash simulates the subprocess dying.
func (f *fakeHandle) crash() {
	f.mu.Lock()
	f.state = worker.StateCrashed
	cb := f.onCrash
	f.mu.Unlock()
	if cb != nil {
		cb(f.category)
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	startErr map[tool.Category]error // error for the next Start per category
	failWhen func(attempt int32) bool
	made     int32
	handles  []*fakeHandle
}

func (ff *fakeFactory) build(category tool.Category, w config.Worker, pool config.Pool, onCrash func(tool.Category)) Handle {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	n := atomic.AddInt32(&ff.made, 1)
	h := &fakeHandle{category: category, onCrash: onCrash}
	if err, ok := ff.startErr[category]; ok {
		h.startErr = err
	}
	if ff.failWhen != nil && ff.failWhen(n) {
		h.startErr = errors.New("spawn failed")
	}
	ff.handles = append(ff.handles, h)
	return h
}

func (ff *fakeFactory) last() *fakeHandle {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.handles[len(ff.handles)-1]
}

func testPoolConfig() config.Pool {
	return config.Pool{
		StartupTimeout:     time.Second,
		ShutdownGrace:      time.Second,
		ProbeTimeout:       100 * time.Millisecond,
		RestartMaxAttempts: 3,
		RestartBaseBackoff: time.Millisecond,
		RestartMaxBackoff:  5 * time.Millisecond,
	}
}

func testWorkers() map[string]config.Worker {
	return map[string]config.Worker{
		"market":   {Command: []string{"market-worker"}},
		"strategy": {Command: []string{"strategy-worker"}},
	}
}

func TestPoolStartAndGet(t *testing.T) {
	ff := &fakeFactory{}
	pool := NewPoolService(testPoolConfig(), testWorkers(), ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Shutdown(context.Background())

	caller, err := pool.Get(tool.CategoryMarket)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if caller.Category() != tool.CategoryMarket {
		t.Errorf("category = %s", caller.Category())
	}

	if _, err := pool.Get(tool.CategoryPortfolio); !errors.Is(err, worker.ErrCategoryUnavailable) {
		t.Errorf("unconfigured category err = %v, want ErrCategoryUnavailable", err)
	}
}

func TestPoolRejectsUnknownCategory(t *testing.T) {
	ff := &fakeFactory{}
	pool := NewPoolService(testPoolConfig(), map[string]config.Worker{
		"weather": {Command: []string{"weather-worker"}},
	}, ff.build)
	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestPoolPartialStartup(t *testing.T) {
	ff := &fakeFactory{startErr: map[tool.Category]error{
		tool.CategoryStrategy: errors.New("bad command"),
	}}
	pool := NewPoolService(testPoolConfig(), testWorkers(), ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start with one failing category: %v", err)
	}
	defer pool.Shutdown(context.Background())

	if _, err := pool.Get(tool.CategoryMarket); err != nil {
		t.Errorf("healthy category: %v", err)
	}
	if _, err := pool.Get(tool.CategoryStrategy); !errors.Is(err, worker.ErrCategoryUnavailable) {
		t.Errorf("failed category err = %v, want ErrCategoryUnavailable", err)
	}
}

func TestPoolRestartAfterCrash(t *testing.T) {
	ff := &fakeFactory{}
	pool := NewPoolService(testPoolConfig(), map[string]config.Worker{
		"market": {Command: []string{"market-worker"}},
	}, ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Shutdown(context.Background())

	ff.last().crash()

	deadline := time.After(2 * time.Second)
	for {
		if caller, err := pool.Get(tool.CategoryMarket); err == nil && caller != nil {
			if ff.last().State() == worker.StateReady {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("worker was not restarted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolDisablesAfterRestartBudget(t *testing.T) {
	ff := &fakeFactory{failWhen: func(n int32) bool { return n > 1 }} // every restart fails
	pool := NewPoolService(testPoolConfig(), map[string]config.Worker{
		"market": {Command: []string{"market-worker"}},
	}, ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Shutdown(context.Background())

	ff.handles[0].crash()

	deadline := time.After(2 * time.Second)
	for {
		_, err := pool.Get(tool.CategoryMarket)
		if err != nil && errors.Is(err, worker.ErrCategoryUnavailable) {
			// Disabled only once the budget is spent.
			if atomic.LoadInt32(&ff.made) == 1+int32(testPoolConfig().RestartMaxAttempts) {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("category not disabled; %d handles made", atomic.LoadInt32(&ff.made))
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Reset clears the budget and starts fresh.
	ff.mu.Lock()
	ff.failWhen = nil
	ff.mu.Unlock()
	if err := pool.Reset(context.Background(), tool.CategoryMarket); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := pool.Get(tool.CategoryMarket); err != nil {
		t.Errorf("Get after Reset: %v", err)
	}
}

func TestPoolCatalog(t *testing.T) {
	ff := &fakeFactory{}
	pool := NewPoolService(testPoolConfig(), testWorkers(), ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Shutdown(context.Background())

	catalog := pool.Catalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog has %d categories, want 2", len(catalog))
	}
	if caps := catalog[tool.CategoryMarket]; len(caps) != 1 || caps[0].Name != "fake_tool" {
		t.Errorf("market catalog = %+v", caps)
	}
}

func TestPoolShutdownStopsWorkers(t *testing.T) {
	ff := &fakeFactory{}
	pool := NewPoolService(testPoolConfig(), testWorkers(), ff.build)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pool.Shutdown(context.Background())

	for _, h := range ff.handles {
		if h.State() != worker.StateStopped {
			t.Errorf("category %s state = %s, want stopped", h.category, h.State())
		}
	}
	if _, err := pool.Get(tool.CategoryMarket); !errors.Is(err, worker.ErrCategoryUnavailable) {
		t.Errorf("Get after shutdown = %v, want ErrCategoryUnavailable", err)
	}
}
