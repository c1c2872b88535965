package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mafa-ai/mafa-core/internal/config"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/port/worker"
)

// Handle owns exactly one tool-provider subprocess and mediates all
// communication with it. The owning pool is the only caller of Start/Stop;
// the dispatcher only ever sees Call.
type Handle struct {
	category tool.Category
	command  []string
	env      []string
	pool     config.Pool

	mu        sync.Mutex
	state     worker.State
	cmd       *exec.Cmd
	conn      *Conn
	caps      []tool.Capability
	pipelined bool
	started   bool // handshake completed; gates crash escalation to the pool

	pendMu  sync.Mutex
	pending map[string]chan *tool.Result

	// callMu serializes calls unless the worker advertised pipelining in its
	// initialize result. Serializing is the safe default for workers that
	// answer strictly one request at a time.
	callMu sync.Mutex

	done    chan struct{} // closed when readLoop exits
	onCrash func(tool.Category)
}

// initializeResult is the worker's answer to the initialize handshake.
type initializeResult struct {
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities struct {
		Pipelining bool `json:"pipelining"`
	} `json:"capabilities"`
}

// listToolsResult is the worker's answer to tools/list.
type listToolsResult struct {
	Tools []tool.Capability `json:"tools"`
}

// NewHandle creates a handle for the given category. The subprocess is not
// spawned until Start.
func NewHandle(category tool.Category, w config.Worker, pool config.Pool, onCrash func(tool.Category)) *Handle {
	return &Handle{
		category: category,
		command:  w.Command,
		env:      w.Env,
		pool:     pool,
		state:    worker.StateStopped,
		pending:  make(map[string]chan *tool.Result),
		done:     make(chan struct{}),
		onCrash:  onCrash,
	}
}

// Category returns the worker category this handle serves.
func (h *Handle) Category() tool.Category { return h.category }

// State returns the current lifecycle state.
func (h *Handle) State() worker.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Capabilities returns the tool set advertised during the startup handshake.
// The set is queried once and cached for the lifetime of the handle.
func (h *Handle) Capabilities() []tool.Capability {
	h.mu.Lock()
	defer h.mu.Unlock()
	caps := make([]tool.Capability, len(h.caps))
	copy(caps, h.caps)
	return caps
}

// PID returns the subprocess PID, or 0 when not running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// Start spawns the subprocess and performs the readiness handshake: an
// initialize call followed by tools/list, both within the startup timeout.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state == worker.StateReady || h.state == worker.StateStarting {
		h.mu.Unlock()
		return nil
	}
	h.state = worker.StateStarting

	if len(h.command) == 0 {
		h.state = worker.StateCrashed
		h.mu.Unlock()
		return tool.NewError(tool.KindWorkerStartup, "category %s: no command configured", h.category)
	}

	cmd := exec.Command(h.command[0], h.command[1:]...) //nolint:gosec // command from trusted config
	cmd.Env = append(os.Environ(), h.env...)
	cmd.Stderr = os.Stderr // worker stderr passes through for debugging

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.state = worker.StateCrashed
		h.mu.Unlock()
		return tool.NewError(tool.KindWorkerStartup, "category %s: stdin pipe: %v", h.category, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.state = worker.StateCrashed
		h.mu.Unlock()
		return tool.NewError(tool.KindWorkerStartup, "category %s: stdout pipe: %v", h.category, err)
	}

	if err := cmd.Start(); err != nil {
		h.state = worker.StateCrashed
		h.mu.Unlock()
		return tool.NewError(tool.KindWorkerStartup, "category %s: start process: %v", h.category, err)
	}

	conn := NewConn(stdioPipe{stdin: stdin, stdout: stdout})
	h.cmd = cmd
	h.conn = conn
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.readLoop(conn)

	if err := h.handshake(ctx); err != nil {
		h.mu.Lock()
		h.state = worker.StateCrashed
		h.mu.Unlock()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return err
	}

	h.mu.Lock()
	h.state = worker.StateReady
	h.started = true
	pid := cmd.Process.Pid
	h.mu.Unlock()

	slog.Info("worker started", "category", h.category, "pid", pid, "tools", len(h.Capabilities()))
	return nil
}

// handshake performs initialize + tools/list within the startup timeout and
// caches the advertised capability set.
func (h *Handle) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.pool.StartupTimeout)
	defer cancel()

	raw, err := h.roundTrip(ctx, methodInitialize, map[string]any{
		"client": map[string]string{"name": "mafa-core"},
	})
	if err != nil {
		return tool.NewError(tool.KindWorkerStartup, "category %s: initialize: %v", h.category, err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return tool.NewError(tool.KindWorkerStartup, "category %s: initialize result: %v", h.category, err)
	}

	raw, err = h.roundTrip(ctx, methodListTools, nil)
	if err != nil {
		return tool.NewError(tool.KindWorkerStartup, "category %s: tools/list: %v", h.category, err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return tool.NewError(tool.KindWorkerStartup, "category %s: tools/list result: %v", h.category, err)
	}

	h.mu.Lock()
	h.caps = list.Tools
	h.pipelined = init.Capabilities.Pipelining
	h.mu.Unlock()
	return nil
}

// Call sends a ToolRequest and blocks the calling goroutine until a matching
// ToolResult arrives or timeout elapses. On timeout it returns a synthetic
// Timeout result; the handle transitions to crashed only if a subsequent
// liveness probe also fails.
func (h *Handle) Call(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (*tool.Result, error) {
	h.mu.Lock()
	if h.state != worker.StateReady && h.state != worker.StateBusy {
		state := h.state
		h.mu.Unlock()
		return nil, fmt.Errorf("category %s: worker is %s: %w", h.category, state, worker.ErrCategoryUnavailable)
	}
	pipelined := h.pipelined
	conn := h.conn
	h.mu.Unlock()

	if !pipelined {
		h.callMu.Lock()
		defer h.callMu.Unlock()
		h.setState(worker.StateBusy, worker.StateReady)
		defer h.setState(worker.StateReady, worker.StateBusy)
	}

	req := &tool.Request{
		ID:        uuid.NewString(),
		Tool:      toolName,
		Arguments: args,
		IssuedAt:  time.Now().UTC(),
	}
	frame, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *tool.Result, 1)
	h.addPending(req.ID, ch)
	defer h.removePending(req.ID)

	if err := conn.WriteRaw(frame); err != nil {
		h.crash(fmt.Sprintf("write failed: %v", err))
		return tool.ErrorResult(req.ID, tool.KindWorkerCrashed, "category %s: %v", h.category, err), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		// Stop waiting. If the worker still answers pings it stays ready and
		// simply lost this one call; an unresponsive worker is crashed.
		if !h.probe() {
			h.crash("liveness probe failed after call timeout")
		}
		return tool.ErrorResult(req.ID, tool.KindTimeout,
			"category %s: tool %s exceeded %s", h.category, toolName, timeout), nil
	case <-ctx.Done():
		// Caller cancelled: stop waiting, never the worker. A late response
		// arrives with an unrecognized id and is logged and discarded.
		return nil, ctx.Err()
	case <-h.done:
		return tool.ErrorResult(req.ID, tool.KindWorkerCrashed,
			"category %s: worker exited mid-call", h.category), nil
	}
}

// Stop requests graceful termination, waits the grace period, then
// force-terminates. It is idempotent.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == worker.StateStopped {
		h.mu.Unlock()
		return nil
	}
	h.state = worker.StateStopped
	conn := h.conn
	cmd := h.cmd
	done := h.done
	h.conn = nil
	h.cmd = nil
	h.mu.Unlock()

	h.failPending(tool.KindWorkerCrashed, "worker stopped")

	if conn != nil {
		_ = conn.WriteFrame(&Frame{JSONRPC: "2.0", Method: methodShutdown}) // best-effort notification
		_ = conn.Close()
	}

	if cmd != nil && cmd.Process != nil {
		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		grace := h.pool.ShutdownGrace
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			slog.Warn("worker did not exit in grace period, killing", "category", h.category)
			_ = cmd.Process.Kill()
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		}
	}

	if done != nil {
		<-done
	}
	slog.Info("worker stopped", "category", h.category)
	return nil
}

// probe sends a ping and waits up to the probe timeout for any response.
func (h *Handle) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.pool.ProbeTimeout)
	defer cancel()
	_, err := h.roundTrip(ctx, methodPing, nil)
	return err == nil
}

// roundTrip issues one protocol-level request (initialize, tools/list, ping)
// and waits for its response.
func (h *Handle) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	frame := &Frame{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame.Params = raw
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, errors.New("connection closed")
	}

	ch := make(chan *tool.Result, 1)
	h.addPending(id, ch)
	defer h.removePending(id)

	if err := conn.WriteFrame(frame); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Status == tool.StatusError {
			return nil, res.Err
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, errors.New("connection closed")
	}
}

// readLoop continuously reads frames from the worker and dispatches responses
// to pending callers. Any read or decode failure is a crash signal.
func (h *Handle) readLoop(conn *Conn) {
	defer close(h.done)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if h.State() == worker.StateStopped {
				return // normal shutdown
			}
			if errors.Is(err, ErrMalformedFrame) {
				h.crash(fmt.Sprintf("malformed frame: %v", err))
			} else {
				h.crash(fmt.Sprintf("worker stream closed: %v", err))
			}
			return
		}

		res, err := frameToResult(frame)
		if err != nil {
			h.crash(fmt.Sprintf("malformed response: %v", err))
			return
		}

		h.pendMu.Lock()
		ch, ok := h.pending[res.ID]
		h.pendMu.Unlock()
		if !ok {
			// Stale or duplicate result: a protocol violation. Log and
			// discard without disturbing the pipeline.
			slog.Warn("discarding result with unrecognized request id",
				"category", h.category, "request_id", res.ID)
			continue
		}
		ch <- res
	}
}

// crash transitions the handle to crashed, invalidates all pending requests
// with synthetic WorkerCrashed results, and signals the owning pool.
func (h *Handle) crash(reason string) {
	h.mu.Lock()
	if h.state == worker.StateCrashed || h.state == worker.StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = worker.StateCrashed
	started := h.started
	conn := h.conn
	cmd := h.cmd
	h.mu.Unlock()

	slog.Error("worker crashed", "category", h.category, "reason", reason)

	h.failPending(tool.KindWorkerCrashed, reason)

	if conn != nil {
		_ = conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
	}

	// A crash before the handshake completes is already reported through
	// Start's error return; escalating it to the pool as well would count
	// the same failure against the restart budget twice.
	if started && h.onCrash != nil {
		go h.onCrash(h.category)
	}
}

// failPending delivers a synthetic error result to every pending request.
func (h *Handle) failPending(kind tool.ErrorKind, reason string) {
	h.pendMu.Lock()
	defer h.pendMu.Unlock()
	for id, ch := range h.pending {
		select {
		case ch <- tool.ErrorResult(id, kind, "category %s: %s", h.category, reason):
		default:
		}
		delete(h.pending, id)
	}
}

func (h *Handle) addPending(id string, ch chan *tool.Result) {
	h.pendMu.Lock()
	h.pending[id] = ch
	h.pendMu.Unlock()
}

func (h *Handle) removePending(id string) {
	h.pendMu.Lock()
	delete(h.pending, id)
	h.pendMu.Unlock()
}

// setState moves from one state to another if the current state matches.
func (h *Handle) setState(to, from worker.State) {
	h.mu.Lock()
	if h.state == from {
		h.state = to
	}
	h.mu.Unlock()
}

// attach wires an existing connection into the handle and starts the read
// loop without spawning a process. Used by tests with in-memory pipes.
func (h *Handle) attach(conn *Conn) {
	h.mu.Lock()
	h.conn = conn
	h.state = worker.StateStarting
	h.done = make(chan struct{})
	h.mu.Unlock()
	go h.readLoop(conn)
}

// markReady forces the ready state. Used by tests after a manual handshake.
func (h *Handle) markReady() {
	h.mu.Lock()
	h.state = worker.StateReady
	h.started = true
	h.mu.Unlock()
}

// stdioPipe combines the subprocess stdin (writer) and stdout (reader) into
// an io.ReadWriteCloser.
type stdioPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p stdioPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p stdioPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p stdioPipe) Close() error {
	_ = p.stdin.Close()
	return p.stdout.Close()
}
