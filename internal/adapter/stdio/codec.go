// Package stdio implements the framed request/response protocol spoken with
// tool-provider subprocesses over their standard input/output. Frames are
// newline-delimited JSON-RPC 2.0 messages, the framing used by MCP stdio
// servers. Request IDs are carried verbatim in the JSON-RPC id field so
// responses can be matched out of order.
package stdio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// ErrMalformedFrame indicates a frame that cannot be parsed. The worker
// handle treats it as a crashed-worker signal rather than retrying the decode.
var ErrMalformedFrame = errors.New("malformed frame")

// maxFrameSize bounds a single frame read from a worker.
const maxFrameSize = 4 << 20

// Protocol methods spoken with workers.
const (
	methodInitialize = "initialize"
	methodListTools  = "tools/list"
	methodCallTool   = "tools/call"
	methodPing       = "ping"
	methodShutdown   = "shutdown"
)

// Frame is one JSON-RPC 2.0 message on the wire.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"` // empty for notifications
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the JSON-RPC 2.0 error object.
type FrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// callParams is the params shape of a tools/call request.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// EncodeRequest serializes a ToolRequest to a self-delimited frame. It does
// not fail for well-formed requests; the only errors are validation errors.
func EncodeRequest(req *tool.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	params, err := json.Marshal(callParams{Name: req.Tool, Arguments: req.Arguments})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: marshal arguments: %w", req.ID, err)
	}

	data, err := json.Marshal(Frame{
		JSONRPC: "2.0",
		ID:      req.ID,
		Method:  methodCallTool,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", req.ID, err)
	}

	return append(data, '\n'), nil
}

// DecodeResult parses one frame into a ToolResult. It returns an error
// wrapping ErrMalformedFrame when the frame is not a valid response.
func DecodeResult(data []byte) (*tool.Result, error) {
	frame, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}
	return frameToResult(frame)
}

// decodeFrame parses raw bytes into a Frame.
func decodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(bytes.TrimSpace(data), &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.JSONRPC != "2.0" {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrMalformedFrame, frame.JSONRPC)
	}
	return &frame, nil
}

// frameToResult converts a response frame to a ToolResult. The request ID is
// preserved verbatim from the id field.
func frameToResult(frame *Frame) (*tool.Result, error) {
	if frame.ID == "" {
		return nil, fmt.Errorf("%w: response without id", ErrMalformedFrame)
	}
	if frame.Error == nil && frame.Result == nil {
		return nil, fmt.Errorf("%w: response with neither result nor error", ErrMalformedFrame)
	}

	res := &tool.Result{
		ID:          frame.ID,
		CompletedAt: time.Now().UTC(),
	}
	if frame.Error != nil {
		res.Status = tool.StatusError
		res.Err = tool.NewError(tool.KindToolError, "%s", frame.Error.Message)
		return res, nil
	}
	res.Status = tool.StatusOK
	res.Payload = frame.Result
	return res, nil
}

// Conn frames and deframes messages on a byte stream shared with a
// subprocess. Writes are serialized; reads happen from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // protects writes
}

// NewConn wraps the subprocess's stdio stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// WriteFrame marshals and writes one frame followed by a newline.
func (c *Conn) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.rwc.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteRaw writes an already-encoded frame.
func (c *Conn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until one full frame is available, the stream ends, or a
// malformed frame is encountered.
func (c *Conn) ReadFrame() (*Frame, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 && errors.Is(err, io.EOF) {
				// Partial trailing line: attempt a final decode.
				return decodeFrame(line)
			}
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue // tolerate blank lines between frames
		}
		return decodeFrame(line)
	}
}

// readLine accumulates one newline-terminated line, enforcing maxFrameSize
// as bytes arrive so a worker streaming without a delimiter cannot grow
// memory unboundedly.
func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, maxFrameSize)
		}
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
