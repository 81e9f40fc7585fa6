// Package dap speaks the Debug Adapter Protocol to a debugpy subprocess
// over its stdio pipes. Client handles framing and request/response
// correlation; Adapter owns the subprocess and exposes typed operations.
package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	godap "github.com/google/go-dap"

	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/relayerr"
)

// EventHandler receives adapter events on the reader goroutine. Handlers
// must not block indefinitely and must not call back into Client.Do from
// the same goroutine.
type EventHandler func(event godap.EventMessage)

// RequestError is returned when the adapter answers a request with
// success=false.
type RequestError struct {
	Command string
	Message string
	Details map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dap request %q failed: %s", e.Command, e.Message)
}

type pendingResult struct {
	msg godap.ResponseMessage
	err error
}

// Client frames and correlates DAP messages on a duplex byte stream. One
// reader goroutine demultiplexes responses (delivered to waiters by
// request_seq) and events (dispatched to the handler).
type Client struct {
	r       *bufio.Reader
	w       io.Writer
	onEvent EventHandler

	// mu guards seq assignment and the pending map.
	mu      sync.Mutex
	seq     int
	pending map[int]chan pendingResult
	closed  bool

	// writeMu serializes whole-message writes so concurrent requests
	// cannot interleave and corrupt framing.
	writeMu sync.Mutex

	done    chan struct{}
	doneErr error
}

// NewClient creates a Client over the given stream. Call Start to begin
// reading.
func NewClient(r io.Reader, w io.Writer, onEvent EventHandler) *Client {
	return &Client{
		r:       bufio.NewReader(r),
		w:       w,
		onEvent: onEvent,
		pending: make(map[int]chan pendingResult),
		done:    make(chan struct{}),
	}
}

// Start launches the reader goroutine.
func (c *Client) Start() {
	go c.readLoop()
}

// Done is closed when the reader has exited (stream EOF, unrecoverable
// stream error, or Stop).
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the reader exited. Valid after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneErr
}

// Do sends req and waits for the matching response. The client assigns the
// sequence number. On success=false the error is a *RequestError; on
// deadline expiry the pending entry is removed, DEBUGPY_TIMEOUT is
// returned, and a late response is silently discarded.
func (c *Client) Do(ctx context.Context, req godap.RequestMessage, timeout time.Duration) (godap.ResponseMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "dap client is closed")
	}
	c.seq++
	seq := c.seq
	r := req.GetRequest()
	r.Seq = seq
	r.Type = "request"
	ch := make(chan pendingResult, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.removePending(seq)
		return nil, relayerr.Wrap(relayerr.KindDAPConnectionError, err, "write %s request", r.Command)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		resp := res.msg.GetResponse()
		if !resp.Success {
			return nil, responseError(res.msg)
		}
		return res.msg, nil
	case <-timer.C:
		c.removePending(seq)
		return nil, relayerr.New(relayerr.KindDebugpyTimeout, "no response to %s within %s", r.Command, timeout)
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

// Stop terminates the client: all pending requests fail with a connection
// error and the reader goroutine is released once the underlying stream is
// closed by the adapter owner.
func (c *Client) Stop() {
	c.failAll(relayerr.New(relayerr.KindDAPConnectionError, "dap client stopped"))
}

func (c *Client) write(msg godap.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return godap.WriteProtocolMessage(c.w, msg)
}

func (c *Client) removePending(seq int) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// failAll completes every pending request with err and marks the client
// closed. Idempotent.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.doneErr = err
	waiters := c.pending
	c.pending = make(map[int]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		body, err := readBaseMessage(c.r)
		if err != nil {
			c.failAll(relayerr.Wrap(relayerr.KindDAPConnectionError, err, "dap stream closed"))
			return
		}

		msg, err := godap.DecodeProtocolMessage(body)
		if err != nil {
			// A body we cannot decode does not kill the reader; the
			// stream framing is still intact.
			logger.Warn("dropping undecodable dap message", "error", err, "bytes", len(body))
			continue
		}

		switch m := msg.(type) {
		case godap.ResponseMessage:
			c.deliver(m)
		case godap.EventMessage:
			if c.onEvent != nil {
				c.onEvent(m)
			}
		default:
			logger.Debug("ignoring unexpected dap message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// deliver routes a response to its waiter. A response with no pending entry
// (late reply after a timeout) is discarded.
func (c *Client) deliver(msg godap.ResponseMessage) {
	seq := msg.GetResponse().RequestSeq
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if !ok {
		logger.Debug("discarding late dap response", "request_seq", seq, "command", msg.GetResponse().Command)
		return
	}
	ch <- pendingResult{msg: msg}
}

// responseError builds a RequestError from a success=false response,
// pulling the structured error body when the adapter sent one.
func responseError(msg godap.ResponseMessage) error {
	resp := msg.GetResponse()
	re := &RequestError{Command: resp.Command, Message: resp.Message}
	if er, ok := msg.(*godap.ErrorResponse); ok && er.Body.Error != nil {
		if er.Body.Error.Format != "" {
			re.Message = er.Body.Error.Format
		}
		re.Details = map[string]any{"id": er.Body.Error.Id}
	}
	if re.Message == "" {
		re.Message = "request failed"
	}
	return re
}

// readBaseMessage reads one Content-Length framed body. Unknown headers are
// ignored; a malformed header block is discarded through its terminating
// blank line and reading resumes at the next block.
func readBaseMessage(r *bufio.Reader) ([]byte, error) {
	for {
		contentLen := -1
		malformed := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return nil, err
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				malformed = true
				continue
			}
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil || n < 0 {
					malformed = true
					continue
				}
				contentLen = n
			}
		}
		if malformed || contentLen < 0 {
			logger.Warn("dropping malformed dap header block")
			continue
		}

		body := make([]byte, contentLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}
