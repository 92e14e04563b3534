// Package cdp implements a Chrome DevTools Protocol connection: a single
// websocket carrying id-correlated commands and unsolicited events.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/choraleia/chromepool/pkg/utils"
)

// DefaultCommandTimeout applies to Send calls whose context carries no deadline.
const DefaultCommandTimeout = 30 * time.Second

// writeTimeout bounds a single frame write. It is independent of any
// caller deadline so an expiring context never fails the socket.
const writeTimeout = 10 * time.Second

// Event is an unsolicited message from the endpoint.
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// Handler receives events. Handlers run on the reader goroutine, in frame
// order, and must not block waiting on Send.
type Handler func(Event)

type request struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

type remoteError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *remoteError    `json:"error"`
}

type response struct {
	result json.RawMessage
	remote *remoteError
	err    error
}

type listener struct {
	id int
	fn Handler
}

// Conn is one CDP websocket. All methods are safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration
	debug   bool

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan response
	closed    bool
	closeErr  error

	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[string][]listener
	listenerSeq int

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for dropped frames and listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCommandTimeout overrides DefaultCommandTimeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDebug logs every frame at debug level.
func WithDebug(on bool) Option {
	return func(c *Conn) { c.debug = on }
}

// Dial connects to a DevTools websocket URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", url, err)
	}
	return NewConn(ws, opts...), nil
}

// NewConn wraps an established websocket and starts its reader.
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:        ws,
		logger:    utils.GetLogger(),
		timeout:   DefaultCommandTimeout,
		pending:   make(map[int64]chan response),
		listeners: make(map[string][]listener),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Send issues a command and waits for its matching response.
// If ctx has no deadline the connection's command timeout applies.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.send(ctx, "", method, params)
}

// SendToSession issues a command addressed to a flat-mode target session.
func (c *Conn) SendToSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	return c.send(ctx, sessionID, method, params)
}

// Call is Send followed by decoding the result into out (which may be nil).
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Method: method, Message: "malformed result", Data: err.Error()}
	}
	return nil
}

func (c *Conn) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	budget := time.Until(deadline)
	if err := ctx.Err(); err != nil {
		return nil, ctxError(method, err, budget)
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	if c.closed {
		err := c.closeErr
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if c.debug {
		c.logger.Debug("CDP send", "id", id, "method", method, "bytes", len(data))
	}

	if err := c.write(data); err != nil {
		c.forget(id)
		c.shutdown(fmt.Errorf("%w: write: %v", ErrDisconnected, err))
		return nil, c.Err()
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.remote != nil {
			return nil, &ProtocolError{
				Method:  method,
				Code:    resp.remote.Code,
				Message: resp.remote.Message,
				Data:    resp.remote.Data,
			}
		}
		return resp.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctxError(method, ctx.Err(), budget)
	}
}

func ctxError(method string, err error, budget time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		if budget < 0 {
			budget = 0
		}
		return &TimeoutError{Op: method, After: budget}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// forget drops a pending entry so a late response is discarded.
func (c *Conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// On registers a handler for the named event and returns a function that
// removes it. Handlers for one name run in registration order.
func (c *Conn) On(method string, fn Handler) func() {
	c.listenersMu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners[method] = append(c.listeners[method], listener{id: id, fn: fn})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		ls := c.listeners[method]
		for i, l := range ls {
			if l.id == id {
				c.listeners[method] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		c.dispatch(data)
	}
}

// dispatch is the only path that resolves pending requests.
func (c *Conn) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Dropping malformed CDP frame", "error", err, "bytes", len(data))
		return
	}

	if msg.ID != 0 {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("Dropping CDP response for unknown id", "id", msg.ID)
			return
		}
		if c.debug {
			c.logger.Debug("CDP recv", "id", msg.ID, "bytes", len(data))
		}
		ch <- response{result: msg.Result, remote: msg.Error}
		return
	}

	if msg.Method == "" {
		c.logger.Debug("Dropping CDP frame with neither id nor method")
		return
	}
	if c.debug {
		c.logger.Debug("CDP event", "method", msg.Method)
	}
	c.emit(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
}

func (c *Conn) emit(ev Event) {
	c.listenersMu.RLock()
	ls := make([]listener, len(c.listeners[ev.Method]))
	copy(ls, c.listeners[ev.Method])
	c.listenersMu.RUnlock()

	for _, l := range ls {
		c.invoke(l.fn, ev)
	}
}

func (c *Conn) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("CDP event listener panicked", "method", ev.Method, "panic", r)
		}
	}()
	fn(ev)
}

// shutdown fails every pending request with err and marks the connection
// unusable. Only the first call has any effect.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[int64]chan response)
		c.pendingMu.Unlock()

		for _, ch := range pending {
			ch <- response{err: err}
		}
		_ = c.ws.Close()
		close(c.done)
	})
}

// Close closes the stream. Outstanding and future Sends fail with ErrDisconnected.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrDisconnected)
	return nil
}

// Done is closed once the connection is unusable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Pending reports the number of commands awaiting a response.
func (c *Conn) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
