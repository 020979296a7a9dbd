package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport owns one WebSocket connection to a target's debugger endpoint.
// It correlates call responses by id and republishes unsolicited protocol
// events to registered handlers. Multiple calls may be outstanding at once;
// responses are matched strictly by id, never by arrival order.
type Transport struct {
	wsURL       string
	callTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	done   chan struct{}

	seq atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler

	doneOnce sync.Once
}

func (t *Transport) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

type eventHandler struct {
	id int64
	fn func(params json.RawMessage)
}

// NewTransport creates a transport for the given page-level debugger URL.
// callTimeout bounds every Call; there is no unbounded wait.
func NewTransport(wsURL string, callTimeout time.Duration) *Transport {
	return &Transport{
		wsURL:         wsURL,
		callTimeout:   callTimeout,
		done:          make(chan struct{}),
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// Dial opens the WebSocket connection and starts the read loop.
func (t *Transport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newError(CodeTransportClosed, "transport already closed", nil)
	}
	if t.conn != nil {
		return nil
	}

	slog.Debug("transport connecting", "ws_url", t.wsURL)
	conn, _, _, err := ws.Dial(ctx, t.wsURL)
	if err != nil {
		return newError(CodeConnectError, "dial "+t.wsURL, err)
	}

	t.conn = conn
	go t.readLoop(conn)
	return nil
}

// Close shuts the connection down and settles every pending call with a
// TransportClosed error. Closing an already-closed transport is a no-op.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else {
		// readLoop never started; release Done waiters ourselves.
		t.closeDone()
	}
	t.closeAllPending()
}

// Done is closed once the transport is no longer usable, whether by explicit
// Close or by the peer dropping the connection.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Closed reports whether the transport can no longer carry calls.
func (t *Transport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed || t.conn == nil
}

func (t *Transport) readLoop(conn net.Conn) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		t.closeAllPending()
		t.closeDone()
	}()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("transport read loop exit", "error", err)
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			t.pendingMu.Lock()
			ch, ok := t.pending[msg.ID]
			if ok {
				delete(t.pending, msg.ID)
			}
			t.pendingMu.Unlock()
			// A second response for the same id finds no waiter and is dropped.
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			t.dispatchEvent(msg.Method, msg.Params)
		}
	}
}

func (t *Transport) closeAllPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) deletePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// Call sends {id, method, params} and waits for the matching response, the
// per-call timeout, or transport death, whichever settles first.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, newError(CodeTransportClosed, "not connected", nil)
	}

	id := t.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	t.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	t.mu.Unlock()
	if err != nil {
		t.deletePending(id)
		return nil, newError(CodeTransportClosed, "send "+method, err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, newError(CodeTransportClosed, method, nil)
		}
		return parseResponse(method, raw)
	case <-ctx.Done():
		t.deletePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(CodeCallTimeout, method, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func parseResponse(method string, raw json.RawMessage) (json.RawMessage, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("transport: unmarshal %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, newError(CodeRPCError, fmt.Sprintf("%s: %s", method, envelope.Error.Message), nil)
	}
	return envelope.Result, nil
}

// OnEvent registers a handler for a protocol event method (e.g.
// "Runtime.executionContextCreated"). Returns an unregister function.
// Events with no registered handler are ignored.
func (t *Transport) OnEvent(method string, fn func(params json.RawMessage)) func() {
	id := t.seq.Add(1)
	t.eventMu.Lock()
	t.eventHandlers[method] = append(t.eventHandlers[method], eventHandler{id: id, fn: fn})
	t.eventMu.Unlock()
	return func() {
		t.eventMu.Lock()
		defer t.eventMu.Unlock()
		handlers := t.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				t.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent invokes handlers synchronously, in receipt order.
func (t *Transport) dispatchEvent(method string, params json.RawMessage) {
	t.eventMu.RLock()
	handlers := make([]eventHandler, len(t.eventHandlers[method]))
	copy(handlers, t.eventHandlers[method])
	t.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(params)
	}
}

// Evaluate runs a JS expression in the given execution context and returns
// the string result. contextID 0 evaluates in the page's default context.
func (t *Transport) Evaluate(ctx context.Context, contextID runtime.ExecutionContextID, js string) (string, error) {
	params := struct {
		Expression    string                     `json:"expression"`
		ContextID     runtime.ExecutionContextID `json:"contextId,omitempty"`
		ReturnByValue bool                       `json:"returnByValue"`
		AwaitPromise  bool                       `json:"awaitPromise"`
	}{Expression: js, ContextID: contextID, ReturnByValue: true, AwaitPromise: true}

	raw, err := t.Call(ctx, "Runtime.evaluate", params)
	if err != nil {
		return "", err
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("transport: unmarshal eval: %w", err)
	}
	if resp.ExceptionDetails != nil {
		return "", newError(CodeRPCError, "eval exception: "+resp.ExceptionDetails.Text, nil)
	}

	// String results come back as JSON-encoded strings.
	var s string
	if err := json.Unmarshal(resp.Result.Value, &s); err != nil {
		return string(resp.Result.Value), nil
	}
	return s, nil
}

// DispatchMouseClick sends trusted Input.dispatchMouseEvent commands
// (mousePressed + mouseReleased) at the given page coordinates. This produces
// isTrusted=true events, equivalent to real user clicks.
func (t *Transport) DispatchMouseClick(ctx context.Context, x, y float64) error {
	type mouseEvent struct {
		Type       string  `json:"type"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button"`
		ClickCount int     `json:"clickCount"`
	}

	pressed := mouseEvent{Type: "mousePressed", X: x, Y: y, Button: "left", ClickCount: 1}
	if _, err := t.Call(ctx, "Input.dispatchMouseEvent", pressed); err != nil {
		return fmt.Errorf("transport: mousePressed: %w", err)
	}

	released := mouseEvent{Type: "mouseReleased", X: x, Y: y, Button: "left", ClickCount: 1}
	if _, err := t.Call(ctx, "Input.dispatchMouseEvent", released); err != nil {
		return fmt.Errorf("transport: mouseReleased: %w", err)
	}
	return nil
}
