package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeDebugger is a WebSocket server that hands each inbound message to fn.
// fn may write responses or events back on the connection.
type fakeDebugger struct {
	srv *httptest.Server
}

func newFakeDebugger(t *testing.T, fn func(conn net.Conn, msg map[string]any)) *fakeDebugger {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				var msg map[string]any
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				fn(conn, msg)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return &fakeDebugger{srv: srv}
}

func (f *fakeDebugger) wsURL() string {
	return "ws://" + strings.TrimPrefix(f.srv.URL, "http://")
}

func serverWrite(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = wsutil.WriteServerText(conn, data)
}

func dialTransport(t *testing.T, wsURL string, timeout time.Duration) *Transport {
	t.Helper()
	tr := NewTransport(wsURL, timeout)
	if err := tr.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() = %v; want nil", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestCallCorrelatesResponseByID(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{"id": id, "result": map[string]any{"value": "pong"}})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	raw, err := tr.Call(context.Background(), "Page.ping", nil)
	if err != nil {
		t.Fatalf("Call() error = %v; want nil", err)
	}
	var result struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Value != "pong" {
		t.Fatalf("result value = %q; want %q", result.Value, "pong")
	}
}

func TestCallDropsDuplicateResponse(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		resp := map[string]any{"id": id, "result": map[string]any{"value": "once"}}
		serverWrite(conn, resp)
		serverWrite(conn, resp)
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	for i := 0; i < 3; i++ {
		if _, err := tr.Call(context.Background(), "Page.ping", nil); err != nil {
			t.Fatalf("Call() #%d error = %v; want nil", i+1, err)
		}
	}
}

func TestCallTimesOutWhenResponseNeverArrives(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		// Swallow the request.
	})
	tr := dialTransport(t, dbg.wsURL(), 100*time.Millisecond)

	_, err := tr.Call(context.Background(), "Page.ping", nil)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCallTimeout {
		t.Fatalf("Call() error = %v; want %s", err, CodeCallTimeout)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{
			"id":    id,
			"error": map[string]any{"code": -32000, "message": "no such method"},
		})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	_, err := tr.Call(context.Background(), "Page.bogus", nil)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeRPCError {
		t.Fatalf("Call() error = %v; want %s", err, CodeRPCError)
	}
	if !strings.Contains(coded.Message, "no such method") {
		t.Fatalf("Call() error message = %q; want debugger message included", coded.Message)
	}
}

func TestCloseSettlesPendingCalls(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		// Never respond; the pending call must settle via Close.
	})
	tr := dialTransport(t, dbg.wsURL(), 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "Page.ping", nil)
		errCh <- err
	}()

	// Give the call a moment to register its pending channel.
	time.Sleep(50 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errCh:
		var coded *CodedError
		if !errors.As(err, &coded) || coded.Code != CodeTransportClosed {
			t.Fatalf("Call() after Close error = %v; want %s", err, CodeTransportClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not settle after Close")
	}

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after Close")
	}
}

func TestPeerDisconnectClosesDone(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		connCh <- conn
	})
	tr := dialTransport(t, dbg.wsURL(), time.Second)

	// Trigger one message so the server hands us its conn to kill.
	go func() {
		_, _ = tr.Call(context.Background(), "Page.ping", nil)
	}()
	select {
	case conn := <-connCh:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the call")
	}

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after peer disconnect")
	}
	if !tr.Closed() {
		t.Fatal("Closed() = false after peer disconnect")
	}
}

func TestOnEventDispatchAndUnregister(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{
			"method": "Runtime.executionContextCreated",
			"params": map[string]any{"context": map[string]any{"id": 7}},
		})
		serverWrite(conn, map[string]any{"id": id, "result": map[string]any{}})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	events := make(chan json.RawMessage, 4)
	unregister := tr.OnEvent("Runtime.executionContextCreated", func(params json.RawMessage) {
		events <- params
	})

	if _, err := tr.Call(context.Background(), "Runtime.enable", nil); err != nil {
		t.Fatalf("Call() error = %v; want nil", err)
	}

	select {
	case params := <-events:
		var evt struct {
			Context struct {
				ID int64 `json:"id"`
			} `json:"context"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if evt.Context.ID != 7 {
			t.Fatalf("event context id = %d; want 7", evt.Context.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event handler never fired")
	}

	unregister()
	if _, err := tr.Call(context.Background(), "Runtime.enable", nil); err != nil {
		t.Fatalf("Call() error = %v; want nil", err)
	}
	select {
	case <-events:
		t.Fatal("handler fired after unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvaluateUnwrapsStringValue(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{
			"id":     id,
			"result": map[string]any{"result": map[string]any{"value": "hello"}},
		})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	got, err := tr.Evaluate(context.Background(), 0, "'hello'")
	if err != nil {
		t.Fatalf("Evaluate() error = %v; want nil", err)
	}
	if got != "hello" {
		t.Fatalf("Evaluate() = %q; want %q", got, "hello")
	}
}

func TestEvaluateReportsException(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{
			"id": id,
			"result": map[string]any{
				"result":           map[string]any{},
				"exceptionDetails": map[string]any{"text": "ReferenceError"},
			},
		})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	_, err := tr.Evaluate(context.Background(), 0, "nope()")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeRPCError {
		t.Fatalf("Evaluate() error = %v; want %s", err, CodeRPCError)
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	dbg := newFakeDebugger(t, func(conn net.Conn, msg map[string]any) {
		id := int64(msg["id"].(float64))
		serverWrite(conn, map[string]any{
			"id":     id,
			"result": map[string]any{"value": fmt.Sprintf("resp-%d", id)},
		})
	})
	tr := dialTransport(t, dbg.wsURL(), 2*time.Second)

	const callers = 8
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			raw, err := tr.Call(context.Background(), "Page.ping", nil)
			if err != nil {
				errCh <- err
				return
			}
			var result struct {
				Value string `json:"value"`
			}
			errCh <- json.Unmarshal(raw, &result)
		}()
	}
	for i := 0; i < callers; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent Call() error = %v; want nil", err)
		}
	}
}
