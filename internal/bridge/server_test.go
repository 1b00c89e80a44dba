package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startServer(t *testing.T) (*Bridge, string) {
	t.Helper()
	b := runBridge(t)
	s := NewServer(b)
	s.SetLogOutput(io.Discard)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return b, srv.URL
}

func dialTest(t *testing.T, base string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/bridge")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHealthz(t *testing.T) {
	_, base := startServer(t)
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestClientCall(t *testing.T) {
	b, base := startServer(t)
	b.Handle("checkPermissions", func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"READ_SMS": true}, nil
	})
	c := dialTest(t, base)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Call(ctx, "checkPermissions", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"READ_SMS":true}` {
		t.Errorf("result = %s", out)
	}

	_, err = c.Call(ctx, "nope", map[string]int{"x": 1})
	if codeOf(err) != CodeNotImplemented {
		t.Errorf("expected %s, got %v", CodeNotImplemented, err)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	b, base := startServer(t)
	b.Handle("double", func(_ context.Context, args json.RawMessage) (any, error) {
		var n int
		if err := Decode(args, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	c := dialTest(t, base)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			out, err := c.Call(ctx, "double", n)
			if err == nil {
				var got int
				_ = json.Unmarshal(out, &got)
				if got != n*2 {
					err = Errorf(CodeInternal, "double(%d) = %d", n, got)
				}
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestClientEvents(t *testing.T) {
	b, base := startServer(t)
	c := dialTest(t, base)
	if err := c.Subscribe(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Emit("onPermissionResult", map[string]bool{"RECEIVE_SMS": false})

	select {
	case ev := <-c.Events():
		if ev.Name != "onPermissionResult" || string(ev.Payload) != `{"RECEIVE_SMS":false}` {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestUnsubscribeOnDisconnect(t *testing.T) {
	b, base := startServer(t)
	c := dialTest(t, base)
	_ = c.Subscribe()

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = c.Close()

	deadline = time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Subscribers() != 0 {
		t.Error("subscriber must be removed when the connection ends")
	}
}

func TestCallAfterClose(t *testing.T) {
	_, base := startServer(t)
	c := dialTest(t, base)
	_ = c.Close()
	<-c.Done()

	if _, err := c.Call(context.Background(), "x", nil); err == nil {
		t.Error("expected error on closed client")
	}
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/bridge"
}

func dialWithOrigin(base, origin string) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(wsURL(base), h)
}

func TestForeignOriginRejected(t *testing.T) {
	_, base := startServer(t)

	conn, resp, err := dialWithOrigin(base, "http://evil.example")
	if err == nil {
		_ = conn.Close()
		t.Fatal("upgrade from a foreign page must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestLoopbackOriginsAccepted(t *testing.T) {
	_, base := startServer(t)

	for _, origin := range []string{"", "http://localhost:3000", "http://127.0.0.1:8080", "http://[::1]"} {
		conn, _, err := dialWithOrigin(base, origin)
		if err != nil {
			t.Errorf("origin %q: %v", origin, err)
			continue
		}
		_ = conn.Close()
	}
}

func TestAllowOrigins(t *testing.T) {
	b := runBridge(t)
	s := NewServer(b)
	s.SetLogOutput(io.Discard)
	s.AllowOrigins(" https://UI.example.org/ ", "")
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	conn, _, err := dialWithOrigin(srv.URL, "https://ui.example.org")
	if err != nil {
		t.Fatalf("allowlisted origin: %v", err)
	}
	_ = conn.Close()

	if conn, _, err := dialWithOrigin(srv.URL, "https://other.example.org"); err == nil {
		_ = conn.Close()
		t.Error("origin outside the allowlist must fail")
	}
}

func TestEventWriteFailureDropsSubscriber(t *testing.T) {
	b := runBridge(t)
	s := NewServer(b)
	s.SetLogOutput(io.Discard)

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the connection never arrived")
	}
	_ = conn.Close()

	events, unsubscribe := b.Subscribe(4)
	done := make(chan struct{})
	go func() {
		s.forwardEvents(&wsConn{conn: conn}, events, unsubscribe)
		close(done)
	}()

	b.Emit("onThreatDetected", map[string]int{"risk": 90})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder kept running after a failed write")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d after write failure, want 0", n)
	}
}
