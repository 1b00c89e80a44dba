package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Frame types.
const (
	FrameCall      = "call"
	FrameResult    = "result"
	FrameError     = "error"
	FrameEvent     = "event"
	FrameSubscribe = "subscribe"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Server exposes a Bridge over WebSocket.
type Server struct {
	bridge   *Bridge
	upgrader websocket.Upgrader
	origins  map[string]bool
	log      io.Writer
}

// NewServer creates a WebSocket server for b. Browser pages may connect
// only from a loopback origin until AllowOrigins adds more.
func NewServer(b *Bridge) *Server {
	s := &Server{
		bridge:  b,
		origins: make(map[string]bool),
		log:     os.Stderr,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// AllowOrigins permits WebSocket upgrades from the given browser origins,
// e.g. "https://ui.example.org". Call before serving.
func (s *Server) AllowOrigins(origins ...string) {
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			s.origins[o] = true
		}
	}
}

// checkOrigin admits non-browser clients (no Origin header), loopback pages
// and the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		s.logf("rejected origin %q", origin)
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	s.logf("rejected origin %q", origin)
	return false
}

// SetLogOutput redirects server log lines.
func (s *Server) SetLogOutput(w io.Writer) { s.log = w }

func (s *Server) logf(format string, args ...any) {
	fmt.Fprintf(s.log, "bridge: "+format+"\n", args...)
}

// Routes returns the HTTP handler: /healthz and /bridge.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"subscribers": s.bridge.Subscribers(),
		})
	})
	r.Get("/bridge", s.handleWebSocket)
	return r
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves Routes on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(f Frame) error {
	f.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go pingLoop(ctx, wc)

	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logf("read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameCall:
			go s.serveCall(ctx, wc, f)
		case FrameSubscribe:
			if unsubscribe == nil {
				var events <-chan Event
				events, unsubscribe = s.bridge.Subscribe(64)
				go s.forwardEvents(wc, events, unsubscribe)
			}
		default:
			_ = wc.write(Frame{Type: FrameError, ID: f.ID, Error: Errorf(CodeInvalidArgument, "unknown frame type %q", f.Type)})
		}
	}
}

func (s *Server) serveCall(ctx context.Context, wc *wsConn, f Frame) {
	out := Frame{Type: FrameResult, ID: f.ID}
	result, err := s.bridge.Call(ctx, f.Method, f.Args)
	if err != nil {
		out.Type = FrameError
		if be, ok := err.(*Error); ok {
			out.Error = be
		} else {
			out.Error = Errorf(CodeInternal, "%v", err)
		}
	} else {
		out.Result = result
	}
	if err := wc.write(out); err != nil {
		s.logf("write %s reply: %v", f.Method, err)
	}
}

// forwardEvents pushes events to the UI. A failed write detaches the
// subscription and closes the connection so the read loop exits too.
func (s *Server) forwardEvents(wc *wsConn, events <-chan Event, unsubscribe func()) {
	for ev := range events {
		if err := wc.write(Frame{Type: FrameEvent, Event: ev.Name, Payload: ev.Payload}); err != nil {
			s.logf("event %s write failed, dropping subscriber: %v", ev.Name, err)
			unsubscribe()
			_ = wc.conn.Close()
			return
		}
	}
}

func pingLoop(ctx context.Context, wc *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}
