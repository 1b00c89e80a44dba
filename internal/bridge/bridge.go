// Package bridge is the call surface between the guardian and its UI.
// Method calls travel as messages on a channel consumed by Run; each call
// is answered exactly once with a JSON result or an *Error. Events flow the
// other way to every subscriber.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Error codes shared by every method.
const (
	CodeNotImplemented  = "NOT_IMPLEMENTED"
	CodeInternal        = "INTERNAL_ERROR"
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

// Error is a named failure returned to the caller.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler serves one method. Returning an *Error keeps its code; any other
// error is reported as INTERNAL_ERROR.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Caller invokes bridge methods. Implemented by *Bridge in-process and by
// *Client over WebSocket.
type Caller interface {
	Call(ctx context.Context, method string, args any) (json.RawMessage, error)
}

// Event is a message pushed to subscribers.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type call struct {
	ctx    context.Context
	method string
	args   json.RawMessage
	reply  chan reply
}

type reply struct {
	result json.RawMessage
	err    *Error
}

// Bridge routes calls to registered handlers.
type Bridge struct {
	calls chan call
	log   io.Writer

	mu       sync.RWMutex
	handlers map[string]Handler

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a bridge with no handlers.
func New() *Bridge {
	return &Bridge{
		calls:    make(chan call),
		log:      os.Stderr,
		handlers: make(map[string]Handler),
		subs:     make(map[int]chan Event),
	}
}

// SetLogOutput redirects bridge log lines.
func (b *Bridge) SetLogOutput(w io.Writer) { b.log = w }

func (b *Bridge) logf(format string, args ...any) {
	fmt.Fprintf(b.log, "bridge: "+format+"\n", args...)
}

// Handle registers h for method, replacing any previous handler.
func (b *Bridge) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (b *Bridge) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for m := range b.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Run serves calls until ctx is cancelled. Each call runs on its own
// goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-b.calls:
			go b.dispatch(c)
		}
	}
}

// Call invokes method with args and waits for the answer. args may be nil,
// a json.RawMessage or any JSON-encodable value.
func (b *Bridge) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, Errorf(CodeInvalidArgument, "%v", err)
	}

	c := call{ctx: ctx, method: method, args: raw, reply: make(chan reply, 1)}
	select {
	case b.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-c.reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) dispatch(c call) {
	c.reply <- b.invoke(c)
}

func (b *Bridge) invoke(c call) (r reply) {
	defer func() {
		if p := recover(); p != nil {
			b.logf("%s panicked: %v", c.method, p)
			r = reply{err: Errorf(CodeInternal, "%s panicked: %v", c.method, p)}
		}
	}()

	b.mu.RLock()
	h, ok := b.handlers[c.method]
	b.mu.RUnlock()
	if !ok {
		return reply{err: Errorf(CodeNotImplemented, "method %q is not implemented", c.method)}
	}

	out, err := h(c.ctx, c.args)
	if err != nil {
		if be, ok := err.(*Error); ok {
			return reply{err: be}
		}
		return reply{err: Errorf(CodeInternal, "%v", err)}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return reply{err: Errorf(CodeInternal, "encode result: %v", err)}
	}
	return reply{result: data}
}

// Emit sends event to every subscriber without blocking. Subscribers whose
// buffer is full miss the event.
func (b *Bridge) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logf("encode %s: %v", event, err)
		return
	}
	ev := Event{Name: event, Payload: data}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logf("subscriber %d is slow, dropped %s", id, event)
		}
	}
}

// Subscribe registers an event subscriber with the given buffer. The
// returned func unsubscribes and closes the channel.
func (b *Bridge) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of attached subscribers.
func (b *Bridge) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Decode unmarshals call args into v. Empty and null args leave v unchanged.
func Decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	return json.Unmarshal(args, v)
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch a := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return a, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}
