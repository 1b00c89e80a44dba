// Package guardian owns the "protection active" lifecycle, receives decoded
// messages from the listener, sends each one to the classifier exactly once
// and turns malicious verdicts into threat alerts.
//
// The guardian may be killed at any time. Run supervises the processing loop
// and Recover rebuilds the running state from the protection flag alone.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
)

var (
	// ErrQueueFull is returned by Enqueue when the bounded queue is full.
	ErrQueueFull = errors.New("guardian queue full")
	// ErrDuplicate is returned by Enqueue for a message id already handled.
	ErrDuplicate = errors.New("message already handled")
)

// EventSMSReceived is emitted for every message the guardian accepts.
const EventSMSReceived = "onSMSReceived"

// SMSReceived is the EventSMSReceived payload. Timestamp is unix millis.
type SMSReceived struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

const (
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultStatusRefresh = time.Minute
	defaultRestartDelay  = time.Second
	defaultStallAfter    = 5 * time.Second
	seenLimit            = 10000
)

// Classifier produces a verdict for one message.
type Classifier interface {
	Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error)
}

// Alerter is the alert delivery subsystem.
type Alerter interface {
	EnsureChannels()
	PostThreatAlert(ctx context.Context, rec model.AlertRecord, tag string) error
	PostStatusIndicator(ctx context.Context) error
	ClearStatusIndicator(ctx context.Context) error
}

// Ledger records which message ids were classified and alerted. Mark calls
// return true only for the first caller.
type Ledger interface {
	MarkClassified(ctx context.Context, id string) (bool, error)
	Classified(ctx context.Context, id string) (bool, error)
	MarkAlerted(ctx context.Context, id string) (bool, error)
}

// Config holds guardian dependencies and tuning.
type Config struct {
	Classifier Classifier
	Alerter    Alerter
	Protection *ProtectionState
	Ledger     Ledger                          // optional durable dedup
	Emit       func(event string, payload any) // optional UI events

	Workers            int           // concurrent classifications
	QueueSize          int           // pending messages
	StatusRefresh      time.Duration // status indicator refresh period
	ClassifyTimeout    time.Duration // 0 waits forever
	RestartDelay       time.Duration // pause before the supervisor restarts the loop
	StallAfter         time.Duration // a classification running longer gives up its worker slot
	RequirePriorActive bool          // boot start only re-arms if protection was active

	Log io.Writer
}

// Guardian is the long-running protection process.
type Guardian struct {
	cfg   Config
	queue chan model.InboundMessage
	sem   chan struct{}
	log   io.Writer

	mu        sync.Mutex
	state     State
	restarts  int
	seen      map[string]bool
	seenOrder []string
	baseCtx   context.Context

	// indicatorMu orders status indicator posts against Stop's clear.
	indicatorMu sync.Mutex

	pending  atomic.Int64 // accepted by Enqueue, not yet handled
	handling atomic.Int64 // in handle, waiting for a slot or classifying
	inflight sync.WaitGroup
}

// Status is a snapshot of the guardian.
type Status struct {
	State    State `json:"state"`
	Active   bool  `json:"active"`
	Restarts int   `json:"restarts"`
	Queued   int   `json:"queued"`
	InFlight int   `json:"in_flight"`
}

// New creates a stopped guardian.
func New(cfg Config) (*Guardian, error) {
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Alerter == nil {
		return nil, fmt.Errorf("alerter is required")
	}
	if cfg.Protection == nil {
		cfg.Protection, _ = NewProtectionState("")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StatusRefresh <= 0 {
		cfg.StatusRefresh = defaultStatusRefresh
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if cfg.Log == nil {
		cfg.Log = os.Stderr
	}

	return &Guardian{
		cfg:     cfg,
		queue:   make(chan model.InboundMessage, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.Workers),
		log:     cfg.Log,
		state:   StateStopped,
		seen:    make(map[string]bool),
		baseCtx: context.Background(),
	}, nil
}

func (g *Guardian) logf(format string, args ...any) {
	fmt.Fprintf(g.log, "guardian: "+format+"\n", args...)
}

// Start moves the guardian to running, sets protection active and posts the
// status indicator. Starting a running guardian only refreshes the
// indicator. A boot start is skipped when RequirePriorActive is set and
// protection was off.
func (g *Guardian) Start(ctx context.Context, trigger model.Trigger) error {
	if !trigger.Valid() {
		return fmt.Errorf("unknown start trigger %q", trigger)
	}
	if trigger == model.TriggerBoot && g.cfg.RequirePriorActive && !g.cfg.Protection.Active() {
		g.logf("boot start skipped: protection was not active")
		return nil
	}

	g.mu.Lock()
	prev := g.state
	if prev != StateRunning {
		g.state = StateStarting
	}
	g.mu.Unlock()

	g.cfg.Alerter.EnsureChannels()
	if err := g.cfg.Protection.SetActive(true); err != nil {
		g.mu.Lock()
		if g.state == StateStarting {
			g.state = prev
		}
		g.mu.Unlock()
		return fmt.Errorf("activate protection: %w", err)
	}

	g.mu.Lock()
	g.state = StateRunning
	g.mu.Unlock()

	if prev != StateRunning {
		g.logf("started (%s)", trigger)
	}
	if trigger == model.TriggerMessageArrival {
		// The listener is waiting on Enqueue; do not block it on sinks.
		go g.refreshIndicator(g.context())
		return nil
	}
	g.refreshIndicator(ctx)
	return nil
}

// Stop moves the guardian to stopped, clears protection and removes the
// status indicator. In-flight classifications continue and may still alert.
func (g *Guardian) Stop(ctx context.Context) error {
	if err := g.cfg.Protection.SetActive(false); err != nil {
		return fmt.Errorf("deactivate protection: %w", err)
	}

	g.mu.Lock()
	prev := g.state
	g.state = StateStopped
	g.mu.Unlock()

	if prev != StateStopped {
		g.logf("stopped")
	}

	g.indicatorMu.Lock()
	defer g.indicatorMu.Unlock()
	if err := g.cfg.Alerter.ClearStatusIndicator(ctx); err != nil {
		g.logf("clear status indicator: %v", err)
	}
	return nil
}

// Recover rebuilds the running state after a restart using only the
// protection flag. Returns whether protection was resumed.
func (g *Guardian) Recover(ctx context.Context) bool {
	if !g.cfg.Protection.Active() {
		g.mu.Lock()
		g.state = StateStopped
		g.mu.Unlock()
		return false
	}

	g.mu.Lock()
	g.state = StateRunning
	g.mu.Unlock()

	g.cfg.Alerter.EnsureChannels()
	g.refreshIndicator(ctx)
	g.logf("protection resumed after restart")
	return true
}

// Enqueue hands msg to the guardian without blocking. A stopped guardian is
// started first. Duplicate ids are rejected. At most QueueSize messages may
// be accepted and not yet handled; beyond that Enqueue returns ErrQueueFull.
func (g *Guardian) Enqueue(msg model.InboundMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}

	g.mu.Lock()
	if g.seen[msg.ID] {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	running := g.state == StateRunning
	ctx := g.baseCtx
	g.mu.Unlock()

	if g.cfg.Ledger != nil {
		done, err := g.cfg.Ledger.Classified(ctx, msg.ID)
		if err != nil {
			g.logf("ledger lookup %s: %v", msg.ID, err)
		} else if done {
			g.remember(msg.ID)
			return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
		}
	}

	if !running {
		if err := g.Start(ctx, model.TriggerMessageArrival); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[msg.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	if g.pending.Load() >= int64(g.cfg.QueueSize) {
		return ErrQueueFull
	}
	select {
	case g.queue <- msg:
		g.pending.Add(1)
		g.rememberLocked(msg.ID)
		return nil
	default:
		return ErrQueueFull
	}
}

func (g *Guardian) remember(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rememberLocked(id)
}

// rememberLocked records id in the bounded in-memory seen set.
func (g *Guardian) rememberLocked(id string) {
	if g.seen[id] {
		return
	}
	g.seen[id] = true
	g.seenOrder = append(g.seenOrder, id)
	if len(g.seenOrder) > seenLimit {
		delete(g.seen, g.seenOrder[0])
		g.seenOrder = g.seenOrder[1:]
	}
}

// Status returns a snapshot.
func (g *Guardian) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		State:    g.state,
		Active:   g.cfg.Protection.Active(),
		Restarts: g.restarts,
		Queued:   len(g.queue),
		InFlight: int(g.handling.Load()),
	}
}

// Wait blocks until every in-flight message has been handled.
func (g *Guardian) Wait() {
	g.inflight.Wait()
}

func (g *Guardian) context() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseCtx
}

// refreshIndicator posts the status indicator if the guardian is still
// running once it holds indicatorMu, so a post never lands after Stop's clear.
func (g *Guardian) refreshIndicator(ctx context.Context) {
	g.indicatorMu.Lock()
	defer g.indicatorMu.Unlock()
	if g.Status().State != StateRunning {
		return
	}
	if err := g.cfg.Alerter.PostStatusIndicator(ctx); err != nil {
		g.logf("post status indicator: %v", err)
	}
}
