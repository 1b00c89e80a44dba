package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
)

// Run processes queued messages until ctx is cancelled. A panic in the loop
// or in a message handler is treated as the process being killed: the state
// moves to restarting, the loop is restarted and Recover resumes protection.
func (g *Guardian) Run(ctx context.Context) error {
	g.mu.Lock()
	g.baseCtx = ctx
	g.mu.Unlock()

	for {
		err := g.runLoop(ctx)
		if ctx.Err() != nil {
			g.inflight.Wait()
			return nil
		}
		g.crashed(err)

		select {
		case <-ctx.Done():
			g.inflight.Wait()
			return nil
		case <-time.After(g.cfg.RestartDelay):
		}
		g.Recover(ctx)
	}
}

// runLoop is one incarnation of the processing loop. Dispatch never waits
// for a worker slot and the status indicator is refreshed on its own
// goroutine, so hung classifications stall neither.
func (g *Guardian) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing loop panicked: %v", r)
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	refreshErr := make(chan error, 1)
	go func() { refreshErr <- g.refreshLoop(loopCtx) }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-refreshErr:
			return err

		case msg := <-g.queue:
			g.inflight.Add(1)
			go g.handle(ctx, msg)
		}
	}
}

// refreshLoop re-posts the status indicator every StatusRefresh while
// running. A panic ends the loop incarnation like a panic in dispatch.
func (g *Guardian) refreshLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status refresh panicked: %v", r)
		}
	}()

	ticker := time.NewTicker(g.cfg.StatusRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.refreshIndicator(ctx)
		}
	}
}

// acquireSlot takes a worker slot. The returned release is idempotent: it
// runs when the classification finishes or once it has run for StallAfter,
// whichever comes first, so a hung classifier holds a slot only briefly.
func (g *Guardian) acquireSlot(ctx context.Context, id string) (release func(), ok bool) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, false
	}
	free := sync.OnceFunc(func() { <-g.sem })
	stall := time.AfterFunc(g.cfg.StallAfter, func() {
		g.logf("message %s still classifying after %s, releasing its worker slot", id, g.cfg.StallAfter)
		free()
	})
	return func() {
		stall.Stop()
		free()
	}, true
}

// crashed records an abnormal end of the processing loop.
func (g *Guardian) crashed(reason error) {
	g.mu.Lock()
	g.state = StateRestarting
	g.restarts++
	g.mu.Unlock()
	g.logf("killed: %v; restarting", reason)
}

// handle runs decode -> classify -> alert for one message. The classifier
// answer arrives on this goroutine; the loop keeps taking other messages.
func (g *Guardian) handle(ctx context.Context, msg model.InboundMessage) {
	defer g.inflight.Done()
	defer g.pending.Add(-1)
	g.handling.Add(1)
	defer g.handling.Add(-1)

	release, ok := g.acquireSlot(ctx, msg.ID)
	if !ok {
		g.logf("message %s dropped: shutting down", msg.ID)
		return
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			g.crashed(fmt.Errorf("handler for %s panicked: %v", msg.ID, r))
			g.Recover(ctx)
		}
	}()

	g.emit(EventSMSReceived, SMSReceived{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Body:      msg.Body,
		Timestamp: msg.ReceivedAt.UnixMilli(),
	})

	if g.cfg.Ledger != nil {
		claimed, err := g.cfg.Ledger.MarkClassified(ctx, msg.ID)
		if err != nil {
			g.logf("ledger claim %s: %v", msg.ID, err)
		} else if !claimed {
			g.logf("message %s already classified, skipping", msg.ID)
			return
		}
	}

	verdict, err := g.classify(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrClassifierUnavailable):
			g.logf("message %s dropped: %v", msg.ID, err)
		case errors.Is(err, context.DeadlineExceeded):
			g.logf("message %s dropped: classifier timed out after %s", msg.ID, g.cfg.ClassifyTimeout)
		default:
			g.logf("message %s dropped: classify: %v", msg.ID, err)
		}
		return
	}
	if verdict.MessageID == "" {
		verdict.MessageID = msg.ID
	}
	if err := verdict.Validate(msg); err != nil {
		g.logf("message %s dropped: invalid verdict: %v", msg.ID, err)
		return
	}

	if !verdict.IsThreat {
		g.logf("message %s from %s is clean (risk %d)", msg.ID, msg.Sender, verdict.RiskScore)
		return
	}

	if g.cfg.Ledger != nil {
		claimed, err := g.cfg.Ledger.MarkAlerted(ctx, msg.ID)
		if err != nil {
			g.logf("ledger alert claim %s: %v", msg.ID, err)
		} else if !claimed {
			g.logf("message %s already alerted, skipping", msg.ID)
			return
		}
	}

	rec := model.NewAlertRecord(msg, verdict)
	if err := g.cfg.Alerter.PostThreatAlert(ctx, rec, msg.ID); err != nil {
		g.logf("threat alert for %s: %v", msg.ID, err)
		return
	}
	g.logf("threat from %s (risk %d): %s", msg.Sender, verdict.RiskScore, model.Truncate(msg.Body, 50))
}

func (g *Guardian) classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
	if g.cfg.ClassifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ClassifyTimeout)
		defer cancel()
	}
	return g.cfg.Classifier.Classify(ctx, msg)
}

// emit delivers a UI event. Fire-and-forget: a failing emitter never blocks
// or aborts message handling.
func (g *Guardian) emit(event string, payload any) {
	if g.cfg.Emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logf("emit %s: %v", event, r)
		}
	}()
	g.cfg.Emit(event, payload)
}
