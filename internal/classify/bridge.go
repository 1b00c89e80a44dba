package classify

import (
	"context"
	"fmt"
	"sync"

	"github.com/ppiankov/guardiansms/internal/model"
)

const earlyLimit = 1024

// Bridge waits for the UI to report a verdict for each message. The UI sees
// the message through the onSMSReceived event and answers with Report.
type Bridge struct {
	connected func() bool

	mu         sync.Mutex
	waiting    map[string]chan model.Verdict
	early      map[string]model.Verdict
	earlyOrder []string
}

// NewBridge creates a bridge classifier. connected reports whether any UI is
// listening; a nil func means always connected.
func NewBridge(connected func() bool) *Bridge {
	return &Bridge{
		connected: connected,
		waiting:   make(map[string]chan model.Verdict),
		early:     make(map[string]model.Verdict),
	}
}

// Classify blocks until Report delivers a verdict for msg or ctx ends.
func (b *Bridge) Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
	b.mu.Lock()
	if v, ok := b.early[msg.ID]; ok {
		delete(b.early, msg.ID)
		b.mu.Unlock()
		return v, nil
	}
	if b.connected != nil && !b.connected() {
		b.mu.Unlock()
		return model.Verdict{}, fmt.Errorf("%w: no UI attached", model.ErrClassifierUnavailable)
	}
	ch := make(chan model.Verdict, 1)
	b.waiting[msg.ID] = ch
	b.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiting, msg.ID)
		b.mu.Unlock()
		return model.Verdict{}, ctx.Err()
	}
}

// Report delivers v to the Classify call waiting on v.MessageID. Answers
// that arrive before the call are kept until it starts.
func (b *Bridge) Report(v model.Verdict) error {
	if v.MessageID == "" {
		return fmt.Errorf("verdict message id is required")
	}
	if v.RiskScore < 0 || v.RiskScore > 100 {
		return fmt.Errorf("risk score %d out of range 0-100", v.RiskScore)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.waiting[v.MessageID]; ok {
		delete(b.waiting, v.MessageID)
		ch <- v
		return nil
	}
	if _, ok := b.early[v.MessageID]; !ok {
		b.earlyOrder = append(b.earlyOrder, v.MessageID)
	}
	b.early[v.MessageID] = v
	for len(b.earlyOrder) > earlyLimit {
		delete(b.early, b.earlyOrder[0])
		b.earlyOrder = b.earlyOrder[1:]
	}
	return nil
}

// Pending returns the number of messages waiting for a verdict.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiting)
}
