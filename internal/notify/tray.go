package notify

import (
	"context"
	"sort"
	"sync"
)

// Tray is an in-memory notification area keyed by slot. Posting to an
// occupied slot replaces the notification in it.
type Tray struct {
	mu    sync.Mutex
	slots map[string]Notification
	posts int
}

// NewTray creates an empty tray.
func NewTray() *Tray {
	return &Tray{slots: make(map[string]Notification)}
}

// Post shows n in its slot.
func (t *Tray) Post(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[n.Slot] = n
	t.posts++
	return nil
}

// Cancel removes the notification in slot, if any.
func (t *Tray) Cancel(_ context.Context, slot string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, slot)
	return nil
}

// Dismiss simulates user interaction: auto-cancel notifications are removed.
// Returns whether the notification asked to open the main UI.
func (t *Tray) Dismiss(slot string) (openUI bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.slots[slot]
	if !ok {
		return false
	}
	if n.AutoCancel {
		delete(t.slots, slot)
	}
	return n.OpenUI
}

// Get returns the notification in slot.
func (t *Tray) Get(slot string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.slots[slot]
	return n, ok
}

// Active returns the visible notifications, oldest first.
func (t *Tray) Active() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, 0, len(t.slots))
	for _, n := range t.slots {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].Slot < out[j].Slot
		}
		return out[i].PostedAt.Before(out[j].PostedAt)
	})
	return out
}

// ByKind returns the visible notifications of kind k, oldest first.
func (t *Tray) ByKind(k Kind) []Notification {
	var out []Notification
	for _, n := range t.Active() {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// Posts returns how many posts the tray has received, refreshes included.
func (t *Tray) Posts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posts
}
