package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
)

const (
	statusTitle = "SMS protection active"
	statusBody  = "Monitoring incoming messages for threats"
)

// Notifier posts status and threat notifications to a sink.
type Notifier struct {
	sink     Sink
	apiLevel int
	now      func() time.Time

	mu       sync.Mutex
	created  bool
	channels map[string]Channel
}

// NewNotifier creates a notifier for a platform at apiLevel.
func NewNotifier(sink Sink, apiLevel int) *Notifier {
	return &Notifier{sink: sink, apiLevel: apiLevel, now: time.Now}
}

// EnsureChannels registers the status and threat channels. Idempotent.
// Platforms without channel support register nothing.
func (n *Notifier) EnsureChannels() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.created {
		return
	}
	n.created = true
	n.channels = make(map[string]Channel)
	if n.apiLevel < ChannelSupportLevel {
		return
	}
	for _, c := range []Channel{StatusChannel(), ThreatChannel()} {
		n.channels[c.ID] = c
	}
}

// Channels returns the registered channels ordered by id.
func (n *Notifier) Channels() []Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Channel, 0, len(n.channels))
	for _, c := range n.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// channelFor resolves id to a registered channel, falling back to the
// default channel when the platform has none.
func (n *Notifier) channelFor(id string) string {
	n.EnsureChannels()
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.channels[id]; ok {
		return id
	}
	return DefaultChannelID
}

// PostThreatAlert posts rec to the threat channel in slot tag. The body is
// posted in full.
func (n *Notifier) PostThreatAlert(ctx context.Context, rec model.AlertRecord, tag string) error {
	if tag == "" {
		return fmt.Errorf("threat alert requires a tag")
	}
	notification := Notification{
		Kind:       KindThreat,
		Slot:       tag,
		Channel:    n.channelFor(ThreatChannelID),
		Title:      rec.Title,
		Body:       rec.Body,
		Sender:     rec.Sender,
		RiskScore:  rec.RiskScore,
		AutoCancel: true,
		OpenUI:     true,
		Vibration:  append([]int64(nil), ThreatVibration...),
		PostedAt:   n.now(),
	}
	if err := n.sink.Post(ctx, notification); err != nil {
		return fmt.Errorf("post threat alert: %w", err)
	}
	return nil
}

// PostStatusIndicator posts or refreshes the ongoing status indicator.
func (n *Notifier) PostStatusIndicator(ctx context.Context) error {
	notification := Notification{
		Kind:     KindStatus,
		Slot:     StatusSlot,
		Channel:  n.channelFor(StatusChannelID),
		Title:    statusTitle,
		Body:     statusBody,
		Ongoing:  true,
		OpenUI:   true,
		PostedAt: n.now(),
	}
	if err := n.sink.Post(ctx, notification); err != nil {
		return fmt.Errorf("post status indicator: %w", err)
	}
	return nil
}

// ClearStatusIndicator removes the status indicator.
func (n *Notifier) ClearStatusIndicator(ctx context.Context) error {
	if err := n.sink.Cancel(ctx, StatusSlot); err != nil {
		return fmt.Errorf("clear status indicator: %w", err)
	}
	return nil
}
