// Package intercept turns inbound SMS transport events into InboundMessage
// values and hands them to the guardian without classifying them.
package intercept

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/pdu"
)

// Transport actions accepted by the listener.
const (
	ActionSMSReceived = "sms_received"
	ActionSMSDeliver  = "sms_deliver"
)

// Event is one transport event as written to the inbox spool by the modem
// gateway. PDUs are hex-encoded SMS-DELIVER TPDUs with the SMSC prefix.
type Event struct {
	Action     string    `json:"action"`
	Format     string    `json:"format,omitempty"`
	PDUs       []string  `json:"pdus"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent encodes text from sender as an sms_received event, the way the
// modem gateway spools it.
func NewEvent(sender, text string, at time.Time) (Event, error) {
	pdus, err := pdu.EncodeDeliver(sender, text, at)
	if err != nil {
		return Event{}, fmt.Errorf("encode sms: %w", err)
	}
	ev := Event{Action: ActionSMSReceived, Format: pdu.Format3GPP, ReceivedAt: at}
	for _, p := range pdus {
		ev.PDUs = append(ev.PDUs, hex.EncodeToString(p))
	}
	return ev, nil
}

// Accepted reports whether the listener handles this action.
func (e Event) Accepted() bool {
	switch strings.ToLower(e.Action) {
	case ActionSMSReceived, ActionSMSDeliver:
		return true
	}
	return false
}

// Enqueuer is the guardian's non-blocking hand-off.
type Enqueuer interface {
	Enqueue(msg model.InboundMessage) error
}

// Listener decodes transport events. Each call returns quickly: decoding is
// local and the hand-off never waits on classification.
type Listener struct {
	guardian Enqueuer
	log      io.Writer
}

// NewListener creates a listener that hands messages to g.
func NewListener(g Enqueuer) *Listener {
	return &Listener{guardian: g, log: os.Stderr}
}

// SetLogOutput redirects listener log lines.
func (l *Listener) SetLogOutput(w io.Writer) {
	l.log = w
}

// OnReceive decodes every fragment of ev independently and enqueues one
// InboundMessage per decoded fragment. key identifies the event for stable
// message ids. A fragment that fails to decode is logged and dropped without
// affecting its siblings. Returns how many messages were handed off.
func (l *Listener) OnReceive(key string, ev Event) (handed int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(l.log, "listener: event %s: recovered panic: %v\n", key, r)
		}
	}()

	if !ev.Accepted() {
		fmt.Fprintf(l.log, "listener: event %s: ignoring action %q\n", key, ev.Action)
		return 0
	}
	if len(ev.PDUs) == 0 {
		fmt.Fprintf(l.log, "listener: event %s: no pdus\n", key)
		return 0
	}

	arrival := ev.ReceivedAt
	if arrival.IsZero() {
		arrival = time.Now()
	}

	for i, encoded := range ev.PDUs {
		raw, err := hex.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			fmt.Fprintf(l.log, "listener: event %s fragment %d: invalid hex: %v\n", key, i, err)
			continue
		}
		decoded, err := pdu.Decode(raw, ev.Format)
		if err != nil {
			fmt.Fprintf(l.log, "listener: event %s fragment %d: %v\n", key, i, err)
			continue
		}

		msg := model.InboundMessage{
			ID:         model.NewMessageID(arrival, key, i),
			Sender:     decoded.Sender,
			Body:       decoded.Body,
			ReceivedAt: arrival,
		}
		fmt.Fprintf(l.log, "listener: sms from %s: %s\n", msg.Sender, model.Truncate(msg.Body, 50))

		if err := l.guardian.Enqueue(msg); err != nil {
			fmt.Fprintf(l.log, "listener: enqueue %s: %v\n", msg.ID, err)
			continue
		}
		handed++
	}
	return handed
}
