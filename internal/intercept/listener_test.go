package intercept

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/pdu"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	msgs []model.InboundMessage
	err  error
}

func (r *recordingEnqueuer) Enqueue(msg model.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingEnqueuer) messages() []model.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.InboundMessage(nil), r.msgs...)
}

func encodePDUs(t *testing.T, sender, text string) []string {
	t.Helper()
	raw, err := pdu.EncodeDeliver(sender, text, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("EncodeDeliver: %v", err)
	}
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = hex.EncodeToString(r)
	}
	return out
}

func TestOnReceiveSingleFragment(t *testing.T) {
	g := &recordingEnqueuer{}
	l := NewListener(g)
	var logs bytes.Buffer
	l.SetLogOutput(&logs)

	ev := Event{
		Action:     ActionSMSReceived,
		Format:     pdu.Format3GPP,
		PDUs:       encodePDUs(t, "+1555", "You won a prize, claim it within 24 hours at http://bad.link"),
		ReceivedAt: time.UnixMilli(1000),
	}
	if n := l.OnReceive("evt-1.json", ev); n != 1 {
		t.Fatalf("handed = %d, want 1", n)
	}

	msgs := g.messages()
	if msgs[0].Sender != "+1555" {
		t.Errorf("sender = %q", msgs[0].Sender)
	}
	if msgs[0].Body != "You won a prize, claim it within 24 hours at http://bad.link" {
		t.Errorf("body = %q", msgs[0].Body)
	}
	if !msgs[0].ReceivedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("received at = %v", msgs[0].ReceivedAt)
	}
	if strings.Contains(logs.String(), "bad.link") {
		t.Error("log line must truncate the body to 50 runes")
	}
}

func TestOnReceiveFragmentsAreIndependent(t *testing.T) {
	g := &recordingEnqueuer{}
	l := NewListener(g)
	var logs bytes.Buffer
	l.SetLogOutput(&logs)

	parts := encodePDUs(t, "+1555", strings.Repeat("abcdefghij", 35))
	if len(parts) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(parts))
	}
	// Corrupt the middle fragment and add an undecodable one.
	parts[1] = parts[1][:10]
	parts = append(parts, "zz-not-hex")

	ev := Event{Action: ActionSMSDeliver, PDUs: parts, ReceivedAt: time.UnixMilli(2000)}
	if n := l.OnReceive("evt-2.json", ev); n != 2 {
		t.Fatalf("handed = %d, want 2", n)
	}

	msgs := g.messages()
	if msgs[0].ID == msgs[1].ID {
		t.Error("fragments must get distinct ids")
	}
	if !strings.Contains(logs.String(), "fragment 1") || !strings.Contains(logs.String(), "fragment 3") {
		t.Errorf("expected decode errors logged per fragment, got:\n%s", logs.String())
	}
}

func TestOnReceiveIgnoresOtherActions(t *testing.T) {
	g := &recordingEnqueuer{}
	l := NewListener(g)
	l.SetLogOutput(&bytes.Buffer{})

	ev := Event{Action: "wap_push_received", PDUs: encodePDUs(t, "+1555", "hi")}
	if n := l.OnReceive("evt-3.json", ev); n != 0 {
		t.Errorf("handed = %d, want 0", n)
	}
	if len(g.messages()) != 0 {
		t.Error("expected no hand-off for unrelated action")
	}
}

func TestOnReceiveStableIDs(t *testing.T) {
	g := &recordingEnqueuer{}
	l := NewListener(g)
	l.SetLogOutput(&bytes.Buffer{})

	ev := Event{Action: ActionSMSReceived, PDUs: encodePDUs(t, "+1555", "hi"), ReceivedAt: time.UnixMilli(3000)}
	l.OnReceive("evt-4.json", ev)
	l.OnReceive("evt-4.json", ev)

	msgs := g.messages()
	if len(msgs) != 2 || msgs[0].ID != msgs[1].ID {
		t.Errorf("re-reading an event must yield the same id: %v", msgs)
	}
}

func TestOnReceiveEnqueueErrorLogged(t *testing.T) {
	g := &recordingEnqueuer{err: errors.New("queue full")}
	l := NewListener(g)
	var logs bytes.Buffer
	l.SetLogOutput(&logs)

	ev := Event{Action: ActionSMSReceived, PDUs: encodePDUs(t, "+1555", "hi")}
	if n := l.OnReceive("evt-5.json", ev); n != 0 {
		t.Errorf("handed = %d, want 0", n)
	}
	if !strings.Contains(logs.String(), "queue full") {
		t.Errorf("expected enqueue error logged, got %q", logs.String())
	}
}

type panickingEnqueuer struct{}

func (panickingEnqueuer) Enqueue(model.InboundMessage) error { panic("boom") }

func TestOnReceiveRecoversPanic(t *testing.T) {
	l := NewListener(panickingEnqueuer{})
	var logs bytes.Buffer
	l.SetLogOutput(&logs)

	ev := Event{Action: ActionSMSReceived, PDUs: encodePDUs(t, "+1555", "hi")}
	l.OnReceive("evt-6.json", ev)
	if !strings.Contains(logs.String(), "recovered panic") {
		t.Errorf("expected panic to be absorbed and logged, got %q", logs.String())
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	long := strings.Repeat("Your parcel is held at customs. ", 8)
	ev, err := NewEvent("+15550001", long, time.UnixMilli(5000))
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Accepted() || len(ev.PDUs) < 2 {
		t.Fatalf("expected a multi-part sms_received event, got %+v", ev)
	}

	g := &recordingEnqueuer{}
	l := NewListener(g)
	l.SetLogOutput(&bytes.Buffer{})
	if n := l.OnReceive("evt-long.json", ev); n != len(ev.PDUs) {
		t.Fatalf("handed = %d, want %d", n, len(ev.PDUs))
	}
	var joined strings.Builder
	for _, m := range g.messages() {
		joined.WriteString(m.Body)
	}
	if joined.String() != long {
		t.Errorf("fragments do not reassemble to the original text")
	}
}

func TestNewEventRejectsBadSender(t *testing.T) {
	if _, err := NewEvent("not a number!", "hi", time.Now()); err == nil {
		t.Error("expected error for an undialable sender")
	}
}
