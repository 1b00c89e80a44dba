package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ErrClassifierUnavailable marks a classifier with no live connection.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Trigger identifies why the guardian was asked to start.
type Trigger string

const (
	TriggerUserStart      Trigger = "explicit_user_start"
	TriggerBoot           Trigger = "auto_start_on_boot"
	TriggerMessageArrival Trigger = "message_arrival"
)

// Valid reports whether t is one of the known triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUserStart, TriggerBoot, TriggerMessageArrival:
		return true
	}
	return false
}

// InboundMessage is one decoded SMS fragment. Immutable after creation.
type InboundMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Verdict is the classifier's threat determination for one message.
type Verdict struct {
	MessageID string `json:"message_id"`
	IsThreat  bool   `json:"is_threat"`
	RiskScore int    `json:"risk_score"`
	Rationale string `json:"rationale,omitempty"`
}

// Validate checks that the verdict answers msg and carries a score in range.
func (v Verdict) Validate(msg InboundMessage) error {
	if v.MessageID != msg.ID {
		return fmt.Errorf("verdict for %q does not match message %q", v.MessageID, msg.ID)
	}
	if v.RiskScore < 0 || v.RiskScore > 100 {
		return fmt.Errorf("risk score %d out of range 0-100", v.RiskScore)
	}
	return nil
}

// AlertRecord is the presentation-only payload of a threat alert.
type AlertRecord struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	RiskScore int    `json:"riskScore"`
}

// NewAlertRecord derives the alert for a malicious verdict. The body keeps the
// full message text.
func NewAlertRecord(msg InboundMessage, v Verdict) AlertRecord {
	var b strings.Builder
	fmt.Fprintf(&b, "From %s (risk %d/100)", msg.Sender, v.RiskScore)
	if v.Rationale != "" {
		fmt.Fprintf(&b, ": %s", v.Rationale)
	}
	b.WriteString("\n\n")
	b.WriteString(msg.Body)

	return AlertRecord{
		Title:     "Suspicious SMS blocked",
		Body:      b.String(),
		Sender:    msg.Sender,
		RiskScore: v.RiskScore,
	}
}

// NewMessageID derives an opaque message token from the arrival time of the
// transport event, the event key and the fragment index. Re-reading the same
// event yields the same ids.
func NewMessageID(arrival time.Time, eventKey string, fragment int) string {
	h := sha256.Sum256([]byte(eventKey))
	return fmt.Sprintf("%d-%s-%d", arrival.UnixMilli(), hex.EncodeToString(h[:4]), fragment)
}

var tagSeq atomic.Uint64

// NewAlertTag returns a notification tag derived from t that is unique within
// the process, so alerts posted in the same millisecond do not overwrite each other.
func NewAlertTag(t time.Time) string {
	return fmt.Sprintf("%d-%d", t.UnixMilli(), tagSeq.Add(1))
}

// Truncate shortens s to n runes for log lines.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
