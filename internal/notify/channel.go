// Package notify renders guardian notifications: the ongoing status indicator
// and high-priority threat alerts. Notifications are posted to Sinks.
package notify

import (
	"context"
	"time"
)

// Importance orders channels by how intrusive their notifications are.
type Importance int

const (
	ImportanceLow Importance = iota + 1
	ImportanceDefault
	ImportanceHigh
)

func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceDefault:
		return "default"
	case ImportanceHigh:
		return "high"
	}
	return "unknown"
}

// Channel ids.
const (
	StatusChannelID  = "guardian_sms_protection"
	ThreatChannelID  = "guardian_sms_threats"
	DefaultChannelID = "default"
)

// ChannelSupportLevel is the first platform API level with notification
// channels. Below it everything posts to DefaultChannelID.
const ChannelSupportLevel = 26

// StatusSlot is the fixed slot of the status indicator. Refreshes replace it.
const StatusSlot = "1001"

// ThreatVibration is the threat channel vibration pattern in milliseconds.
var ThreatVibration = []int64{100, 200, 300, 400, 500}

// Channel is a notification category with fixed presentation settings.
type Channel struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Importance  Importance `json:"importance"`
	Silent      bool       `json:"silent"`
	Vibration   []int64    `json:"vibration,omitempty"`
}

// StatusChannel is the low-importance, silent channel for the indicator.
func StatusChannel() Channel {
	return Channel{
		ID:          StatusChannelID,
		Name:        "SMS protection",
		Description: "Shows that SMS protection is active",
		Importance:  ImportanceLow,
		Silent:      true,
	}
}

// ThreatChannel is the high-importance, vibrating channel for threats.
func ThreatChannel() Channel {
	return Channel{
		ID:          ThreatChannelID,
		Name:        "SMS threats",
		Description: "Alerts about malicious SMS messages",
		Importance:  ImportanceHigh,
		Vibration:   append([]int64(nil), ThreatVibration...),
	}
}

// Kind distinguishes what a notification reports.
type Kind string

const (
	KindThreat        Kind = "threat"
	KindStatus        Kind = "status"
	KindStatusCleared Kind = "status_cleared"
)

// Notification is one rendered notification.
type Notification struct {
	Kind       Kind      `json:"kind"`
	Slot       string    `json:"slot"`
	Channel    string    `json:"channel"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender,omitempty"`
	RiskScore  int       `json:"risk_score,omitempty"`
	Ongoing    bool      `json:"ongoing"`     // not dismissible by the user
	AutoCancel bool      `json:"auto_cancel"` // dismissed on interaction
	OpenUI     bool      `json:"open_ui"`     // interaction opens the main UI
	Vibration  []int64   `json:"vibration,omitempty"`
	PostedAt   time.Time `json:"posted_at"`
}

// Sink displays or forwards notifications.
type Sink interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, slot string) error
}
