// Package permission tracks the host capabilities the guardian needs before
// interception can run and drives the consent flow for them.
package permission

import (
	"fmt"
	"io"
	"os"
)

// Capability is a host-granted permission.
type Capability string

const (
	ReadSMS           Capability = "READ_SMS"
	ReceiveSMS        Capability = "RECEIVE_SMS"
	SendSMS           Capability = "SEND_SMS"
	ReadPhoneState    Capability = "READ_PHONE_STATE"
	CallPhone         Capability = "CALL_PHONE"
	PostNotifications Capability = "POST_NOTIFICATIONS"
)

// NotificationConsentLevel is the first platform API level that requires
// consent before posting notifications.
const NotificationConsentLevel = 33

var baseCapabilities = []Capability{ReadSMS, ReceiveSMS, SendSMS, ReadPhoneState, CallPhone}

// Capabilities returns the capability set that exists on the given platform
// API level. Capabilities the platform does not know are omitted.
func Capabilities(apiLevel int) []Capability {
	caps := append([]Capability(nil), baseCapabilities...)
	if apiLevel >= NotificationConsentLevel {
		caps = append(caps, PostNotifications)
	}
	return caps
}

// PermissionSet maps capability to granted.
type PermissionSet map[Capability]bool

// Platform is the host's permission authority.
type Platform interface {
	APILevel() int
	Granted(c Capability) bool
	// RequestConsent asks the user about caps and calls done with the outcome.
	// It may block until the user answers.
	RequestConsent(caps []Capability, done func(PermissionSet))
}

// Gatekeeper queries and requests capability grants.
type Gatekeeper struct {
	platform Platform
	onResult func(PermissionSet)
	log      io.Writer
}

// NewGatekeeper creates a gatekeeper. onResult receives the outcome of every
// consent flow started by Request and may be nil.
func NewGatekeeper(p Platform, onResult func(PermissionSet)) *Gatekeeper {
	return &Gatekeeper{platform: p, onResult: onResult, log: os.Stderr}
}

// SetLogOutput redirects gatekeeper log lines.
func (g *Gatekeeper) SetLogOutput(w io.Writer) {
	g.log = w
}

// Request starts the consent flow for every capability supported on this
// platform and returns the dispatched set without waiting for the answer.
func (g *Gatekeeper) Request() []Capability {
	caps := Capabilities(g.platform.APILevel())
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(g.log, "permission: consent flow panicked: %v\n", r)
			}
		}()
		g.platform.RequestConsent(caps, func(result PermissionSet) {
			filtered := make(PermissionSet, len(caps))
			for _, c := range caps {
				if granted, ok := result[c]; ok {
					filtered[c] = granted
				}
			}
			fmt.Fprintf(g.log, "permission: consent result %v\n", filtered)
			if g.onResult != nil {
				g.onResult(filtered)
			}
		})
	}()
	return caps
}

// Query reads the current grant state. It has no side effects.
func (g *Gatekeeper) Query() PermissionSet {
	caps := Capabilities(g.platform.APILevel())
	set := make(PermissionSet, len(caps))
	for _, c := range caps {
		set[c] = g.platform.Granted(c)
	}
	return set
}

// Missing returns the supported capabilities that are not granted.
func (g *Gatekeeper) Missing() []Capability {
	var missing []Capability
	for _, c := range Capabilities(g.platform.APILevel()) {
		if !g.platform.Granted(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
