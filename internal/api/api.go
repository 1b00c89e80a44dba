// Package api registers the UI-facing bridge methods. Every method answers
// with a result or a named error code.
package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/guardian"
	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/notify"
	"github.com/ppiankov/guardiansms/internal/permission"
)

// Methods.
const (
	MethodRequestPermissions     = "requestPermissions"
	MethodCheckPermissions       = "checkPermissions"
	MethodStartSMSProtection     = "startSMSProtection"
	MethodStopSMSProtection      = "stopSMSProtection"
	MethodShowThreatNotification = "showThreatNotification"
	MethodReportVerdict          = "reportVerdict"
	MethodGetProtectionStatus    = "getProtectionStatus"
	MethodListNotifications      = "listNotifications"
	MethodDismissNotification    = "dismissNotification"
)

// Events pushed to the UI.
const (
	EventSMSReceived      = guardian.EventSMSReceived
	EventPermissionResult = "onPermissionResult"
)

// Error codes.
const (
	CodeStart        = "START_ERROR"
	CodeStop         = "STOP_ERROR"
	CodeNotification = "NOTIFICATION_ERROR"
	CodeVerdict      = "VERDICT_ERROR"
	CodeTray         = "TRAY_ERROR"
)

const defaultAlertTitle = "Suspicious SMS blocked"

// Guardian is the lifecycle surface the UI drives.
type Guardian interface {
	Start(ctx context.Context, trigger model.Trigger) error
	Stop(ctx context.Context) error
	Status() guardian.Status
}

// Alerter posts threat alerts requested by the UI.
type Alerter interface {
	PostThreatAlert(ctx context.Context, rec model.AlertRecord, tag string) error
}

// VerdictSink receives verdicts the UI computed for onSMSReceived events.
type VerdictSink interface {
	Report(v model.Verdict) error
}

// Tray is the visible notification area.
type Tray interface {
	Active() []notify.Notification
	Dismiss(slot string) (openUI bool)
}

// Service implements the UI-facing methods.
type Service struct {
	Guardian    Guardian
	Permissions *permission.Gatekeeper
	Alerter     Alerter
	Verdicts    VerdictSink // nil when the UI is not the classifier
	Tray        Tray        // nil disables the notification methods

	now func() time.Time
}

// ThreatNotification is the showThreatNotification payload.
type ThreatNotification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	RiskScore *int   `json:"riskScore"`
}

// VerdictReport is the reportVerdict payload.
type VerdictReport struct {
	MessageID string `json:"messageId"`
	IsThreat  bool   `json:"isThreat"`
	RiskScore int    `json:"riskScore"`
	Rationale string `json:"rationale,omitempty"`
}

// ProtectionStatus is the getProtectionStatus result.
type ProtectionStatus struct {
	State              guardian.State           `json:"state"`
	Active             bool                     `json:"active"`
	Restarts           int                      `json:"restarts"`
	Queued             int                      `json:"queued"`
	InFlight           int                      `json:"inFlight"`
	Permissions        permission.PermissionSet `json:"permissions"`
	MissingPermissions []permission.Capability  `json:"missingPermissions"`
}

// Dismissal is the dismissNotification payload and result.
type Dismissal struct {
	Slot   string `json:"slot"`
	OpenUI bool   `json:"openUI"`
}

// Register installs every method on b.
func (s *Service) Register(b *bridge.Bridge) {
	b.Handle(MethodRequestPermissions, s.requestPermissions)
	b.Handle(MethodCheckPermissions, s.checkPermissions)
	b.Handle(MethodStartSMSProtection, s.startProtection)
	b.Handle(MethodStopSMSProtection, s.stopProtection)
	b.Handle(MethodShowThreatNotification, s.showThreatNotification)
	b.Handle(MethodReportVerdict, s.reportVerdict)
	b.Handle(MethodGetProtectionStatus, s.getProtectionStatus)
	b.Handle(MethodListNotifications, s.listNotifications)
	b.Handle(MethodDismissNotification, s.dismissNotification)
}

func (s *Service) requestPermissions(context.Context, json.RawMessage) (any, error) {
	s.Permissions.Request()
	return true, nil
}

func (s *Service) checkPermissions(context.Context, json.RawMessage) (any, error) {
	return s.Permissions.Query(), nil
}

func (s *Service) startProtection(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.Guardian.Start(ctx, model.TriggerUserStart); err != nil {
		return nil, bridge.Errorf(CodeStart, "Failed to start protection: %v", err)
	}
	return true, nil
}

func (s *Service) stopProtection(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.Guardian.Stop(ctx); err != nil {
		return nil, bridge.Errorf(CodeStop, "Failed to stop protection: %v", err)
	}
	return true, nil
}

func (s *Service) showThreatNotification(ctx context.Context, args json.RawMessage) (any, error) {
	var in ThreatNotification
	if err := bridge.Decode(args, &in); err != nil {
		return nil, bridge.Errorf(CodeNotification, "invalid arguments: %v", err)
	}
	if in.RiskScore == nil {
		return nil, bridge.Errorf(CodeNotification, "riskScore is required")
	}
	if *in.RiskScore < 0 || *in.RiskScore > 100 {
		return nil, bridge.Errorf(CodeNotification, "riskScore %d out of range 0-100", *in.RiskScore)
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, bridge.Errorf(CodeNotification, "body is required")
	}
	title := in.Title
	if title == "" {
		title = defaultAlertTitle
	}

	rec := model.AlertRecord{Title: title, Body: in.Body, Sender: in.Sender, RiskScore: *in.RiskScore}
	if err := s.Alerter.PostThreatAlert(ctx, rec, model.NewAlertTag(s.clock())); err != nil {
		return nil, bridge.Errorf(CodeNotification, "Failed to show notification: %v", err)
	}
	return true, nil
}

func (s *Service) reportVerdict(_ context.Context, args json.RawMessage) (any, error) {
	if s.Verdicts == nil {
		return nil, bridge.Errorf(CodeVerdict, "the UI is not the configured classifier")
	}
	var in VerdictReport
	if err := bridge.Decode(args, &in); err != nil {
		return nil, bridge.Errorf(CodeVerdict, "invalid arguments: %v", err)
	}
	v := model.Verdict{MessageID: in.MessageID, IsThreat: in.IsThreat, RiskScore: in.RiskScore, Rationale: in.Rationale}
	if err := s.Verdicts.Report(v); err != nil {
		return nil, bridge.Errorf(CodeVerdict, "%v", err)
	}
	return true, nil
}

func (s *Service) getProtectionStatus(context.Context, json.RawMessage) (any, error) {
	st := s.Guardian.Status()
	out := ProtectionStatus{
		State:    st.State,
		Active:   st.Active,
		Restarts: st.Restarts,
		Queued:   st.Queued,
		InFlight: st.InFlight,
	}
	if s.Permissions != nil {
		out.Permissions = s.Permissions.Query()
		out.MissingPermissions = s.Permissions.Missing()
	}
	if out.MissingPermissions == nil {
		out.MissingPermissions = []permission.Capability{}
	}
	return out, nil
}

func (s *Service) listNotifications(context.Context, json.RawMessage) (any, error) {
	if s.Tray == nil {
		return nil, bridge.Errorf(CodeTray, "no notification tray configured")
	}
	return s.Tray.Active(), nil
}

// dismissNotification simulates the user tapping a notification.
func (s *Service) dismissNotification(_ context.Context, args json.RawMessage) (any, error) {
	if s.Tray == nil {
		return nil, bridge.Errorf(CodeTray, "no notification tray configured")
	}
	var in Dismissal
	if err := bridge.Decode(args, &in); err != nil {
		return nil, bridge.Errorf(CodeTray, "invalid arguments: %v", err)
	}
	if in.Slot == "" {
		return nil, bridge.Errorf(CodeTray, "slot is required")
	}
	in.OpenUI = s.Tray.Dismiss(in.Slot)
	return in, nil
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
