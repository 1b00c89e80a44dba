package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/classify"
	"github.com/ppiankov/guardiansms/internal/guardian"
	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/notify"
	"github.com/ppiankov/guardiansms/internal/permission"
)

type fakeGuardian struct {
	startErr error
	stopErr  error
	started  []model.Trigger
	stopped  int
}

func (f *fakeGuardian) Start(_ context.Context, trigger model.Trigger) error {
	f.started = append(f.started, trigger)
	return f.startErr
}

func (f *fakeGuardian) Stop(context.Context) error {
	f.stopped++
	return f.stopErr
}

func (f *fakeGuardian) Status() guardian.Status {
	return guardian.Status{State: guardian.StateRunning, Active: true, Restarts: 2}
}

type failingAlerter struct{}

func (failingAlerter) PostThreatAlert(context.Context, model.AlertRecord, string) error {
	return errors.New("notifications disabled")
}

type env struct {
	bridge   *bridge.Bridge
	svc      *Service
	guardian *fakeGuardian
	tray     *notify.Tray
	platform *permission.FilePlatform
}

func newEnv(t *testing.T, apiLevel int) *env {
	t.Helper()
	b := bridge.New()
	b.SetLogOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()

	platform := permission.NewFilePlatform(filepath.Join(t.TempDir(), "grants.yaml"), apiLevel, true)
	gk := permission.NewGatekeeper(platform, func(set permission.PermissionSet) {
		b.Emit(EventPermissionResult, set)
	})
	gk.SetLogOutput(io.Discard)

	tray := notify.NewTray()
	g := &fakeGuardian{}
	svc := &Service{
		Guardian:    g,
		Permissions: gk,
		Alerter:     notify.NewNotifier(tray, apiLevel),
		Tray:        tray,
	}
	svc.Register(b)
	return &env{bridge: b, svc: svc, guardian: g, tray: tray, platform: platform}
}

func (e *env) call(t *testing.T, method string, args any) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.bridge.Call(ctx, method, args)
}

func errCode(err error) string {
	var be *bridge.Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func TestStartStopProtection(t *testing.T) {
	e := newEnv(t, 33)

	out, err := e.call(t, MethodStartSMSProtection, nil)
	if err != nil || string(out) != "true" {
		t.Fatalf("start = %s, %v", out, err)
	}
	if len(e.guardian.started) != 1 || e.guardian.started[0] != model.TriggerUserStart {
		t.Errorf("started = %v", e.guardian.started)
	}

	out, err = e.call(t, MethodStopSMSProtection, nil)
	if err != nil || string(out) != "true" {
		t.Fatalf("stop = %s, %v", out, err)
	}
	if e.guardian.stopped != 1 {
		t.Errorf("stopped = %d", e.guardian.stopped)
	}
}

func TestStartStopErrorCodes(t *testing.T) {
	e := newEnv(t, 33)
	e.guardian.startErr = errors.New("disk full")
	e.guardian.stopErr = errors.New("disk full")

	if _, err := e.call(t, MethodStartSMSProtection, nil); errCode(err) != CodeStart {
		t.Errorf("start: expected %s, got %v", CodeStart, err)
	}
	if _, err := e.call(t, MethodStopSMSProtection, nil); errCode(err) != CodeStop {
		t.Errorf("stop: expected %s, got %v", CodeStop, err)
	}
}

func TestCheckPermissions(t *testing.T) {
	tests := []struct {
		apiLevel int
		want     int
	}{
		{30, 5},
		{33, 6},
	}
	for _, tt := range tests {
		e := newEnv(t, tt.apiLevel)
		_ = e.platform.Set(permission.ReceiveSMS, true)

		out, err := e.call(t, MethodCheckPermissions, nil)
		if err != nil {
			t.Fatal(err)
		}
		var set map[string]bool
		if err := json.Unmarshal(out, &set); err != nil {
			t.Fatal(err)
		}
		if len(set) != tt.want {
			t.Errorf("api %d: %d capabilities, want %d", tt.apiLevel, len(set), tt.want)
		}
		if !set["RECEIVE_SMS"] || set["READ_SMS"] {
			t.Errorf("api %d: unexpected grants %v", tt.apiLevel, set)
		}
	}
}

func TestRequestPermissionsEmitsResult(t *testing.T) {
	e := newEnv(t, 33)
	events, unsub := e.bridge.Subscribe(4)
	defer unsub()

	out, err := e.call(t, MethodRequestPermissions, nil)
	if err != nil || string(out) != "true" {
		t.Fatalf("request = %s, %v", out, err)
	}

	select {
	case ev := <-events:
		if ev.Name != EventPermissionResult {
			t.Fatalf("event = %s", ev.Name)
		}
		var set map[string]bool
		_ = json.Unmarshal(ev.Payload, &set)
		if len(set) != 6 || !set["POST_NOTIFICATIONS"] {
			t.Errorf("unexpected result %v", set)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onPermissionResult not emitted")
	}
}

func TestShowThreatNotification(t *testing.T) {
	e := newEnv(t, 33)
	args := map[string]any{"title": "Phishing", "body": "You won a prize, click http://bad.link", "sender": "+1555", "riskScore": 87}

	for i := 0; i < 2; i++ {
		if _, err := e.call(t, MethodShowThreatNotification, args); err != nil {
			t.Fatal(err)
		}
	}
	alerts := e.tray.ByKind(notify.KindThreat)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 distinct alerts, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Title != "Phishing" || a.Sender != "+1555" || a.RiskScore != 87 || a.Channel != notify.ThreatChannelID {
		t.Errorf("unexpected alert %+v", a)
	}
}

func TestShowThreatNotificationErrors(t *testing.T) {
	e := newEnv(t, 33)
	tests := []struct {
		name string
		args any
	}{
		{"score too high", map[string]any{"body": "x", "riskScore": 101}},
		{"negative score", map[string]any{"body": "x", "riskScore": -1}},
		{"missing score", map[string]any{"body": "x"}},
		{"missing body", map[string]any{"riskScore": 50}},
		{"malformed", json.RawMessage(`{"riskScore":"high"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.call(t, MethodShowThreatNotification, tt.args); errCode(err) != CodeNotification {
				t.Errorf("expected %s, got %v", CodeNotification, err)
			}
		})
	}
	if len(e.tray.Active()) != 0 {
		t.Error("no notification expected")
	}

	e.svc.Alerter = failingAlerter{}
	_, err := e.call(t, MethodShowThreatNotification, map[string]any{"body": "x", "riskScore": 50})
	if errCode(err) != CodeNotification {
		t.Errorf("sink failure: expected %s, got %v", CodeNotification, err)
	}
}

func TestShowThreatNotificationDefaultTitle(t *testing.T) {
	e := newEnv(t, 33)
	if _, err := e.call(t, MethodShowThreatNotification, map[string]any{"body": "x", "riskScore": 0}); err != nil {
		t.Fatal(err)
	}
	alerts := e.tray.ByKind(notify.KindThreat)
	if len(alerts) != 1 || alerts[0].Title != defaultAlertTitle {
		t.Errorf("unexpected alerts %+v", alerts)
	}
}

func TestReportVerdict(t *testing.T) {
	e := newEnv(t, 33)
	args := map[string]any{"messageId": "m1", "isThreat": true, "riskScore": 90}

	if _, err := e.call(t, MethodReportVerdict, args); errCode(err) != CodeVerdict {
		t.Errorf("without bridge classifier: expected %s, got %v", CodeVerdict, err)
	}

	cls := classify.NewBridge(nil)
	e.svc.Verdicts = cls
	if _, err := e.call(t, MethodReportVerdict, args); err != nil {
		t.Fatal(err)
	}
	v, err := cls.Classify(context.Background(), model.InboundMessage{ID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsThreat || v.RiskScore != 90 {
		t.Errorf("unexpected verdict %+v", v)
	}

	if _, err := e.call(t, MethodReportVerdict, map[string]any{"messageId": "m2", "riskScore": 500}); errCode(err) != CodeVerdict {
		t.Errorf("out of range: expected %s, got %v", CodeVerdict, err)
	}
}

func TestGetProtectionStatus(t *testing.T) {
	e := newEnv(t, 30)
	_ = e.platform.Set(permission.ReadSMS, true)

	out, err := e.call(t, MethodGetProtectionStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	var st ProtectionStatus
	if err := json.Unmarshal(out, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != guardian.StateRunning || !st.Active || st.Restarts != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if len(st.MissingPermissions) != 4 {
		t.Errorf("missing = %v", st.MissingPermissions)
	}
}

func TestListAndDismissNotifications(t *testing.T) {
	e := newEnv(t, 33)
	if _, err := e.call(t, MethodShowThreatNotification, map[string]any{"body": "Claim at www.prize-claim.xyz", "riskScore": 95}); err != nil {
		t.Fatal(err)
	}

	out, err := e.call(t, MethodListNotifications, nil)
	if err != nil {
		t.Fatal(err)
	}
	var active []notify.Notification
	if err := json.Unmarshal(out, &active); err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Kind != notify.KindThreat {
		t.Fatalf("unexpected notifications %+v", active)
	}

	out, err = e.call(t, MethodDismissNotification, Dismissal{Slot: active[0].Slot})
	if err != nil {
		t.Fatal(err)
	}
	var d Dismissal
	if err := json.Unmarshal(out, &d); err != nil {
		t.Fatal(err)
	}
	if !d.OpenUI {
		t.Error("threat alert should open the main UI")
	}
	if len(e.tray.Active()) != 0 {
		t.Error("threat alert should auto-cancel on interaction")
	}

	if _, err := e.call(t, MethodDismissNotification, map[string]any{}); errCode(err) != CodeTray {
		t.Errorf("missing slot: expected %s, got %v", CodeTray, err)
	}
}

func TestNotificationsWithoutTray(t *testing.T) {
	e := newEnv(t, 33)
	e.svc.Tray = nil
	if _, err := e.call(t, MethodListNotifications, nil); errCode(err) != CodeTray {
		t.Errorf("expected %s, got %v", CodeTray, err)
	}
}

func TestUnknownMethod(t *testing.T) {
	e := newEnv(t, 33)
	if _, err := e.call(t, "sendSMS", nil); errCode(err) != bridge.CodeNotImplemented {
		t.Errorf("expected %s, got %v", bridge.CodeNotImplemented, err)
	}
}
