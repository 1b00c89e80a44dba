package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/guardiansms/internal/api"
	"github.com/ppiankov/guardiansms/internal/intercept"
	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/notify"
)

// --- Input/Output types ---

// ToolError carries a daemon error code back to the assistant.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusInput is empty.
type StatusInput struct{}

// StatusOutput describes the guardian.
type StatusOutput struct {
	State              string     `json:"state,omitempty"`
	Active             bool       `json:"active"`
	Restarts           int        `json:"restarts"`
	Queued             int        `json:"queued"`
	InFlight           int        `json:"in_flight"`
	MissingPermissions []string   `json:"missing_permissions,omitempty"`
	Error              *ToolError `json:"error,omitempty"`
}

// ProtectInput defines parameters for guardiansms_protect.
type ProtectInput struct {
	Enabled bool `json:"enabled" jsonschema:"true to start protection, false to stop it"`
}

// ProtectOutput confirms the new protection state.
type ProtectOutput struct {
	Active bool       `json:"active"`
	Error  *ToolError `json:"error,omitempty"`
}

// PermissionsInput is empty.
type PermissionsInput struct{}

// PermissionsOutput lists capability grants.
type PermissionsOutput struct {
	Granted []string   `json:"granted"`
	Missing []string   `json:"missing"`
	Error   *ToolError `json:"error,omitempty"`
}

// AlertsInput defines parameters for guardiansms_alerts.
type AlertsInput struct {
	ThreatsOnly bool `json:"threats_only,omitempty" jsonschema:"omit the protection status indicator"`
}

// AlertsOutput lists visible notifications.
type AlertsOutput struct {
	Alerts []AlertItem `json:"alerts"`
	Error  *ToolError  `json:"error,omitempty"`
}

// AlertItem is one visible notification.
type AlertItem struct {
	Kind      string `json:"kind"`
	Slot      string `json:"slot"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Sender    string `json:"sender,omitempty"`
	RiskScore int    `json:"risk_score,omitempty"`
	PostedAt  string `json:"posted_at"`
}

// ClassifyInput defines parameters for guardiansms_classify.
type ClassifyInput struct {
	Sender string `json:"sender,omitempty" jsonschema:"originating address"`
	Body   string `json:"body" jsonschema:"message text"`
}

// ClassifyOutput is the verdict.
type ClassifyOutput struct {
	IsThreat  bool   `json:"is_threat"`
	RiskScore int    `json:"risk_score"`
	Rationale string `json:"rationale,omitempty"`
}

// InjectInput defines parameters for guardiansms_inject.
type InjectInput struct {
	Sender string `json:"sender" jsonschema:"originating address, digits with optional leading +"`
	Body   string `json:"body" jsonschema:"message text"`
}

// InjectOutput reports the spooled event.
type InjectOutput struct {
	Path      string `json:"path"`
	Fragments int    `json:"fragments"`
}

// --- Handlers ---

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	var st api.ProtectionStatus
	if err := s.call(ctx, api.MethodGetProtectionStatus, nil, &st); err != nil {
		res, te, err := failure(err)
		return res, StatusOutput{Error: te}, err
	}
	out := StatusOutput{
		State:    string(st.State),
		Active:   st.Active,
		Restarts: st.Restarts,
		Queued:   st.Queued,
		InFlight: st.InFlight,
	}
	for _, c := range st.MissingPermissions {
		out.MissingPermissions = append(out.MissingPermissions, string(c))
	}
	return nil, out, nil
}

func (s *Server) handleProtect(ctx context.Context, req *mcpsdk.CallToolRequest, input ProtectInput) (*mcpsdk.CallToolResult, ProtectOutput, error) {
	method := api.MethodStopSMSProtection
	if input.Enabled {
		method = api.MethodStartSMSProtection
	}
	if err := s.call(ctx, method, nil, nil); err != nil {
		res, te, err := failure(err)
		return res, ProtectOutput{Error: te}, err
	}
	return nil, ProtectOutput{Active: input.Enabled}, nil
}

func (s *Server) handlePermissions(ctx context.Context, req *mcpsdk.CallToolRequest, input PermissionsInput) (*mcpsdk.CallToolResult, PermissionsOutput, error) {
	var grants map[string]bool
	if err := s.call(ctx, api.MethodCheckPermissions, nil, &grants); err != nil {
		res, te, err := failure(err)
		return res, PermissionsOutput{Error: te}, err
	}
	out := PermissionsOutput{Granted: []string{}, Missing: []string{}}
	for c, ok := range grants {
		if ok {
			out.Granted = append(out.Granted, c)
		} else {
			out.Missing = append(out.Missing, c)
		}
	}
	sort.Strings(out.Granted)
	sort.Strings(out.Missing)
	return nil, out, nil
}

func (s *Server) handleAlerts(ctx context.Context, req *mcpsdk.CallToolRequest, input AlertsInput) (*mcpsdk.CallToolResult, AlertsOutput, error) {
	var active []notify.Notification
	if err := s.call(ctx, api.MethodListNotifications, nil, &active); err != nil {
		res, te, err := failure(err)
		return res, AlertsOutput{Error: te}, err
	}
	out := AlertsOutput{Alerts: []AlertItem{}}
	for _, n := range active {
		if input.ThreatsOnly && n.Kind != notify.KindThreat {
			continue
		}
		out.Alerts = append(out.Alerts, AlertItem{
			Kind:      string(n.Kind),
			Slot:      n.Slot,
			Title:     n.Title,
			Body:      n.Body,
			Sender:    n.Sender,
			RiskScore: n.RiskScore,
			PostedAt:  n.PostedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleClassify(ctx context.Context, req *mcpsdk.CallToolRequest, input ClassifyInput) (*mcpsdk.CallToolResult, ClassifyOutput, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, ClassifyOutput{}, fmt.Errorf("body is required")
	}
	now := time.Now()
	msg := model.InboundMessage{
		ID:         model.NewMessageID(now, "mcp", 0),
		Sender:     input.Sender,
		Body:       input.Body,
		ReceivedAt: now,
	}
	v, err := s.classifier.Classify(ctx, msg)
	if err != nil {
		return nil, ClassifyOutput{}, fmt.Errorf("classify: %w", err)
	}
	return nil, ClassifyOutput{IsThreat: v.IsThreat, RiskScore: v.RiskScore, Rationale: v.Rationale}, nil
}

func (s *Server) handleInject(ctx context.Context, req *mcpsdk.CallToolRequest, input InjectInput) (*mcpsdk.CallToolResult, InjectOutput, error) {
	now := time.Now()
	ev, err := intercept.NewEvent(input.Sender, input.Body, now)
	if err != nil {
		return nil, InjectOutput{}, err
	}
	path, err := intercept.WriteEvent(s.inbox, ev)
	if err != nil {
		return nil, InjectOutput{}, fmt.Errorf("spool event: %w", err)
	}
	return nil, InjectOutput{Path: path, Fragments: len(ev.PDUs)}, nil
}
