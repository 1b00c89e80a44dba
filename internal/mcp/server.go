// Package mcp exposes the guardian's UI-facing methods as MCP tools so an
// assistant can check protection, toggle it and review alerts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/classify"
)

// Config holds MCP server configuration.
type Config struct {
	Caller     bridge.Caller       // daemon connection
	Classifier classify.Classifier // dry-run classification, defaults to LinkGuard
	Inbox      string              // spool for guardiansms_inject; empty disables the tool
	Version    string
}

// Server wraps the MCP SDK server with tools proxied to the daemon.
type Server struct {
	mcpServer  *mcpsdk.Server
	caller     bridge.Caller
	classifier classify.Classifier
	inbox      string
}

// New creates an MCP server with all tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewLinkGuard(nil)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		caller:     cfg.Caller,
		classifier: cfg.Classifier,
		inbox:      cfg.Inbox,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "guardiansms",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// call invokes method on the daemon and decodes the result into out.
func (s *Server) call(ctx context.Context, method string, args, out any) error {
	raw, err := s.caller.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// failure converts a daemon error into tool output. Bridge errors become
// IsError results the assistant can read; transport errors abort the call.
func failure(err error) (*mcpsdk.CallToolResult, *ToolError, error) {
	var be *bridge.Error
	if errors.As(err, &be) {
		return &mcpsdk.CallToolResult{IsError: true}, &ToolError{Code: be.Code, Message: be.Message}, nil
	}
	return nil, nil, err
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardiansms_status",
		Description: "Report whether SMS protection is active, guardian queue depth and missing permissions.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardiansms_protect",
		Description: "Turn SMS protection on (enabled=true) or off (enabled=false).",
	}, s.handleProtect)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardiansms_permissions",
		Description: "List the host capabilities the guardian needs and whether each is granted.",
	}, s.handlePermissions)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardiansms_alerts",
		Description: "List the notifications currently visible: threat alerts and the protection status indicator.",
	}, s.handleAlerts)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "guardiansms_classify",
		Description: "Classify an SMS text locally without alerting (dry-run). Returns is_threat, risk_score and rationale.",
	}, s.handleClassify)

	if s.inbox != "" {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "guardiansms_inject",
			Description: "Drop a synthetic inbound SMS into the guardian's inbox spool for end-to-end testing.",
		}, s.handleInject)
	}
}
