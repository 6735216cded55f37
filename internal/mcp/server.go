// Package mcp exposes a read-only view of the store over the Model Context
// Protocol. The server never unlocks the vault, so secret values are always
// masked.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agenshield/agenshield/pkg/audit"
	"github.com/agenshield/agenshield/pkg/scope"
	"github.com/agenshield/agenshield/pkg/store"
)

// ServerName is reported to MCP clients.
const ServerName = "agenshield"

// Server represents the MCP server.
type Server struct {
	server   *mcp.Server
	store    *store.Store
	scope    *scope.Filter
	activity *audit.Logger
	logger   *slog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	Store *store.Store
	// Scope binds every tool to one target/user view. Nil means global.
	Scope *scope.Filter
	// Activity, when set, records each tool call.
	Activity *audit.Logger
	Logger   *slog.Logger
	Version  string
}

// NewServer creates a new MCP server instance.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("mcp: store is required")
	}
	f := opts.Scope
	if f == nil {
		f = scope.Global()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		server:   mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
		store:    opts.Store,
		scope:    f,
		activity: opts.Activity,
		logger:   logger,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "policy_list",
		Description: "List the policies that apply to this agent's scope, highest priority first.",
	}, s.handlePolicyList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_list",
		Description: "List secret names visible to this agent's scope with their policy links. Values are always masked.",
	}, s.handleSecretList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "secret_exists",
		Description: "Check whether a secret name resolves in this agent's scope. Does NOT return the secret value.",
	}, s.handleSecretExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "config_get",
		Description: "Return the daemon configuration merged from global, target and user levels.",
	}, s.handleConfigGet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "preset_list",
		Description: "List the built-in policy preset bundles.",
	}, s.handlePresetList)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "scope", s.scope.String())
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// record logs a tool call to the activity log, if configured.
func (s *Server) record(tool string, err error) {
	if s.activity == nil {
		return
	}
	details := map[string]any{"tool": tool, "scope": s.scope.String()}
	if err != nil {
		details[audit.ResultKey] = audit.ResultError
	}
	if rerr := s.activity.Record(audit.OpMCPCall, tool, details); rerr != nil {
		s.logger.Warn("failed to record activity", "tool", tool, "error", rerr)
	}
}
