// Package mcp exposes devcrew sessions and the GitHub issue tools over the
// Model Context Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// on the stdio transport, so an MCP client can start a crew session, follow
// its progress and read the final report.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
	"github.com/fyrsmithlabs/devcrew/internal/secrets"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

// Engine is the part of *orchestrator.Engine the server drives.
type Engine interface {
	Start(ctx context.Context, request, sessionID string) (<-chan orchestrator.Event, error)
	Resume(ctx context.Context, sessionID string) (<-chan orchestrator.Event, error)
	State(ctx context.Context, sessionID string) (orchestrator.State, error)
}

// SessionLister lists checkpointed sessions. *checkpoint.Service implements it.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]checkpoint.SessionInfo, error)
}

// ToolLookup resolves built-in tools by name. *tools.Registry implements it.
type ToolLookup interface {
	Get(name string) (tools.Tool, bool)
}

// Server is an MCP server in front of the orchestration engine.
type Server struct {
	mcp      *mcp.Server
	engine   Engine
	sessions SessionLister
	tools    ToolLookup
	scrubber secrets.Scrubber
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "devcrew")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "devcrew",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server. sessions and lookup are optional:
// without them the listing and issue tools are not registered.
func NewServer(cfg *Config, engine Engine, sessions SessionLister, lookup ToolLookup, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if scrubber == nil {
		scrubber = secrets.Nop{}
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		engine:   engine,
		sessions: sessions,
		tools:    lookup,
		scrubber: scrubber,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session over the given transport. Tests use it with
// in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
