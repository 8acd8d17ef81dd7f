// Package rpc exposes the gateway's tool surface over MCP stdio. Each tool
// handler is a thin adapter: it parses arguments, calls into the registry,
// broker, or policy engine, and shapes the protocol payload.
package rpc

import (
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
	"github.com/nextlevelbuilder/sshgateway/internal/config"
	"github.com/nextlevelbuilder/sshgateway/internal/policy"
	"github.com/nextlevelbuilder/sshgateway/internal/registry"
	"github.com/nextlevelbuilder/sshgateway/pkg/protocol"
)

// Version is stamped at build time.
var Version = "dev"

// Server binds the core components to the MCP tool surface.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	broker   *broker.Broker
	policy   atomic.Pointer[policy.Engine]
	log      *slog.Logger

	mcp *server.MCPServer
}

// New constructs the server and registers every tool.
func New(cfg *config.Config, reg *registry.Registry, b *broker.Broker, p *policy.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		broker:   b,
		log:      log,
	}
	s.policy.Store(p)

	s.mcp = server.NewMCPServer("sshgateway", Version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// SetPolicy swaps the active policy engine, used by config hot reload. Only
// get_permissibility_info reflects the swap immediately; sessions keep the
// engine they were created with.
func (s *Server) SetPolicy(p *policy.Engine) {
	s.policy.Store(p)
}

// Serve blocks on the stdio transport until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(connectTool(), s.handleConnect)
	s.mcp.AddTool(runTool(), s.handleRun)
	s.mcp.AddTool(disconnectTool(), s.handleDisconnect)
	s.mcp.AddTool(listSessionsTool(), s.handleListSessions)
	s.mcp.AddTool(listPasswordRequestsTool(), s.handleListPasswordRequests)
	s.mcp.AddTool(providePasswordTool(), s.handleProvidePassword)
	s.mcp.AddTool(cancelPasswordRequestTool(), s.handleCancelPasswordRequest)
	s.mcp.AddTool(permissibilityInfoTool(), s.handlePermissibilityInfo)
}

func connectTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolConnect,
		mcp.WithDescription("Open a persistent interactive shell on a remote host over SSH. Returns a session_id for use with the run tool. Omitted parameters fall back to the gateway's configured defaults."),
		mcp.WithString("host", mcp.Description("Remote host to connect to")),
		mcp.WithNumber("port", mcp.Description("SSH port (default: 22)")),
		mcp.WithString("username", mcp.Description("Remote username")),
		mcp.WithString("session_id", mcp.Description("Caller-chosen session id; generated when omitted")),
		mcp.WithString("password", mcp.Description("Password for SSH authentication")),
		mcp.WithString("key_path", mcp.Description("Path to an SSH private key file")),
		mcp.WithString("key_pem_base64", mcp.Description("Base64-encoded PEM private key")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolRun,
		mcp.WithDescription("Run one command inside an existing session's persistent shell. The command is validated against the gateway's permissibility policy before it is sent; output is captured until the command completes or a limit is hit."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to run in, from connect")),
		mcp.WithString("cmd", mcp.Required(), mcp.Description("Command to execute")),
		mcp.WithString("input_data", mcp.Description("Data written to the command's stdin after dispatch")),
		mcp.WithNumber("timeout_ms", mcp.Description("Absolute deadline for this command in milliseconds")),
		mcp.WithNumber("max_bytes", mcp.Description("Output cap in bytes for this command")),
		mcp.WithString("sudo_password", mcp.Description("Password used to answer sudo prompts for this command only")),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolDisconnect,
		mcp.WithDescription("Close a session's shell and remove it from the gateway."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to close")),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolListSessions,
		mcp.WithDescription("List every live session with host, user, and activity timestamps."),
	)
}

func listPasswordRequestsTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolListPasswordRequests,
		mcp.WithDescription("List password requests currently waiting on an answer. A running command that hits an interactive prompt parks here until provide_password or cancel_password_request resolves it."),
	)
}

func providePasswordTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolProvidePassword,
		mcp.WithDescription("Answer one pending password request. Each request accepts exactly one answer."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request to answer, from list_password_requests")),
		mcp.WithString("password", mcp.Required(), mcp.Description("The password to deliver")),
	)
}

func cancelPasswordRequestTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolCancelPasswordRequest,
		mcp.WithDescription("Resolve one pending password request with no password; the waiting command fails with a password error."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request to cancel")),
	)
}

func permissibilityInfoTool() mcp.Tool {
	return mcp.NewTool(protocol.ToolGetPermissibilityInfo,
		mcp.WithDescription("Report the active permissibility level and the sizes of its allow and pattern sets."),
	)
}
