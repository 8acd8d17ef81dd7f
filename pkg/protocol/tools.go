// Package protocol defines the gateway's tool surface: the tool names the
// upstream client invokes and the JSON payload shapes each returns.
package protocol

// Tool name constants.
const (
	ToolConnect               = "connect"
	ToolRun                   = "run"
	ToolDisconnect            = "disconnect"
	ToolListSessions          = "list_sessions"
	ToolListPasswordRequests  = "list_password_requests"
	ToolProvidePassword       = "provide_password"
	ToolCancelPasswordRequest = "cancel_password_request"
	ToolGetPermissibilityInfo = "get_permissibility_info"
)

// ProtocolVersion is bumped whenever a tool's input or output shape changes
// incompatibly.
const ProtocolVersion = 1
