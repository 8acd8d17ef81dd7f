package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/sshgateway/internal/session"
	"github.com/nextlevelbuilder/sshgateway/internal/telemetry"
	"github.com/nextlevelbuilder/sshgateway/pkg/protocol"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host := mcp.ParseString(req, "host", s.cfg.Default.Host)
	port := mcp.ParseInt(req, "port", s.cfg.Default.Port)
	username := mcp.ParseString(req, "username", s.cfg.Default.Username)
	sessionID := mcp.ParseString(req, "session_id", "")

	if host == "" {
		return mcp.NewToolResultError("host is required (no default configured)"), nil
	}
	if username == "" {
		return mcp.NewToolResultError("username is required (no default configured)"), nil
	}
	if sessionID == "" {
		sessionID = strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}

	auth, err := s.resolveAuth(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.registry.CreateSession(sessionID, host, port, username)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout())
	defer cancel()
	if err := sess.Connect(connectCtx, auth); err != nil {
		s.registry.RemoveSession(sessionID)
		return mcp.NewToolResultError(fmt.Sprintf("authentication or connection failed: %v", err)), nil
	}

	return jsonResult(protocol.ConnectResult{
		SessionID: sessionID,
		Host:      host,
		Port:      port,
		Username:  username,
		Connected: true,
	})
}

// resolveAuth picks the authentication method from the call's arguments,
// falling back to the configured defaults.
// Precedence: password > key_path > key_pem_base64 > default key path >
// default password.
func (s *Server) resolveAuth(req mcp.CallToolRequest) (session.Auth, error) {
	if pw := mcp.ParseString(req, "password", ""); pw != "" {
		return session.Auth{Method: session.AuthPassword, Password: pw}, nil
	}
	if path := mcp.ParseString(req, "key_path", ""); path != "" {
		return session.Auth{Method: session.AuthKeyPath, KeyPath: path}, nil
	}
	if pem := mcp.ParseString(req, "key_pem_base64", ""); pem != "" {
		return session.Auth{Method: session.AuthKeyPEMBase64, KeyPEMBase64: pem}, nil
	}
	if path := s.cfg.Default.PrivateKeyPath; path != "" {
		return session.Auth{Method: session.AuthKeyPath, KeyPath: path}, nil
	}
	if pw := s.cfg.Default.Password; pw != "" {
		return session.Auth{Method: session.AuthPassword, Password: pw}, nil
	}
	return session.Auth{}, errors.New("no authentication method available: pass password, key_path, or key_pem_base64, or configure a default")
}

func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	cmd := mcp.ParseString(req, "cmd", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if cmd == "" {
		return mcp.NewToolResultError("cmd is required"), nil
	}

	sess, ok := s.registry.GetSession(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no such session %q", sessionID)), nil
	}

	commandName := cmd
	if fields := strings.Fields(cmd); len(fields) > 0 {
		commandName = fields[0]
	}
	ctx, span := telemetry.StartCommandSpan(ctx, sessionID, commandName)

	result, err := sess.ExecuteCommand(ctx, session.ExecOptions{
		Command:      cmd,
		InputData:    mcp.ParseString(req, "input_data", ""),
		TimeoutMS:    mcp.ParseInt(req, "timeout_ms", 0),
		MaxBytes:     mcp.ParseInt(req, "max_bytes", 0),
		SudoPassword: mcp.ParseString(req, "sudo_password", ""),
	})
	telemetry.EndCommandSpan(span, result.ExitStatus, result.Truncated, result.DurationMS)

	if err != nil {
		var policyErr *session.PolicyError
		switch {
		case errors.As(err, &policyErr):
			return mcp.NewToolResultError(policyErr.Error()), nil
		case errors.Is(err, session.ErrNotConnected):
			return mcp.NewToolResultError(fmt.Sprintf("session %q is not connected", sessionID)), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("transport failed: %v", err)), nil
		}
	}

	return jsonResult(protocol.RunResult{
		SessionID:  result.SessionID,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitStatus: result.ExitStatus,
		DurationMS: result.DurationMS,
		Truncated:  result.Truncated,
	})
}

func (s *Server) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if !s.registry.RemoveSession(sessionID) {
		return mcp.NewToolResultError(fmt.Sprintf("no such session %q", sessionID)), nil
	}
	return jsonResult(map[string]any{"session_id": sessionID, "disconnected": true})
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.registry.ListSessions()
	records := make([]protocol.SessionRecord, 0, len(infos))
	for _, info := range infos {
		rec := protocol.SessionRecord{
			SessionID:  info.SessionID,
			Host:       info.Host,
			Port:       info.Port,
			Username:   info.Username,
			Connected:  info.Connected,
			CurrentDir: info.CurrentDir,
		}
		if !info.ConnectedAt.IsZero() {
			rec.ConnectedAt = info.ConnectedAt.Format(time.RFC3339)
		}
		if !info.LastUsed.IsZero() {
			rec.LastUsed = info.LastUsed.Format(time.RFC3339)
		}
		records = append(records, rec)
	}
	return jsonResult(records)
}

func (s *Server) handleListPasswordRequests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := s.broker.ListPending()
	records := make([]protocol.PasswordRequestRecord, 0, len(pending))
	for _, r := range pending {
		records = append(records, protocol.PasswordRequestRecord{
			RequestID:      r.ID,
			PromptText:     r.PromptText,
			PromptType:     r.PromptType,
			SessionID:      r.SessionID,
			Host:           r.Host,
			Username:       r.Username,
			Command:        r.Command,
			CreatedAt:      r.Timestamp.Format(time.RFC3339),
			TimeoutSeconds: r.TimeoutSeconds,
		})
	}
	return jsonResult(records)
}

func (s *Server) handleProvidePassword(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := mcp.ParseString(req, "request_id", "")
	password := mcp.ParseString(req, "password", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	if password == "" {
		return mcp.NewToolResultError("password is required"), nil
	}

	ok := s.broker.ProvidePassword(requestID, password)
	msg := ""
	if !ok {
		msg = "request not found or already resolved"
	}
	return jsonResult(protocol.AckResult{RequestID: requestID, OK: ok, Message: msg})
}

func (s *Server) handleCancelPasswordRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := mcp.ParseString(req, "request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	ok := s.broker.CancelRequest(requestID)
	msg := ""
	if !ok {
		msg = "request not found or already resolved"
	}
	return jsonResult(protocol.AckResult{RequestID: requestID, OK: ok, Message: msg})
}

func (s *Server) handlePermissibilityInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := s.policy.Load().Describe()
	return jsonResult(protocol.PermissibilityInfo{
		Level:                    info.Level,
		AllowedCount:             info.AllowedCount,
		DangerousPatternCount:    info.DangerousPatternCount,
		AlwaysDeniedCount:        info.AlwaysDeniedCount,
		ArgumentPatternTableSize: info.ArgumentPatternTableSize,
	})
}
