// Package session implements a persistent interactive SSH shell (Session)
// and the read loop that frames one command at a time, streams its output,
// and satisfies password prompts mid-command.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
	"github.com/nextlevelbuilder/sshgateway/internal/policy"
)

// ErrNotConnected is returned by ExecuteCommand when the Session has never
// connected, or has transitioned to disconnected (terminal).
var ErrNotConnected = errors.New("session not connected")

// PolicyError wraps a validate_command rejection; the dispatcher surfaces it
// as the Policy-denied error taxonomy entry without ever touching the shell.
type PolicyError struct{ Reason string }

func (e *PolicyError) Error() string { return "command not allowed: " + e.Reason }

const ptyWidth, ptyHeight = 120, 30

// chunk is a piece of output read off stdout or stderr, tagged with the
// wall-clock time it arrived so the read loop can drive its watchdog off
// the channel instead of an extra polling read.
type chunk struct {
	data []byte
	err  error
}

// Session is one persistent interactive shell on one remote host, bound to
// session_id. Invariant: the interactive channel (sshSession/stdin) is
// non-nil iff connected is true; at most one command executes at a time,
// enforced by mu.
type Session struct {
	ID       string
	Host     string
	Port     int
	Username string

	mu sync.Mutex

	cfg    Config
	broker *broker.Broker
	policy *policy.Engine
	log    *slog.Logger

	client     *ssh.Client
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stdoutCh   chan chunk
	stderrCh   chan chunk

	connected   bool
	connectedAt time.Time
	lastUsed    time.Time
	currentDir  string
}

// New constructs a disconnected Session. Registry.CreateSession calls this;
// Connect must be called before ExecuteCommand will do anything.
func New(id, host string, port int, username string, cfg Config, b *broker.Broker, p *policy.Engine, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:       id,
		Host:     host,
		Port:     port,
		Username: username,
		cfg:      cfg,
		broker:   b,
		policy:   p,
		log:      log,
	}
}

// Connect dials the host, opens an interactive shell over a PTY, and runs
// the once-per-session prologue (predictable prompt, echo off, pagers
// neutralized).
func (s *Session) Connect(ctx context.Context, auth Auth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientCfg, err := buildClientConfig(s.Username, auth, s.cfg.ConnectTimeout, s.cfg.KnownHostsPath)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	var conn net.Conn
	if s.cfg.ProxyCommandTemplate != "" {
		conn, err = dialViaProxyCommand(resolveProxyCommand(s.cfg.ProxyCommandTemplate, s.Host))
	} else {
		conn, err = net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	cConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(cConn, chans, reqs)

	sshSession, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("open ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sshSession.RequestPty("xterm", ptyHeight, ptyWidth, modes); err != nil {
		sshSession.Close()
		client.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sshSession.StdinPipe()
	if err != nil {
		sshSession.Close()
		client.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		sshSession.Close()
		client.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sshSession.StderrPipe()
	if err != nil {
		sshSession.Close()
		client.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sshSession.Shell(); err != nil {
		sshSession.Close()
		client.Close()
		return fmt.Errorf("invoke shell: %w", err)
	}

	s.client = client
	s.sshSession = sshSession
	s.stdin = stdin
	s.stdoutCh = make(chan chunk, 64)
	s.stderrCh = make(chan chunk, 64)
	s.currentDir = "~"

	go pump(stdout, s.stdoutCh)
	go pump(stderr, s.stderrCh)

	s.connected = true
	s.connectedAt = time.Now()
	s.lastUsed = s.connectedAt

	if err := s.runPrologue(); err != nil {
		s.log.Warn("session prologue failed", "session_id", s.ID, "error", err)
	}

	s.log.Info("ssh session connected", "session_id", s.ID, "host", s.Host, "username", s.Username)
	return nil
}

// pump copies r into ch one read() at a time until r returns an error (EOF
// on a clean close, or a transport error), then reports the error and
// returns. Blocking reads on a dedicated goroutine give the read loop
// edge-triggered readiness instead of a polled non-blocking recv.
func pump(r io.Reader, ch chan<- chunk) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch <- chunk{data: data}
		}
		if err != nil {
			ch <- chunk{err: err}
			close(ch)
			return
		}
	}
}

func (s *Session) runPrologue() error {
	s.waitForPrompt(10 * time.Second)
	for _, cmd := range prologueCommands {
		if _, err := s.stdin.Write([]byte(cmd + "\n")); err != nil {
			return fmt.Errorf("prologue command %q: %w", cmd, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// waitForPrompt drains stdoutCh until the shell's prompt pattern appears or
// timeout elapses; a miss is non-fatal (logged, not returned) since the
// prologue commands still get sent either way.
func (s *Session) waitForPrompt(timeout time.Duration) {
	deadline := time.After(timeout)
	var buf []byte
	for {
		select {
		case c, ok := <-s.stdoutCh:
			if !ok {
				return
			}
			if c.err != nil {
				return
			}
			buf = append(buf, c.data...)
			if promptPattern.Match(buf) {
				return
			}
		case <-deadline:
			s.log.Warn("prompt not detected at connect", "session_id", s.ID)
			return
		}
	}
}

// Disconnect closes the shell and underlying SSH client. Safe to call
// multiple times.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	s.connected = false
	var firstErr error
	if s.sshSession != nil {
		if err := s.sshSession.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.sshSession = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil && !errors.Is(err, io.EOF) {
			firstErr = err
		}
		s.client = nil
	}
	s.stdin = nil
	s.log.Info("ssh session disconnected", "session_id", s.ID)
	return firstErr
}

// Info returns a read-only snapshot for list_sessions.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:   s.ID,
		Host:        s.Host,
		Port:        s.Port,
		Username:    s.Username,
		ConnectedAt: s.connectedAt,
		LastUsed:    s.lastUsed,
		CurrentDir:  s.currentDir,
		Connected:   s.connected,
	}
}

// IsConnected reports the connected flag without requiring the caller to
// hold the session mutex for the whole check-then-act.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ExecuteCommand validates the command against policy, frames and sends it,
// drives the read loop to completion, and cleans the result. Serializes with
// every other call on this Session via mu.
func (s *Session) ExecuteCommand(ctx context.Context, opts ExecOptions) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return Result{}, ErrNotConnected
	}

	decision := s.policy.ValidateCommand(opts.Command)
	if !decision.Allowed {
		return Result{}, &PolicyError{Reason: decision.Reason}
	}

	ec := s.newExecContext(opts, decision.Sanitized)

	framed := frameCommand(ec.sanitized, s.cfg.NonInteractiveSudoEnabled)
	if _, err := s.stdin.Write([]byte(framed + "\n")); err != nil {
		s.disconnectLocked()
		return Result{}, fmt.Errorf("transport failed sending command: %w", err)
	}
	if opts.InputData != "" {
		data := opts.InputData
		if !strings.HasSuffix(data, "\n") {
			data += "\n"
		}
		if _, err := s.stdin.Write([]byte(data)); err != nil {
			s.disconnectLocked()
			return Result{}, fmt.Errorf("transport failed sending stdin: %w", err)
		}
	}

	raw, err := s.readLoop(ctx, ec)
	if err != nil {
		s.disconnectLocked()
		return Result{}, fmt.Errorf("transport failed reading output: %w", err)
	}

	result := s.finalize(ec, raw)
	s.lastUsed = time.Now()
	s.logExecution(opts.Command, result)
	return result, nil
}

func (s *Session) logExecution(command string, result Result) {
	fields := []any{"session_id", s.ID, "duration_ms", result.DurationMS, "truncated", result.Truncated}
	if result.ExitStatus != nil {
		fields = append(fields, "exit_status", *result.ExitStatus)
	}
	if policy.ShouldLogCommand(command) {
		fields = append([]any{"cmd", command}, fields...)
	} else {
		fields = append([]any{"cmd", "<redacted-args>"}, fields...)
	}
	s.log.Info("command executed", fields...)
}
