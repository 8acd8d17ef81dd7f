package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
)

// hangWatchdog is the silence duration that aborts a read loop, defeated
// first by the proactive-sudo strategies below.
const hangWatchdog = 10 * time.Second

// pollInterval is how often the read loop re-evaluates timers and the
// proactive-sudo strategies even when no chunk has arrived; channel reads
// themselves are edge-triggered (see pump in session.go).
const pollInterval = 20 * time.Millisecond

// Proactive-sudo strategy thresholds: the speculative send fires once the
// buffer has stayed empty past half a second (an echo-disabled prompt leaves
// no bytes to react to), the last resort fires at three seconds regardless.
const (
	sudoSpeculativeWait = 500 * time.Millisecond
	sudoLastResortWait  = 3 * time.Second
)

// execContext carries one command's settings and progress through the read
// loop.
type execContext struct {
	command          string
	sanitized        string
	startTime        time.Time
	deadline         time.Time
	capBytes         int
	sudoPassword     string
	interactiveOn    bool
	isSudo           bool
	sudoPasswordSent bool
	// hasPasswordSource is true when a configured sudo password or the
	// interactive broker could answer a prompt. Without one, the proactive
	// strategies stay off and only a detected prompt can fail the command.
	hasPasswordSource bool
}

// rawOutput accumulates one command's captured streams before cleanup.
type rawOutput struct {
	buffer           []byte
	stderr           []byte
	totalBytes       int
	exitStatus       *int
	truncated        bool
	passwordError    string
	hungUp           bool
	deadlineExceeded bool
	// passwordSentAt rebases the hang watchdog: waiting on the Broker can
	// outlast the silence window, and the remote needs time to respond to
	// the password that was just delivered.
	passwordSentAt time.Time
}

func (s *Session) newExecContext(opts ExecOptions, sanitized string) *execContext {
	timeout := s.cfg.CommandTimeout
	if opts.TimeoutMS > 0 {
		timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	capBytes := s.cfg.MaxOutputBytes
	if opts.MaxBytes > 0 {
		capBytes = opts.MaxBytes
	}

	sudoPassword := opts.SudoPassword
	if sudoPassword == "" {
		sudoPassword = s.cfg.SudoPassword
	}

	now := time.Now()
	return &execContext{
		command:           opts.Command,
		sanitized:         sanitized,
		startTime:         now,
		deadline:          now.Add(timeout),
		capBytes:          capBytes,
		sudoPassword:      sudoPassword,
		interactiveOn:     s.cfg.InteractivePasswordEnabled,
		isSudo:            strings.HasPrefix(strings.TrimSpace(opts.Command), "sudo"),
		hasPasswordSource: sudoPassword != "" || s.cfg.InteractivePasswordEnabled,
	}
}

// readLoop drives one command to completion: it pulls chunks off the
// Session's stdout/stderr pumps, checks for the exit-status sentinel, the
// output cap, the hang watchdog, and the absolute deadline, and dispatches
// to the password sub-protocol whenever a prompt is detected. A non-nil
// error means the transport itself failed (session.go marks the Session
// disconnected in response); everything else is reported through rawOutput.
func (s *Session) readLoop(ctx context.Context, ec *execContext) (*rawOutput, error) {
	raw := &rawOutput{}
	lastOutput := time.Now()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case c, ok := <-s.stdoutCh:
			if !ok {
				return nil, io.ErrClosedPipe
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil, io.ErrClosedPipe
				}
				return nil, c.err
			}
			raw.buffer = append(raw.buffer, c.data...)
			raw.totalBytes += len(c.data)
			lastOutput = time.Now()

		case c, ok := <-s.stderrCh:
			if !ok {
				return nil, io.ErrClosedPipe
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil, io.ErrClosedPipe
				}
				return nil, c.err
			}
			raw.stderr = append(raw.stderr, c.data...)
			raw.totalBytes += len(c.data)
			lastOutput = time.Now()

		case <-ticker.C:
		}

		if s.evaluateLoop(ec, raw, lastOutput) {
			return raw, nil
		}
	}
}

// evaluateLoop applies the termination conditions in priority order and, if
// none fire yet, runs the password sub-protocol once. Returns true when the
// loop should stop.
func (s *Session) evaluateLoop(ec *execContext, raw *rawOutput, lastOutput time.Time) bool {
	if s.checkSentinel(raw) {
		return true
	}
	if raw.totalBytes > ec.capBytes {
		if len(raw.buffer) > ec.capBytes {
			raw.buffer = raw.buffer[:ec.capBytes]
		}
		raw.truncated = true
		return true
	}
	if raw.passwordError != "" {
		return true
	}

	s.handlePrompts(ec, raw)
	if raw.passwordError != "" {
		return true
	}

	if time.Now().After(ec.deadline) {
		raw.deadlineExceeded = true
		return true
	}

	idleSince := lastOutput
	if raw.passwordSentAt.After(idleSince) {
		idleSince = raw.passwordSentAt
	}
	// A sudo command disarms the watchdog only while proactive strategies
	// are still pending; with no password source there is nothing pending.
	watchdogArmed := !ec.isSudo || ec.sudoPasswordSent || !ec.hasPasswordSource
	if watchdogArmed && time.Since(idleSince) > hangWatchdog {
		raw.hungUp = true
		return true
	}
	return false
}

// checkSentinel looks for the exit-status sentinel in the accumulated
// buffer; on a match it parses the code, strips the sentinel, and reports
// completion.
func (s *Session) checkSentinel(raw *rawOutput) bool {
	if !bytes.Contains(raw.buffer, []byte(exitStatusPrefix)) {
		return false
	}
	m := exitStatusPattern.FindSubmatch(raw.buffer)
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return false
	}
	raw.exitStatus = &n
	raw.buffer = exitStatusPattern.ReplaceAll(raw.buffer, nil)
	return true
}

// handlePrompts runs the proactive-sudo strategies (only for commands
// beginning with the elevation verb, only when a password source exists,
// and at most once per command via the sudoPasswordSent latch) and,
// independently, the reactive prompt-pattern scan every other command
// relies on.
func (s *Session) handlePrompts(ec *execContext, raw *rawOutput) {
	if ec.isSudo && ec.hasPasswordSource && !ec.sudoPasswordSent {
		s.runProactiveSudo(ec, raw)
		if raw.passwordError != "" {
			return
		}
	}

	kind, ok := detectPrompt(string(raw.buffer))
	if !ok {
		return
	}
	s.respondToPrompt(ec, raw, kind)
}

// runProactiveSudo implements the three-strategy proactive sender: reactive
// (buffer already looks like a password cue), speculative (0.5s of silence),
// last resort (3s elapsed regardless of buffer state). Exactly one of the
// three fires per command, enforced by the sudoPasswordSent latch.
func (s *Session) runProactiveSudo(ec *execContext, raw *rawOutput) {
	elapsed := time.Since(ec.startTime)
	switch {
	case looksLikeSudoPassword(string(raw.buffer)):
		s.sendSudoPassword(ec, raw)
	case elapsed >= sudoSpeculativeWait && len(bytes.TrimSpace(raw.buffer)) == 0:
		s.sendSudoPassword(ec, raw)
	case elapsed >= sudoLastResortWait:
		s.sendSudoPassword(ec, raw)
	}
}

func (s *Session) sendSudoPassword(ec *execContext, raw *rawOutput) {
	pwd, err := s.resolvePassword(ec, promptSudo)
	if err != nil {
		raw.passwordError = err.Error()
		return
	}
	s.sendPassword(pwd, raw)
	ec.sudoPasswordSent = true
}

func (s *Session) respondToPrompt(ec *execContext, raw *rawOutput, kind promptKind) {
	pwd, err := s.resolvePassword(ec, kind)
	if err != nil {
		raw.passwordError = err.Error()
		return
	}
	s.sendPassword(pwd, raw)
	if kind == promptSudo {
		ec.sudoPasswordSent = true
	}
}

// sendPassword writes pwd to the shell and clears the buffer so the
// already-consumed prompt is never re-detected.
func (s *Session) sendPassword(pwd string, raw *rawOutput) {
	s.stdin.Write([]byte(pwd + "\n"))
	raw.buffer = raw.buffer[:0]
	raw.passwordSentAt = time.Now()
}

// resolvePassword implements the Session-local handler chain: a configured
// literal sudo password answers a sudo prompt without ever consulting the
// Broker; otherwise, if interactive prompting is enabled, the Broker is
// asked; otherwise the prompt goes unanswered.
func (s *Session) resolvePassword(ec *execContext, kind promptKind) (string, error) {
	if kind == promptSudo && ec.sudoPassword != "" {
		return ec.sudoPassword, nil
	}
	if ec.interactiveOn {
		ctx, cancel := context.WithTimeout(context.Background(), broker.DefaultTimeout)
		defer cancel()
		pwd, err := s.broker.RequestPassword(ctx, promptTextFor(kind), string(kind), s.ID, s.Host, s.Username, ec.command, broker.DefaultTimeout)
		if err != nil {
			return "", fmt.Errorf("password required but not provided: %w", err)
		}
		return pwd, nil
	}
	return "", errors.New("password required but not provided. Use sudo_password parameter or enable interactive password prompting")
}

func promptTextFor(kind promptKind) string {
	switch kind {
	case promptSudo:
		return "[sudo] password for user:"
	case promptSSH:
		return "SSH password:"
	case promptLogin:
		return "login:"
	default:
		return "Password:"
	}
}

// finalize turns a completed read loop's rawOutput into the result the
// dispatcher returns: the hang/deadline/password failures produce a populated
// result directly, everything else goes through the cleanup pipeline
// (echo/prompt strip, ANSI strip, redaction, line cap).
func (s *Session) finalize(ec *execContext, raw *rawOutput) Result {
	durationMS := time.Since(ec.startTime).Milliseconds()

	switch {
	case raw.hungUp:
		return Result{
			Stdout:     "",
			Stderr:     "command timed out - no output for 10s, may be waiting for input",
			ExitStatus: intPtr(1),
			DurationMS: durationMS,
			TimedOut:   true,
			SessionID:  s.ID,
		}
	case raw.deadlineExceeded:
		return Result{
			Stdout:     "",
			Stderr:     "command deadline exceeded",
			ExitStatus: intPtr(1),
			DurationMS: durationMS,
			TimedOut:   true,
			SessionID:  s.ID,
		}
	case raw.passwordError != "":
		return Result{
			Stdout:        "",
			Stderr:        raw.passwordError,
			ExitStatus:    intPtr(1),
			DurationMS:    durationMS,
			PasswordError: raw.passwordError,
			SessionID:     s.ID,
		}
	}

	stdout := cleanOutput(string(raw.buffer))
	stderr := ansiPattern.ReplaceAllString(string(raw.stderr), "")

	stdout = s.policy.RedactSecrets(stdout)
	stderr = s.policy.RedactSecrets(stderr)

	stdout, truncated := limitOutputLines(stdout, s.cfg.MaxOutputLines, raw.truncated)

	return Result{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitStatus: raw.exitStatus,
		DurationMS: durationMS,
		Truncated:  truncated,
		SessionID:  s.ID,
	}
}

func intPtr(n int) *int { return &n }
