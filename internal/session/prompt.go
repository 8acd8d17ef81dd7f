package session

import (
	"fmt"
	"regexp"
	"strings"
)

// exitStatusPrefix starts the sentinel appended to every sent command so the
// real exit code can be recovered from a PTY stream that has no other way to
// signal it.
const exitStatusPrefix = "__EXIT_STATUS:"

var exitStatusPattern = regexp.MustCompile(`__EXIT_STATUS:(\d+)__`)

// promptPattern matches a shell's trailing prompt character, used both to
// detect the initial prompt at connect time and to strip prompt echoes from
// captured output.
var promptPattern = regexp.MustCompile(`[$#]\s*$`)

// ansiPattern strips color/cursor escape sequences from captured output.
var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")

// promptKind classifies a detected interactive prompt for the Password
// Broker's prompt_type field.
type promptKind string

const (
	promptSudo        promptKind = "sudo"
	promptInteractive promptKind = "interactive"
	promptSSH         promptKind = "ssh"
	promptLogin       promptKind = "login"
)

// promptSignature pairs a detection regex with the prompt_type it reports.
// Order matters only for readability; every pattern is tried.
type promptSignature struct {
	re   *regexp.Regexp
	kind promptKind
}

var promptSignatures = []promptSignature{
	{regexp.MustCompile(`(?i)\[sudo\] password for [^:]+:`), promptSudo},
	{regexp.MustCompile(`(?i)\[sudo\] password for [^:]*$`), promptSudo},
	{regexp.MustCompile(`(?i)sudo: a terminal is required to read the password`), promptSudo},
	{regexp.MustCompile(`(?i)sudo: no tty present and no askpass program specified`), promptSudo},
	{regexp.MustCompile(`(?i)we trust you have received the usual lecture`), promptSudo},
	{regexp.MustCompile(`(?i)try again\.`), promptSudo},
	{regexp.MustCompile(`(?i)pam authentication error`), promptInteractive},
	{regexp.MustCompile(`(?i)ssh password:`), promptSSH},
	{regexp.MustCompile(`(?i)ssh key passphrase:`), promptSSH},
	{regexp.MustCompile(`(?i)login:`), promptLogin},
	{regexp.MustCompile(`(?i)^password:\s*$`), promptInteractive},
	{regexp.MustCompile(`(?i)password:\s*$`), promptInteractive},
}

// detectPrompt reports the first matching prompt signature in buf, if any.
func detectPrompt(buf string) (promptKind, bool) {
	for _, sig := range promptSignatures {
		if sig.re.MatchString(buf) {
			return sig.kind, true
		}
	}
	return "", false
}

// looksLikeSudoPassword is the loose "does the buffer smell like a password
// prompt yet" check the proactive-sudo reactive strategy uses. Deliberately
// looser than detectPrompt's signatures: a partial prompt still counts.
func looksLikeSudoPassword(buf string) bool {
	lower := strings.ToLower(buf)
	return strings.Contains(lower, "password") || strings.Contains(buf, "[sudo]")
}

// noninteractiveSudoFlag is inserted after the elevation verb when
// NonInteractiveSudoEnabled is set, so sudo fails fast instead of blocking on
// a tty prompt the gateway can't see.
const noninteractiveSudoFlag = "-n"

// pagerSuppressedTools get --no-pager (and, for systemctl, --plain) appended
// to their own pipe segment.
var pagerSuppressedTools = []string{"systemctl", "journalctl"}

// makeCommandNoninteractive rewrites cmd so it can't block waiting on a tty:
// optionally inserts sudo's non-interactive flag, and appends pager-disabling
// flags to any pipe segment that names a pager-prone tool. Segments are
// inspected independently so `journalctl | grep x` only flags journalctl.
func makeCommandNoninteractive(cmd string, nonInteractiveSudo bool) string {
	stripped := strings.TrimSpace(cmd)

	if nonInteractiveSudo && strings.HasPrefix(stripped, "sudo ") {
		fields := strings.Fields(stripped)
		hasFlag := false
		for i := 1; i < len(fields) && i < 3; i++ {
			if fields[i] == noninteractiveSudoFlag {
				hasFlag = true
				break
			}
		}
		if !hasFlag {
			withFlag := make([]string, 0, len(fields)+1)
			withFlag = append(withFlag, fields[0], noninteractiveSudoFlag)
			withFlag = append(withFlag, fields[1:]...)
			fields = withFlag
		}
		stripped = strings.Join(fields, " ")
	}

	if strings.Contains(stripped, "|") {
		segments := strings.Split(stripped, "|")
		for i, seg := range segments {
			segments[i] = addPagerFlags(strings.TrimSpace(seg))
		}
		return strings.Join(segments, " | ")
	}

	for _, tool := range pagerSuppressedTools {
		if containsWord(stripped, tool) {
			return addPagerFlags(stripped)
		}
	}
	return stripped
}

func containsWord(s, word string) bool {
	return strings.Contains(" "+s+" ", " "+word+" ")
}

func addPagerFlags(segment string) string {
	named := false
	for _, tool := range pagerSuppressedTools {
		if containsWord(segment, tool) {
			named = true
			break
		}
	}
	if !named {
		return segment
	}
	if !strings.Contains(segment, "--no-pager") {
		segment += " --no-pager"
	}
	if containsWord(segment, "systemctl") && !strings.Contains(segment, "--plain") {
		segment += " --plain"
	}
	return segment
}

// frameCommand wraps a sanitized command in the composite form the shell
// loop sends: errexit disabled, the command itself, then the exit-status
// sentinel on its own line.
func frameCommand(sanitized string, nonInteractiveSudo bool) string {
	toSend := makeCommandNoninteractive(sanitized, nonInteractiveSudo)
	return "set +e; " + toSend + "; echo " + exitStatusPrefix + "$?__"
}

// prologueCommands are sent once per session right after the shell starts,
// setting a predictable prompt, disabling echo, and neutralizing every pager
// the allow-listed tools might invoke.
var prologueCommands = []string{
	"export TERM=xterm",
	"export PS1='$ '",
	"set +o emacs",
	"stty -echo",
	"export PAGER=cat",
	"export SYSTEMD_PAGER=cat",
	"export SYSTEMD_LESS=",
	"export SYSTEMD_COLORS=0",
	"export GIT_PAGER=cat",
	"export MANPAGER=cat",
}

// cleanOutput strips blank lines, trailing shell-prompt echoes, and ANSI
// escapes from a command's raw captured stdout.
func cleanOutput(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || promptPattern.MatchString(line) {
			continue
		}
		line = ansiPattern.ReplaceAllString(line, "")
		cleaned = append(cleaned, line)
	}
	return strings.Join(cleaned, "\n")
}

// limitOutputLines enforces the configured line cap, appending a truncation
// marker and reporting whether it had to cut anything.
func limitOutputLines(stdout string, maxLines int, alreadyTruncated bool) (string, bool) {
	if maxLines <= 0 {
		return stdout, alreadyTruncated
	}
	lines := strings.Split(stdout, "\n")
	if len(lines) <= maxLines {
		return stdout, alreadyTruncated
	}
	lines = lines[:maxLines]
	lines = append(lines, fmt.Sprintf("... [output truncated after %d lines]", maxLines))
	return strings.Join(lines, "\n"), true
}
