// Package policy implements the command and file-path allow/deny rules a
// Session enforces before anything reaches the remote shell, plus output
// redaction on the way back.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of validating a command or path.
type Decision struct {
	Allowed   bool
	Reason    string
	Sanitized string // the command text to actually send, when Allowed
}

// Engine is a permissibility-level-scoped policy evaluator. It is immutable
// after construction and safe for concurrent use by multiple sessions.
type Engine struct {
	level    Level
	allowed  map[string]struct{}
	patterns []*regexp.Regexp
}

// New builds an Engine for the given level.
func New(level Level) *Engine {
	allowed := make(map[string]struct{})
	for _, c := range AllowedCommands(level) {
		allowed[c] = struct{}{}
	}
	return &Engine{level: level, allowed: allowed, patterns: levelPatterns[level]}
}

// Level returns the level this engine was constructed with.
func (e *Engine) Level() Level { return e.level }

// ValidateCommand runs the full validate_command pipeline: empty check,
// shell-word split, always-denied check, allow-list check, per-command
// argument-shape check, then level-scoped dangerous-pattern check. Order
// matches the pipeline the gateway was distilled from: always-denied and
// allow-list are resolved before the more expensive pattern scans run.
func (e *Engine) ValidateCommand(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}

	normalized := strings.Join(strings.Fields(trimmed), " ")
	for _, denied := range AlwaysDenied() {
		if normalized == denied {
			return Decision{Allowed: false, Reason: fmt.Sprintf("command matches always-denied entry %q", denied)}
		}
	}

	parts, err := splitWords(trimmed)
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("command parsing error: %v", err)}
	}
	if len(parts) == 0 {
		return Decision{Allowed: false, Reason: "invalid command syntax"}
	}

	name := parts[0]
	if _, ok := e.allowed[name]; !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("command %q is not in the allow-list for level %s", name, e.level)}
	}

	argString := strings.Join(parts[1:], " ")
	if shapes, ok := commandArgPatterns[name]; ok {
		matched := false
		for _, re := range shapes {
			if re.MatchString(argString) {
				matched = true
				break
			}
		}
		if !matched {
			return Decision{Allowed: false, Reason: fmt.Sprintf("unsafe arguments for command %q", name)}
		}
	}

	for _, re := range e.patterns {
		if re.MatchString(trimmed) {
			return Decision{Allowed: false, Reason: "dangerous pattern detected"}
		}
	}

	return Decision{Allowed: true, Reason: "command allowed", Sanitized: sanitize(trimmed)}
}

// sanitize strips NUL bytes and caps length the way the original keeps
// command echoes bounded before they're sent over the wire.
func sanitize(command string) string {
	s := strings.ReplaceAll(command, "\x00", "")
	const maxLen = 1000
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidateFilePath checks an upload/download target against the deny
// patterns first, then requires the path fall under one of the allowed
// prefixes.
func (e *Engine) ValidateFilePath(path string) Decision {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Decision{Allowed: false, Reason: "empty path"}
	}

	for _, re := range filePathDenyPatterns {
		if re.MatchString(trimmed) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("dangerous path pattern: %s", re.String())}
		}
	}

	for _, prefix := range filePathAllowedPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return Decision{Allowed: true, Reason: "path allowed", Sanitized: trimmed}
		}
	}
	return Decision{Allowed: false, Reason: "path not in allowed directories"}
}

// RedactSecrets replaces recognizable secret material in text with a
// placeholder. Safe to call repeatedly on already-redacted text: the
// placeholders themselves never match a secret pattern.
func (e *Engine) RedactSecrets(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// ShouldLogCommand reports whether a command's full text is safe to put in
// logs verbatim. Sensitive commands are still logged, just with their
// argument tail withheld by the caller.
func ShouldLogCommand(command string) bool {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return true
	}
	fields := strings.Fields(trimmed)
	name := strings.ToLower(fields[0])
	switch name {
	case "passwd", "su", "sudo", "ssh", "scp":
		return false
	default:
		return true
	}
}

// Info summarizes an Engine's configuration, the backing data for the
// get_permissibility_info tool.
type Info struct {
	Level                    string `json:"level"`
	AllowedCount             int    `json:"allowed_count"`
	DangerousPatternCount    int    `json:"dangerous_pattern_count"`
	AlwaysDeniedCount        int    `json:"always_denied_count"`
	ArgumentPatternTableSize int    `json:"argument_pattern_table_size"`
}

// Describe returns the counts backing get_permissibility_info.
func (e *Engine) Describe() Info {
	argPatterns := 0
	for _, shapes := range commandArgPatterns {
		argPatterns += len(shapes)
	}
	return Info{
		Level:                    string(e.level),
		AllowedCount:             len(e.allowed),
		DangerousPatternCount:    len(levelPatterns[e.level]),
		AlwaysDeniedCount:        len(AlwaysDenied()),
		ArgumentPatternTableSize: argPatterns,
	}
}
