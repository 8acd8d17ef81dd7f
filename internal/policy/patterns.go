package policy

import "regexp"

// levelPatterns are the per-level dangerous-operation regexes checked against
// the full raw command line. Low blocks all shell metacharacters and sudo
// outright; Medium allows chaining but still blocks root-destructive idioms;
// High narrows those same idioms to their exact trailing form, so `rm -rf /`
// is blocked but `rm -rf /srv/app` is not.
var levelPatterns = map[Level][]*regexp.Regexp{
	LevelLow: {
		regexp.MustCompile("&&|\\|\\||;|\\||`|\\$\\(|>|>>|<|\\*|\\?|\\[|\\]"),
		regexp.MustCompile(`\bsudo\b`),
		regexp.MustCompile(`rm\s+-rf\s+/`),
		regexp.MustCompile(`dd\s+if=/dev/zero\s+of=/dev/sd[a-z]`),
		regexp.MustCompile(`mkfs\.ext4\s+/dev/sd[a-z]`),
		regexp.MustCompile(`fdisk\s+/dev/sd[a-z]`),
	},
	LevelMedium: {
		regexp.MustCompile(`rm\s+-rf\s+/`),
		regexp.MustCompile(`dd\s+if=/dev/zero\s+of=/dev/sd[a-z]`),
		regexp.MustCompile(`mkfs\.ext4\s+/dev/sd[a-z]`),
		regexp.MustCompile(`fdisk\s+/dev/sd[a-z]`),
	},
	LevelHigh: {
		regexp.MustCompile(`rm\s+-rf\s+/$`),
		regexp.MustCompile(`dd\s+if=/dev/zero\s+of=/dev/sd[a-z]$`),
		regexp.MustCompile(`mkfs\.ext4\s+/dev/sd[a-z]$`),
		regexp.MustCompile(`fdisk\s+/dev/sd[a-z]$`),
	},
}

// secretPattern is a regex/replacement pair used to redact command output
// before it leaves the gateway.
type secretPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// secretPatterns are applied to captured output in order. Order matters:
// base64_token is broad enough to also catch some of the other tokens, so the
// more specific patterns run first.
var secretPatterns = []secretPattern{
	{"openai_key", regexp.MustCompile(`(?i)sk-[A-Za-z0-9]{48}`), "[REDACTED_API_KEY]"},
	{"github_token", regexp.MustCompile(`(?i)ghp_[A-Za-z0-9]{36}`), "[REDACTED_GITHUB_TOKEN]"},
	{"gitlab_token", regexp.MustCompile(`(?i)glpat-[A-Za-z0-9_\-]{20}`), "[REDACTED_GITLAB_TOKEN]"},
	{"slack_token", regexp.MustCompile(`(?i)xox[baprs]-[A-Za-z0-9\-]{10,48}`), "[REDACTED_SLACK_TOKEN]"},
	{"aws_key", regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`), "[REDACTED_AWS_KEY]"},
	{"private_key", regexp.MustCompile(`(?is)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`), "[REDACTED_PRIVATE_KEY]"},
	{"base64_token", regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`), "[REDACTED_TOKEN]"},
}

// commandArgPatterns restricts the argument shape accepted for a handful of
// commands whose surface is otherwise too broad to allow-list wholesale.
// A command absent from this table has no shape restriction beyond the
// dangerous-pattern and always-denied checks.
var commandArgPatterns = map[string][]*regexp.Regexp{
	"kubectl": {
		regexp.MustCompile(`^get\s+(pods?|services?|deployments?|nodes?|namespaces?)(\s+\S+)*(\s+-[a-zA-Z]+(\s+\S+)*)*$`),
		regexp.MustCompile(`^describe\s+(pods?|services?|deployments?|nodes?)(\s+\S+)*(\s+-[a-zA-Z]+(\s+\S+)*)*$`),
		regexp.MustCompile(`^logs\s+\S+(\s+-[a-zA-Z]+(\s+\S+)*)*$`),
		regexp.MustCompile(`^top\s+(pods?|nodes?)(\s+-[a-zA-Z]+(\s+\S+)*)*$`),
		regexp.MustCompile(`^config\s+view(\s+--minify)?$`),
	},
	"systemctl": {
		regexp.MustCompile(`^status\s+\S+$`),
		regexp.MustCompile(`^is-active\s+\S+$`),
		regexp.MustCompile(`^is-enabled\s+\S+$`),
		regexp.MustCompile(`^list-units(\s+--type=\w+)?(\s+--state=\w+)?$`),
	},
	"journalctl": {
		regexp.MustCompile(`^--since\s+"[^"]*"(\s+--unit=\S+)?(\s+-n\s+\d+)?$`),
		regexp.MustCompile(`^--unit=\S+(\s+--since\s+"[^"]*")?(\s+-n\s+\d+)?$`),
		regexp.MustCompile(`^-n\s+\d+(\s+--unit=\S+)?$`),
	},
	"docker": {
		regexp.MustCompile(`^ps(\s+-[a-zA-Z]+)*$`),
		regexp.MustCompile(`^images(\s+-[a-zA-Z]+)*$`),
		regexp.MustCompile(`^logs\s+\S+(\s+-[a-zA-Z]+(\s+\S+)*)*$`),
		regexp.MustCompile(`^inspect\s+\S+$`),
		regexp.MustCompile(`^stats(\s+\S+)*$`),
	},
	"git": {
		regexp.MustCompile(`^status$`),
		regexp.MustCompile(`^log(\s+--oneline)?(\s+-n\s+\d+)?$`),
		regexp.MustCompile(`^branch(\s+-[a-zA-Z]+)*$`),
		regexp.MustCompile(`^diff(\s+\S+)*$`),
		regexp.MustCompile(`^show(\s+\S+)*$`),
	},
}

// filePathDenyPatterns block traversal and sensitive system paths outright,
// checked before the allow-prefix list below.
var filePathDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)/etc/`),
	regexp.MustCompile(`(?i)/proc/`),
	regexp.MustCompile(`(?i)/sys/`),
	regexp.MustCompile(`(?i)/dev/`),
	regexp.MustCompile(`(?i)/boot/`),
	regexp.MustCompile(`(?i)~/\.ssh/`),
	regexp.MustCompile(`(?i)/root/`),
}

// filePathAllowedPrefixes are the only roots an upload/download may target,
// checked after filePathDenyPatterns has cleared the path.
var filePathAllowedPrefixes = []string{
	"/home/",
	"/var/log/",
	"/tmp/",
	"/opt/",
	"/usr/local/",
	"./",
	"../",
}
