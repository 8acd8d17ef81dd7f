package policy

import "strings"

// Level is the permissibility tier a Session operates under. Levels widen
// monotonically: Medium's allow-set is Low's plus its own additions, High's
// is Medium's plus its own additions.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel parses a level case-insensitively. Unknown or empty input falls
// back to medium rather than erroring, since a gateway should never refuse to
// boot over a typo'd level.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(LevelLow):
		return LevelLow
	case string(LevelHigh):
		return LevelHigh
	case string(LevelMedium):
		return LevelMedium
	default:
		return LevelMedium
	}
}

func (l Level) String() string { return string(l) }

// lowCommands are read-only/basic operations, safe at every level.
var lowCommands = []string{
	"ls", "cat", "head", "tail", "grep", "find", "du", "df", "file", "stat",
	"uname", "whoami", "id", "pwd", "date", "uptime", "free", "lscpu",
	"ps", "top", "htop", "pgrep", "pidof",
	"ping", "curl", "wget", "netstat", "ss", "dig", "nslookup",
	"ip", "route", "arp", "ifconfig",
	"awk", "sed", "sort", "uniq", "wc", "cut", "tr", "echo", "printf",
	"which", "whereis", "type", "hash", "env", "export", "unset",
	"history", "cd",
}

// mediumCommands add write and service-management operations on top of low.
var mediumCommands = []string{
	"nano", "vim", "vi", "tee", "cp", "mv", "rm", "rmdir", "mkdir", "touch",
	"chmod", "chown", "ln", "chattr", "lsattr",
	"kill", "killall", "pkill", "nohup", "systemctl", "journalctl", "service",
	"iwconfig", "tcpdump", "wireshark",
	"kubectl", "k9s", "helm", "k3s", "k3s-agent", "crictl", "ctr",
	"tar", "gzip", "gunzip", "zip", "unzip", "bzip2", "xz",
	"git",
	"docker", "docker-compose", "podman", "buildah",
	"ssh", "scp", "rsync", "tailscale", "tailscaled", "cloudflared",
	"apt", "apt-get", "dpkg", "snap", "yum", "dnf", "pacman",
	"strace", "ltrace", "gdb", "valgrind", "perf", "iotop", "iostat",
	"lshw", "lspci", "lsusb", "lsmod", "dmesg", "lspcmcia",
	"useradd", "usermod", "userdel", "groupadd", "groupmod", "groupdel",
	"passwd", "chpasswd", "newusers", "vipw", "vigr",
	"openssl", "certbot", "letsencrypt", "ufw", "iptables", "firewall-cmd",
	"ssh-keygen", "ssh-add", "ssh-copy-id",
	"iftop", "nethogs", "nload", "bmon", "nmtui",
	"mount", "umount", "fdisk", "parted", "mkfs", "fsck", "tune2fs",
	"bash", "sh", "zsh", "fish", "screen", "tmux",
	"emacs", "joe", "ed", "ex", "view",
	"nc", "netcat", "telnet", "nmap", "traceroute", "mtr", "whois",
	"sync", "swapon", "swapoff", "mkswap", "blkid", "lsblk",
	"logrotate", "logwatch", "logcheck", "fail2ban", "rsyslog",
	"timedatectl", "ntpdate", "chrony", "systemd-timesyncd",
	"upower", "tlp", "powertop", "cpupower", "cpufreq-set",
	"alias", "unalias", "set", "readonly", "declare", "local", "return", "exit",
	"source", "exec", "eval", "trap", "wait", "jobs", "fg", "bg",
	"fc", "pushd", "popd", "dirs",
}

// highCommands add sudo and power-state control on top of medium.
var highCommands = []string{
	"sudo", "sudoedit",
	"reboot", "shutdown", "halt", "poweroff", "init",
	"modprobe",
}

// alwaysDenied are full command strings that are refused at every level,
// checked before the allow-list regardless of permissibility.
var alwaysDenied = []string{
	"rm -rf /",
	"dd if=/dev/zero of=/dev/sda",
	"mkfs.ext4 /dev/sda",
	"fdisk /dev/sda",
	"mkfs.ext4 /dev/sdX",
	"fdisk /dev/sdX",
	"dd if=/dev/zero of=/dev/sdX",
	"rm -rf /sdX",
}

// AllowedCommands returns the effective allow-set for a level: the union of
// that level's own list with every level below it.
func AllowedCommands(level Level) []string {
	switch level {
	case LevelLow:
		return lowCommands
	case LevelHigh:
		return concat(lowCommands, mediumCommands, highCommands)
	default:
		return concat(lowCommands, mediumCommands)
	}
}

// AlwaysDenied returns the level-independent hard deny-list.
func AlwaysDenied() []string {
	return alwaysDenied
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
