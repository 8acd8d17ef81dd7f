package session

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// buildClientConfig resolves an Auth into an *ssh.ClientConfig. The caller's
// explicit auth method wins outright; the dispatcher resolves the
// password > key_path > key_pem_base64 > default-key-path fallback chain
// before calling in.
func buildClientConfig(username string, auth Auth, connectTimeout time.Duration, knownHostsPath string) (*ssh.ClientConfig, error) {
	methods, err := resolveAuthMethods(auth)
	if err != nil {
		return nil, err
	}

	callback, err := hostKeyCallback(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("host key policy: %w", err)
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         connectTimeout,
	}, nil
}

func resolveAuthMethods(auth Auth) ([]ssh.AuthMethod, error) {
	switch auth.Method {
	case AuthPassword:
		if auth.Password == "" {
			return nil, fmt.Errorf("password auth selected but no password supplied")
		}
		return []ssh.AuthMethod{ssh.Password(auth.Password)}, nil

	case AuthKeyPEMBase64:
		raw, err := base64.StdEncoding.DecodeString(auth.KeyPEMBase64)
		if err != nil {
			return nil, fmt.Errorf("decode key_pem_base64: %w", err)
		}
		signer, err := parseSigner(raw, auth.KeyPassword)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthKeyPath, "":
		path := auth.KeyPath
		if path == "" {
			return nil, fmt.Errorf("key auth selected but no key_path supplied")
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read private key %q: %w", path, err)
		}
		signer, err := parseSigner(raw, auth.KeyPassword)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method %q", auth.Method)
	}
}

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback is permissive by default; a configured known_hosts path
// switches to real verification.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %q: %w", knownHostsPath, err)
	}
	return cb, nil
}

// resolveProxyCommand substitutes %h with host in a ProxyCommand template.
func resolveProxyCommand(template, host string) string {
	return strings.ReplaceAll(template, "%h", host)
}

// dialViaProxyCommand runs the resolved proxy command as a subprocess and
// wraps its stdin/stdout as the net.Conn golang.org/x/crypto/ssh dials
// through.
func dialViaProxyCommand(command string) (net.Conn, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy command stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy command stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start proxy command: %w", err)
	}
	return &proxyConn{cmd: cmd, in: stdin, out: stdout}, nil
}

// proxyConn adapts a subprocess's stdio pipes to the net.Conn interface the
// ssh package dials through. os/exec pipes have no deadline support, so the
// Set*Deadline methods are no-ops.
type proxyConn struct {
	cmd *exec.Cmd
	in  interface {
		Write([]byte) (int, error)
		Close() error
	}
	out interface {
		Read([]byte) (int, error)
	}
}

func (p *proxyConn) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *proxyConn) Write(b []byte) (int, error) { return p.in.Write(b) }
func (p *proxyConn) Close() error {
	p.in.Close()
	return p.cmd.Wait()
}
func (p *proxyConn) LocalAddr() net.Addr                { return proxyAddr{} }
func (p *proxyConn) RemoteAddr() net.Addr               { return proxyAddr{} }
func (p *proxyConn) SetDeadline(t time.Time) error      { return nil }
func (p *proxyConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *proxyConn) SetWriteDeadline(t time.Time) error { return nil }

type proxyAddr struct{}

func (proxyAddr) Network() string { return "proxycommand" }
func (proxyAddr) String() string  { return "proxycommand" }
