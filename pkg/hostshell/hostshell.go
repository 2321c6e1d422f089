// Package hostshell implements the controller's one privileged channel onto
// the host: a pooled SSH connection used to run compose/git/script commands,
// read and write files with permission elevation, and probe the filesystem.
// Every other component in this module (repository, compose, migration,
// backup, state) drives the host exclusively through a HostShell — nothing
// else is allowed to reach outside the process.
package hostshell

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iothost/autoupdater/pkg/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// AuthMethod enumerates the supported SSH authentication modes (spec §4.1).
type AuthMethod string

const (
	AuthPassword                 AuthMethod = "password"
	AuthPrivateKey               AuthMethod = "key"
	AuthPrivateKeyWithPassphrase AuthMethod = "key+passphrase"
	AuthKeyWithPasswordFallback  AuthMethod = "key-with-password-fallback"
)

// Architecture is the host's CPU architecture, used by ComposeDriver to
// select architecture-specific compose overlays.
type Architecture string

const (
	ArchX64   Architecture = "x64"
	ArchARM64 Architecture = "arm64"
	ArchARM   Architecture = "arm"
	ArchX86   Architecture = "x86"
)

// Config configures the privileged channel to the host.
type Config struct {
	Host               string
	Port               int // default 22
	User               string
	Password           string
	KeyPath            string
	KeyPassphrase      string
	AuthMethod         AuthMethod
	TimeoutSeconds      int // dial timeout, default 30
	KeepAliveSeconds    int // default 30
	EnableCompression   bool
	CommandRatePerSec   float64 // default 20, bursts of 5
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.KeepAliveSeconds == 0 {
		c.KeepAliveSeconds = 30
	}
	if c.CommandRatePerSec == 0 {
		c.CommandRatePerSec = 20
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthPassword
	}
	return c
}

// ExecResult is the outcome of a single command invocation. A non-zero
// ExitCode is a result, not an error — only channel failure is an error of
// the Exec call itself (spec §4.1).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }

// ChannelError wraps failures to establish or use the SSH channel itself,
// as distinct from a command that ran and returned non-zero.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("hostshell: %s: %v", e.Op, e.Err) }
func (e *ChannelError) Unwrap() error  { return e.Err }

// HostShell is a connection-pooled privileged shell to the host machine.
type HostShell struct {
	cfg    Config
	log    logger.Logger
	limit  *rate.Limiter

	mu     sync.Mutex
	client *ssh.Client

	stopKeepAlive chan struct{}
}

// New creates a HostShell. The connection is established lazily on first
// use (Connect or any Exec/ReadFile/... call), matching the teacher's
// sshworker.SSHWorker lifecycle.
func New(cfg Config, log logger.Logger) *HostShell {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNoOp()
	}
	return &HostShell{
		cfg:   cfg,
		log:   log.With(map[string]interface{}{"component": "hostshell", "host": cfg.Host}),
		limit: rate.NewLimiter(rate.Limit(cfg.CommandRatePerSec), 5),
	}
}

// Connect establishes the authenticated channel, retrying transient
// failures up to 3 times with a 1s backoff (spec §4.1); the 4th failure is
// returned as a *ChannelError. Idempotent: a call while already connected
// is a no-op. Starts the keep-alive ping loop and runs the startup
// connectivity self-test ("echo ok") before returning.
func (s *HostShell) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *HostShell) connectLocked(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	authMethods, err := s.buildAuthMethods()
	if err != nil {
		return &ChannelError{Op: "auth", Err: err}
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Duration(s.cfg.TimeoutSeconds) * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &ChannelError{Op: "dial", Err: ctx.Err()}
			case <-time.After(time.Second):
			}
		}
		client, dialErr := ssh.Dial("tcp", addr, sshCfg)
		if dialErr == nil {
			s.client = client
			break
		}
		lastErr = dialErr
		s.log.Warn("dial attempt failed", map[string]interface{}{"attempt": attempt + 1, "error": dialErr.Error()})
	}

	if s.client == nil {
		return &ChannelError{Op: "dial", Err: fmt.Errorf("after 4 attempts: %w", lastErr)}
	}

	if err := s.selfTestLocked(ctx); err != nil {
		s.client.Close()
		s.client = nil
		return &ChannelError{Op: "self-test", Err: err}
	}

	s.stopKeepAlive = make(chan struct{})
	go s.keepAliveLoop(s.stopKeepAlive)

	s.log.Info("connected", nil)
	return nil
}

func (s *HostShell) buildAuthMethods() ([]ssh.AuthMethod, error) {
	switch s.cfg.AuthMethod {
	case AuthPassword:
		if s.cfg.Password == "" {
			return nil, fmt.Errorf("password auth requested but no password configured")
		}
		return []ssh.AuthMethod{ssh.Password(s.cfg.Password)}, nil

	case AuthPrivateKey:
		signer, err := parsePrivateKey(s.cfg.KeyPath, "")
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthPrivateKeyWithPassphrase:
		signer, err := parsePrivateKey(s.cfg.KeyPath, s.cfg.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthKeyWithPasswordFallback:
		var methods []ssh.AuthMethod
		if s.cfg.KeyPath != "" {
			if signer, err := parsePrivateKey(s.cfg.KeyPath, s.cfg.KeyPassphrase); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			} else {
				s.log.Warn("private key unusable, falling back to password", map[string]interface{}{"error": err.Error()})
			}
		}
		if s.cfg.Password != "" {
			methods = append(methods, ssh.Password(s.cfg.Password))
		}
		if len(methods) == 0 {
			return nil, fmt.Errorf("neither key nor password authentication available")
		}
		return methods, nil

	default:
		return nil, fmt.Errorf("unknown auth method %q", s.cfg.AuthMethod)
	}
}

func parsePrivateKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

func (s *HostShell) selfTestLocked(ctx context.Context) error {
	res, err := s.execLocked(ctx, "echo ok", "", 10*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() || strings.TrimSpace(res.Stdout) != "ok" {
		return fmt.Errorf("unexpected self-test output: %q (exit %d)", res.Stdout, res.ExitCode)
	}
	return nil
}

func (s *HostShell) keepAliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.cfg.KeepAliveSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			client := s.client
			s.mu.Unlock()
			if client == nil {
				return
			}
			if _, _, err := client.SendRequest("keepalive@autoupdater", true, nil); err != nil {
				s.log.Warn("keep-alive failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Close tears down the channel and stops the keep-alive loop.
func (s *HostShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopKeepAlive != nil {
		close(s.stopKeepAlive)
		s.stopKeepAlive = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// Exec runs `cd <workingDir> && <command>` (or just <command> when
// workingDir is empty) as a single shell invocation. The call blocks for at
// most timeout (10 minutes when timeout <= 0) or until ctx is done, whichever
// comes first. Failure to
// use the channel is a *ChannelError; a non-zero exit is only reflected in
// the returned ExecResult.
func (s *HostShell) Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*ExecResult, error) {
	if err := s.limit.Wait(ctx); err != nil {
		return nil, &ChannelError{Op: "rate-limit", Err: err}
	}

	s.mu.Lock()
	if err := s.connectLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	res, err := s.execLocked(ctx, command, workingDir, timeout)
	s.mu.Unlock()
	return res, err
}

// execLocked assumes s.mu is held and s.client is non-nil.
func (s *HostShell) execLocked(ctx context.Context, command, workingDir string, timeout time.Duration) (*ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, &ChannelError{Op: "new-session", Err: err}
	}
	defer session.Close()

	full := command
	if workingDir != "" {
		full = fmt.Sprintf("cd %s && %s", shellQuote(workingDir), command)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	select {
	case <-runCtx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, &ChannelError{Op: "exec", Err: runCtx.Err()}
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, &ChannelError{Op: "exec", Err: runErr}
			}
		}
		return &ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

// ReadFile streams a file's content back from the host.
func (s *HostShell) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := s.Exec(ctx, fmt.Sprintf("cat %s", shellQuote(path)), "", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("hostshell: read %s: %s", path, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

// WriteFile writes data to path. The content is always staged under /tmp
// first. If the session user can write path (or path does not exist yet),
// the staged file is moved into place without sudo; otherwise the staged
// file gets the destination's existing mode+owner (via `stat`) and is moved
// into place with sudo. Once staging succeeds, the staged file is removed on
// every exit path.
func (s *HostShell) WriteFile(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.MkdirAll(ctx, dir); err != nil {
		return err
	}

	stagePath := fmt.Sprintf("/tmp/.autoupdater-%d-%s", time.Now().UnixNano(), filepath.Base(path))
	if err := s.writeDirect(ctx, stagePath, data); err != nil {
		return err
	}
	defer s.Exec(ctx, fmt.Sprintf("rm -f %s", shellQuote(stagePath)), "", 30*time.Second)

	directCheck, err := s.Exec(ctx, fmt.Sprintf("test -w %s || test ! -e %s", shellQuote(path), shellQuote(path)), "", 30*time.Second)
	if err == nil && directCheck.Success() {
		res, err := s.Exec(ctx, fmt.Sprintf("mv %s %s", shellQuote(stagePath), shellQuote(path)), "", 30*time.Second)
		if err != nil {
			return err
		}
		if res.Success() {
			return nil
		}
	}

	mode, owner, group := "644", "", ""
	if statRes, err := s.Exec(ctx, fmt.Sprintf("stat -c '%%a:%%U:%%G' %s 2>/dev/null", shellQuote(path)), "", 30*time.Second); err == nil && statRes.Success() {
		parts := strings.SplitN(strings.TrimSpace(statRes.Stdout), ":", 3)
		if len(parts) == 3 {
			mode, owner, group = parts[0], parts[1], parts[2]
		}
	}

	if _, err := s.Exec(ctx, fmt.Sprintf("sudo chmod %s %s", mode, shellQuote(stagePath)), "", 30*time.Second); err != nil {
		return err
	}
	if owner != "" {
		if _, err := s.Exec(ctx, fmt.Sprintf("sudo chown %s:%s %s", owner, group, shellQuote(stagePath)), "", 30*time.Second); err != nil {
			return err
		}
	}

	res, err := s.Exec(ctx, fmt.Sprintf("sudo mv %s %s", shellQuote(stagePath), shellQuote(path)), "", 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("hostshell: write %s: %s", path, res.Stderr)
	}
	return nil
}

func (s *HostShell) writeDirect(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("base64 -d > %s <<'AUTOUPDATER_EOF'\n%s\nAUTOUPDATER_EOF", shellQuote(path), encoded)
	res, err := s.Exec(ctx, cmd, "", 2*time.Minute)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("hostshell: stage %s: %s", path, res.Stderr)
	}
	return nil
}

// ListFiles lists the non-recursive, case-insensitive shell-glob matches
// (`*` and `?`) of glob inside dir.
func (s *HostShell) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	cmd := fmt.Sprintf("find %s -maxdepth 1 -iname %s -printf '%%f\\n' 2>/dev/null", shellQuote(dir), shellQuote(glob))
	res, err := s.Exec(ctx, cmd, "", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// FileExists reports whether path exists and is a regular file.
func (s *HostShell) FileExists(ctx context.Context, path string) (bool, error) {
	return s.testPredicate(ctx, "-f", path)
}

// DirExists reports whether path exists and is a directory.
func (s *HostShell) DirExists(ctx context.Context, path string) (bool, error) {
	return s.testPredicate(ctx, "-d", path)
}

// IsExecutable reports whether path exists and is executable.
func (s *HostShell) IsExecutable(ctx context.Context, path string) (bool, error) {
	return s.testPredicate(ctx, "-x", path)
}

func (s *HostShell) testPredicate(ctx context.Context, flag, path string) (bool, error) {
	res, err := s.Exec(ctx, fmt.Sprintf("test %s %s", flag, shellQuote(path)), "", 30*time.Second)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// MkdirAll creates dir and any missing parents.
func (s *HostShell) MkdirAll(ctx context.Context, dir string) error {
	res, err := s.Exec(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(dir)), "", 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("hostshell: mkdir -p %s: %s", dir, res.Stderr)
	}
	return nil
}

// ChmodExec marks path executable (chmod +x).
func (s *HostShell) ChmodExec(ctx context.Context, path string) error {
	res, err := s.Exec(ctx, fmt.Sprintf("chmod +x %s", shellQuote(path)), "", 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("hostshell: chmod +x %s: %s", path, res.Stderr)
	}
	return nil
}

// Architecture maps `uname -m` to one of the known Architecture values.
func (s *HostShell) Architecture(ctx context.Context) (Architecture, error) {
	res, err := s.Exec(ctx, "uname -m", "", 30*time.Second)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("hostshell: uname -m: %s", res.Stderr)
	}
	switch strings.TrimSpace(res.Stdout) {
	case "x86_64", "amd64":
		return ArchX64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "armv7l", "arm":
		return ArchARM, nil
	case "i386", "i686", "x86":
		return ArchX86, nil
	default:
		return "", fmt.Errorf("hostshell: unrecognized architecture %q", strings.TrimSpace(res.Stdout))
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
