package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/nzilbb/jsendpraat/log"
)

// SuppressMessageSizeFlag tells the host to omit length prefixes on its output.
const SuppressMessageSizeFlag = "--suppress-message-size"

// TransportErrorKind classifies host start failures.
type TransportErrorKind int

const (
	// TransportNotInstalled means the host executable does not exist.
	TransportNotInstalled TransportErrorKind = iota
	// TransportStartFailed covers every other start failure.
	TransportStartFailed
)

// String returns the string representation of the kind.
func (k TransportErrorKind) String() string {
	switch k {
	case TransportNotInstalled:
		return "not_installed"
	case TransportStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}

// TransportError is returned when the host process cannot be started.
type TransportError struct {
	Kind    TransportErrorKind
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("host %s: %s: %v", e.Kind, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotInstalled reports whether err means the host executable is missing.
func IsNotInstalled(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportNotInstalled
}

// ExitResult describes how the host process ended.
type ExitResult struct {
	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int
}

// Transport is a started host byte stream.
type Transport interface {
	// Stdin receives framed requests.
	Stdin() io.Writer
	// Stdout yields framed replies.
	Stdout() io.Reader
	// Wait blocks until the host has exited. Call it after Stdout is drained.
	Wait() (*ExitResult, error)
	// Kill terminates the host and closes its input.
	Kill() error
}

// Launcher starts host transports.
type Launcher interface {
	Launch(ctx context.Context) (Transport, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Transport, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context) (Transport, error) { return f(ctx) }

// ProcessConfig configures the host process.
type ProcessConfig struct {
	// Command is the host executable path or name resolved via PATH.
	Command string
	// Args are extra arguments passed before any mode flags.
	Args []string
	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string
	// Raw launches the host with SuppressMessageSizeFlag.
	Raw bool
	// Logger receives host stderr at debug level. Optional.
	Logger *log.Logger
}

// ProcessLauncher spawns a host process per Launch call.
type ProcessLauncher struct {
	config ProcessConfig
}

// NewProcessLauncher creates a launcher for config.
func NewProcessLauncher(config ProcessConfig) *ProcessLauncher {
	return &ProcessLauncher{config: config}
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context) (Transport, error) {
	p := NewProcess(l.config)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Process manages a host process lifecycle.
type Process struct {
	config     ProcessConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	stderrDone chan struct{}
	killOnce   sync.Once
	killErr    error
}

// NewProcess creates a process manager. Start spawns it.
func NewProcess(config ProcessConfig) *Process {
	return &Process{config: config}
}

// Start spawns the host.
// Stdin carries framed requests, stdout framed replies. Stderr is forwarded
// to the logger line by line.
func (p *Process) Start(ctx context.Context) error {
	if p.config.Command == "" {
		return &TransportError{Kind: TransportNotInstalled, Err: errors.New("no host command configured")}
	}

	args := append([]string(nil), p.config.Args...)
	if p.config.Raw {
		args = append(args, SuppressMessageSizeFlag)
	}
	p.cmd = exec.CommandContext(ctx, p.config.Command, args...)
	if len(p.config.Env) > 0 {
		p.cmd.Env = deduplicateEnv(append(os.Environ(), p.config.Env...))
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return p.startError(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return p.startError(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	p.stdout = stdout

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return p.startError(fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	p.stderr = stderr

	if err := p.cmd.Start(); err != nil {
		return p.startError(err)
	}

	p.stderrDone = make(chan struct{})
	go p.forwardStderr()
	return nil
}

func (p *Process) startError(err error) error {
	kind := TransportStartFailed
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		kind = TransportNotInstalled
	}
	return &TransportError{Kind: kind, Command: p.config.Command, Err: err}
}

func (p *Process) forwardStderr() {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		if p.config.Logger != nil {
			p.config.Logger.Debug("host stderr", map[string]any{"line": scanner.Text()})
		}
	}
	// Keep draining so the host never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, p.stderr)
}

// Stdin implements Transport.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout implements Transport.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Wait implements Transport.
// Must be called after Start.
func (p *Process) Wait() (*ExitResult, error) {
	if p.cmd == nil {
		return nil, errors.New("host not started")
	}

	<-p.stderrDone
	err := p.cmd.Wait()

	result := &ExitResult{}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("host wait failed: %w", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		} else {
			result.ExitCode = -1
		}
	}
	return result, nil
}

// Kill implements Transport. It is idempotent.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.killErr = err
			}
		}
	})
	return p.killErr
}

// deduplicateEnv keeps the last occurrence of each env var key, so
// configured entries win over inherited ones.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

var (
	_ Transport = (*Process)(nil)
	_ Launcher  = (*ProcessLauncher)(nil)
)
