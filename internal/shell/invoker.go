// Package shell runs operator-configured shell commands with a bounded
// timeout and a bounded capture of their first output line.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ResultSize is the capture buffer size for command output. One byte is
// reserved, so at most ResultSize-1 bytes of the first line are kept.
const ResultSize = 20

// DefaultTimeout bounds a command when the invoker has no explicit timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrCommandFailed is returned when a command cannot be started or
	// exits with a non-zero status.
	ErrCommandFailed = errors.New("command failed")

	// ErrTimeout is returned when a command exceeds its deadline. The
	// process group is killed before the error is returned.
	ErrTimeout = errors.New("command timed out")

	// ErrEmptyOutput is returned by Capture when a command prints nothing.
	ErrEmptyOutput = errors.New("command produced no output")
)

// Result holds the outcome of a finished command.
type Result struct {
	// Output is the first line of stdout without its line terminator,
	// truncated to ResultSize-1 bytes.
	Output   string
	Duration time.Duration
}

// Runner executes a shell command. Extra args are exposed to the command as
// positional parameters ($1, $2, ...), never spliced into the command text.
type Runner interface {
	Run(ctx context.Context, command string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, command string, args ...string) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, command string, args ...string) (Result, error) {
	return f(ctx, command, args...)
}

// Invoker runs commands through /bin/sh.
type Invoker struct {
	shell   string
	timeout time.Duration
	dir     string
	logger  *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithShell overrides the shell binary (default /bin/sh).
func WithShell(path string) Option {
	return func(inv *Invoker) { inv.shell = path }
}

// WithDir sets the working directory for commands.
func WithDir(dir string) Option {
	return func(inv *Invoker) { inv.dir = dir }
}

// WithLogger sets the logger used for command diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Invoker) { inv.logger = logger }
}

// NewInvoker creates an invoker whose commands are killed after timeout.
// A non-positive timeout selects DefaultTimeout.
func NewInvoker(timeout time.Duration, opts ...Option) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	inv := &Invoker{
		shell:   "/bin/sh",
		timeout: timeout,
		logger:  slog.Default().With("component", "shell"),
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Timeout returns the per-command deadline.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}

// Run executes command and waits for it to finish or time out.
func (inv *Invoker) Run(ctx context.Context, command string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	argv := append([]string{"-c", command, "sh"}, args...)
	cmd := exec.CommandContext(ctx, inv.shell, argv...)
	if inv.dir != "" {
		cmd.Dir = inv.dir
	}

	// Own process group so a timeout also kills anything the shell spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := newLineCapture(ResultSize - 1)
	stderr := newLineCapture(256)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: stdout.String(), Duration: time.Since(start)}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		inv.logger.Warn("command timed out",
			"command", command,
			"timeout", inv.timeout,
		)
		return res, fmt.Errorf("%w after %s", ErrTimeout, inv.timeout)
	}
	if err != nil {
		inv.logger.Debug("command failed",
			"command", command,
			"stderr", stderr.String(),
			"error", err,
		)
		return res, fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	inv.logger.Debug("command finished",
		"command", command,
		"output", res.Output,
		"duration", res.Duration,
	)
	return res, nil
}

// Capture runs command and returns its captured output, failing with
// ErrEmptyOutput when the command printed nothing.
func Capture(ctx context.Context, r Runner, command string, args ...string) (string, error) {
	res, err := r.Run(ctx, command, args...)
	if err != nil {
		return "", err
	}
	if res.Output == "" {
		return "", ErrEmptyOutput
	}
	return res.Output, nil
}

// lineCapture keeps the first line written to it, up to limit bytes, and
// silently discards the rest so the child never blocks on a full pipe.
type lineCapture struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
	done  bool
}

func newLineCapture(limit int) *lineCapture {
	return &lineCapture{limit: limit}
}

func (c *lineCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return len(p), nil
	}
	chunk := p
	if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
		chunk = chunk[:i]
		c.done = true
	}
	if room := c.limit - c.buf.Len(); len(chunk) > room {
		chunk = chunk[:room]
		c.done = true
	}
	c.buf.Write(chunk)
	return len(p), nil
}

func (c *lineCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimRight(c.buf.String(), "\r")
}
