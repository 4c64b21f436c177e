// Package process runs subprocesses with streamed output, output caps,
// timeouts, and cancellation.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Stream identifies which output stream a chunk came from.
type Stream int

const (
	// Stdout is the subprocess standard output.
	Stdout Stream = iota
	// Stderr is the subprocess standard error.
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from a subprocess output stream.
type Chunk struct {
	Stream Stream
	Data   string
}

// Command describes a subprocess to run.
type Command struct {
	// Name is the executable. It is resolved through PATH when it
	// contains no separator.
	Name string
	// Args are passed to the executable.
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// Result is the outcome of a finished subprocess.
type Result struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exitCode"`
	TimedOut  bool   `json:"timedOut,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Config configures a Runner.
type Config struct {
	DefaultTimeout time.Duration
	// MaxTimeout caps per-command timeouts.
	MaxTimeout time.Duration
	// MaxOutputBytes bounds each captured stream. When exceeded the
	// oldest bytes are dropped so the tail of the output survives.
	MaxOutputBytes int
	// WaitDelay bounds how long Run waits for output pipes to close
	// after the process is killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		MaxTimeout:     30 * time.Minute,
		MaxOutputBytes: 1 << 20,
		WaitDelay:      2 * time.Second,
	}
}

// Runner spawns subprocesses. It is safe for concurrent use.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner. Zero fields in cfg take their defaults.
func NewRunner(cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = def.WaitDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "process")}
}

// Run starts the command and blocks until it exits, ctx is done, or
// its timeout elapses. onChunk, when non-nil, receives output as it is
// read; calls are serialized. A non-zero exit status is reported in
// Result.ExitCode, not as an error. Run returns an error only when the
// process could not be started.
func (r *Runner) Run(ctx context.Context, c Command, onChunk func(Chunk)) (*Result, error) {
	timeout := r.cfg.DefaultTimeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	if timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = r.cfg.WaitDelay

	var emitMu sync.Mutex
	stdout := &streamWriter{stream: Stdout, buf: newTailBuffer(r.cfg.MaxOutputBytes), mu: &emitMu, onChunk: onChunk}
	stderr := &streamWriter{stream: Stderr, buf: newTailBuffer(r.cfg.MaxOutputBytes), mu: &emitMu, onChunk: onChunk}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	r.logger.Debug("subprocess started", "command", c.Name, "pid", cmd.Process.Pid, "dir", c.Dir)

	// Wait returns once the copy goroutines finish, or WaitDelay after
	// a kill when a grandchild still holds the pipes.
	waitErr := cmd.Wait()

	result := &Result{
		Stdout:    stdout.buf.String(),
		Stderr:    stderr.buf.String(),
		Truncated: stdout.buf.truncated || stderr.buf.truncated,
	}

	switch {
	case ctx.Err() != nil:
		result.Cancelled = true
		result.ExitCode = -1
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	r.logger.Debug("subprocess finished",
		"command", c.Name,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"cancelled", result.Cancelled,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// streamWriter captures one output stream and forwards each write to
// the chunk callback. Both streams share mu so callbacks never overlap.
type streamWriter struct {
	stream  Stream
	buf     *tailBuffer
	mu      *sync.Mutex
	onChunk func(Chunk)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := string(p)
	w.buf.write(data)
	if w.onChunk != nil {
		w.onChunk(Chunk{Stream: w.stream, Data: data})
	}
	return len(p), nil
}

// tailBuffer keeps at most max bytes, discarding the oldest.
type tailBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) write(s string) {
	b.data = append(b.data, s...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
		b.truncated = true
	}
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
