package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// StdioConfig configures a transport that runs a tool server as a
// subprocess and exchanges newline-delimited JSON-RPC over its
// stdin and stdout.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string
	// Dir is the subprocess working directory.
	Dir string
	// StopTimeout bounds the graceful shutdown after stdin is closed.
	// Default 5s.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// StdioTransport talks to a tool server subprocess. The subprocess is
// started lazily by the first Send or Notify and lives until Close,
// independent of any request context.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes access to the subprocess. A channel rather than
	// a mutex lets waiters give up when their context ends.
	sem    chan struct{}
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	stderr *lineRing
}

// NewStdioTransport creates a stdio transport.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
		stderr: newLineRing(20),
	}
}

// acquire takes the transport semaphore or returns ctx's error.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess unless it is running. A subprocess
// that died is noticed by the next failed read, which resets state.
// Caller must hold the semaphore.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting tool server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)

	go t.drainStderr(stderrPipe)

	t.logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr logs stderr lines and keeps the most recent ones for
// error reports.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.add(line)
		t.logger.Debug("tool server stderr", "line", line)
	}
}

// withStderr decorates err with the subprocess's recent stderr.
func (t *StdioTransport) withStderr(err error) error {
	if tail := t.stderr.String(); tail != "" {
		return fmt.Errorf("%w (stderr: %s)", err, tail)
	}
	return err
}

type readResult struct {
	line []byte
	err  error
}

// Send writes the request and reads lines until the matching response
// arrives. Server-initiated messages in between are skipped. The read
// runs in a goroutine so ctx can abandon it; abandoning a read kills
// the subprocess since the stream position is then unknown.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return nil, t.withStderr(fmt.Errorf("write to subprocess stdin: %w", err))
	}

	for {
		ch := make(chan readResult, 1)
		reader := t.reader
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.kill()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.kill()
				return nil, t.withStderr(fmt.Errorf("read from subprocess stdout: %w", res.err))
			}
			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from tool server", "line", string(res.line))
				continue
			}
			if resp.matches(req) {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched message", "id", resp.ID, "method", resp.Method)
		}
	}
}

// Notify writes a notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return t.withStderr(fmt.Errorf("write notification to subprocess stdin: %w", err))
	}
	return nil
}

// Close closes stdin and waits up to StopTimeout for the subprocess to
// exit before killing it. It waits for any in-flight Send.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	if t.cmd == nil {
		return nil
	}
	t.logger.Info("stopping tool server subprocess", "pid", t.cmd.Process.Pid)
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func(cmd *exec.Cmd) { done <- cmd.Wait() }(t.cmd)

	var err error
	select {
	case err = <-done:
	case <-time.After(t.config.StopTimeout):
		t.logger.Warn("tool server did not exit gracefully, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		<-done
	}
	t.reset()
	return err
}

// kill force-stops the subprocess after a protocol failure. Caller
// must hold the semaphore.
func (t *StdioTransport) kill() {
	if t.cmd == nil {
		return
	}
	if t.stdin != nil {
		t.stdin.Close()
	}
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.reset()
}

// reset clears process state. Caller must hold the semaphore.
func (t *StdioTransport) reset() {
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}

// lineRing keeps the last n lines written to it.
type lineRing struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineRing(n int) *lineRing {
	return &lineRing{n: n}
}

func (r *lineRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.n {
		r.lines = r.lines[len(r.lines)-r.n:]
	}
}

func (r *lineRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, " | ")
}
