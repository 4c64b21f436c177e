// Package codeexec runs tool-generated scripts in a subprocess. The
// Harness confirms the run with the user, installs missing
// requirements, wraps the script with progress and output
// instrumentation, streams progress back while it runs, and decodes
// the captured result.
package codeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/thane-runtime/internal/approval"
	"github.com/nugget/thane-runtime/internal/events"
	"github.com/nugget/thane-runtime/internal/process"
	"github.com/nugget/thane-runtime/internal/workspace"
)

// ScriptTool generates a script from tool parameters and interprets
// its output.
type ScriptTool interface {
	// Name is the tool name. It also forms the allowlist key.
	Name() string
	// Requirements lists the packages the script needs.
	Requirements(params map[string]any) []string
	// BuildScript returns the script body to run.
	BuildScript(params map[string]any) (string, error)
	// ParseResult turns the captured output into the text returned to
	// the caller.
	ParseResult(output string, params map[string]any) (string, error)
	// Confirmation returns the details to confirm before running, or
	// nil when these parameters need no confirmation.
	Confirmation(params map[string]any, script string) *approval.Details
}

// Callbacks receive live updates during Execute. Either may be nil.
type Callbacks struct {
	OnProgress func(ProgressEvent)
	OnOutput   func(stream process.Stream, text string)
}

// Result is the outcome of one execution.
type Result struct {
	ExecutionID string           `json:"execution_id"`
	Tool        string           `json:"tool"`
	Output      string           `json:"output,omitempty"`
	RawOutput   string           `json:"raw_output,omitempty"`
	Error       *Error           `json:"error,omitempty"`
	Display     string           `json:"display"`
	ExitCode    int              `json:"exit_code"`
	Installed   []string         `json:"installed,omitempty"`
	Outcome     approval.Outcome `json:"-"`
	Progress    []ProgressEvent  `json:"progress,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// OK reports whether the execution completed.
func (r *Result) OK() bool {
	return r.Error == nil
}

// Config configures a Harness.
type Config struct {
	// Python is the interpreter, resolved through PATH. Default python3.
	Python string
	// TempDir holds generated scripts. Default os.TempDir().
	TempDir string
	// DefaultDir is the working directory used when the workspace has
	// no roots.
	DefaultDir string
	// Timeout bounds one script run. Zero uses the runner default.
	Timeout time.Duration
	// Confirm enables the confirmation gate.
	Confirm bool
	// MaxResultBytes bounds the encoded result payload read from
	// stdout. Default 32 MiB.
	MaxResultBytes int
}

// Harness executes ScriptTools. It is safe for concurrent use.
type Harness struct {
	cfg      Config
	runner   Runner
	boundary *workspace.Boundary
	prompter approval.Prompter
	notifier events.Notifier
	logger   *slog.Logger

	lookPath func(string) (string, error)

	mu    sync.Mutex
	gates map[string]*approval.Gate
}

// Option customizes a Harness.
type Option func(*Harness)

// WithNotifier publishes exec events to n.
func WithNotifier(n events.Notifier) Option {
	return func(h *Harness) { h.notifier = n }
}

// WithPrompter sets the confirmation prompter.
func WithPrompter(p approval.Prompter) Option {
	return func(h *Harness) { h.prompter = p }
}

// WithLookPath replaces exec.LookPath for interpreter discovery.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(h *Harness) { h.lookPath = fn }
}

// New creates a Harness.
func New(cfg Config, runner Runner, boundary *workspace.Boundary, logger *slog.Logger, opts ...Option) *Harness {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = 32 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harness{
		cfg:      cfg,
		runner:   runner,
		boundary: boundary,
		logger:   logger.With("component", "codeexec"),
		lookPath: exec.LookPath,
		gates:    make(map[string]*approval.Gate),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Gate returns the confirmation gate owned by the named tool. Each
// tool keeps its own allowlist for the harness lifetime.
func (h *Harness) Gate(tool string) *approval.Gate {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[tool]
	if !ok {
		var p approval.Prompter
		if h.cfg.Confirm {
			p = h.prompter
		}
		g = approval.NewGate(p)
		h.gates[tool] = g
	}
	return g
}

// run carries the per-execution state.
type run struct {
	h      *Harness
	res    *Result
	cb     Callbacks
	start  time.Time
	logger *slog.Logger
}

func (r *run) progress(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Elapsed == 0 {
		ev.Elapsed = time.Since(r.start)
	}
	r.res.Progress = append(r.res.Progress, ev)
	if r.cb.OnProgress != nil {
		r.cb.OnProgress(ev)
	}
	data := map[string]any{
		"execution_id": r.res.ExecutionID,
		"tool":         r.res.Tool,
		"stage":        string(ev.Stage),
		"message":      ev.Message,
	}
	if ev.Progress != nil {
		data["progress"] = *ev.Progress
	}
	events.Emit(r.h.notifier, events.SourceExec, events.KindExecProgress, data)
}

func (r *run) stage(s Stage, pct float64, msg string) {
	r.progress(ProgressEvent{Stage: s, Progress: Percent(pct), Message: msg})
}

func (r *run) fail(e *Error) *Result {
	r.res.Error = e
	r.res.Display = fmt.Sprintf("%s failed (%s): %s", r.res.Tool, e.Type, e.Message)
	r.stage(StageFailed, 100, e.Message)
	return r.finish()
}

func (r *run) finish() *Result {
	r.res.Duration = time.Since(r.start)
	data := map[string]any{
		"execution_id": r.res.ExecutionID,
		"tool":         r.res.Tool,
		"ok":           r.res.OK(),
		"duration_ms":  r.res.Duration.Milliseconds(),
	}
	if r.res.Error != nil {
		data["error_type"] = string(r.res.Error.Type)
		r.logger.Warn("script execution failed",
			"error_type", r.res.Error.Type,
			"error", r.res.Error.Message,
			"elapsed", r.res.Duration.Round(time.Millisecond),
		)
	} else {
		r.logger.Info("script execution completed",
			"exit_code", r.res.ExitCode,
			"elapsed", r.res.Duration.Round(time.Millisecond),
		)
	}
	events.Emit(r.h.notifier, events.SourceExec, events.KindExecDone, data)
	return r.res
}

// Execute runs tool with params. It never returns nil and never
// panics on environment, dependency, boundary, or script failures;
// these are reported through Result.Error.
func (h *Harness) Execute(ctx context.Context, tool ScriptTool, params map[string]any, cb Callbacks) *Result {
	id := uuid.New().String()
	r := &run{
		h:      h,
		res:    &Result{ExecutionID: id, Tool: tool.Name(), ExitCode: -1, Outcome: approval.ProceedOnce},
		cb:     cb,
		start:  time.Now(),
		logger: h.logger.With("tool", tool.Name(), "execution_id", id),
	}
	events.Emit(h.notifier, events.SourceExec, events.KindExecStart, map[string]any{
		"execution_id": id,
		"tool":         tool.Name(),
	})

	script, err := tool.BuildScript(params)
	if err != nil {
		return r.fail(newError(ErrorExecution, fmt.Errorf("build script: %w", err)))
	}

	if d := tool.Confirmation(params, script); d != nil {
		if d.Key == "" {
			d.Key = approval.RootKey(tool.Name())
		}
		dec, err := h.Gate(tool.Name()).Check(ctx, *d)
		r.res.Outcome = dec.Outcome
		if errors.Is(err, approval.ErrCancelled) {
			return r.fail(newError(ErrorCancelled, err))
		}
		if err != nil {
			return r.fail(newError(ErrorEnvironment, err))
		}
	}

	r.stage(StagePreparing, 0, "checking interpreter")
	python, err := h.lookPath(h.cfg.Python)
	if err != nil {
		return r.fail(newError(ErrorEnvironment,
			fmt.Errorf("%w: %s: %w", ErrInterpreterMissing, h.cfg.Python, err)))
	}

	workDir, err := h.boundary.WorkingDir(h.cfg.DefaultDir)
	if err != nil {
		return r.fail(newError(ErrorBoundary, err))
	}

	resolver := NewResolver(h.runner, python, h.logger)
	missing, err := resolver.Plan(ctx, tool.Requirements(params))
	if err != nil {
		return r.fail(newError(ErrorDependency, err))
	}
	if len(missing) > 0 {
		r.stage(StageInstallingDeps, 10, "installing "+strings.Join(missing, ", "))
		var onInstall func(process.Chunk)
		if cb.OnOutput != nil {
			onInstall = func(c process.Chunk) { cb.OnOutput(c.Stream, c.Data) }
		}
		if err := resolver.Install(ctx, missing, onInstall); err != nil {
			return r.fail(newError(ErrorDependency, err))
		}
		r.res.Installed = missing
	}

	scriptPath := filepath.Join(h.cfg.TempDir, "thane_exec_"+uuid.New().String()+".py")
	if err := os.WriteFile(scriptPath, []byte(WrapScript(script)), 0o600); err != nil {
		return r.fail(newError(ErrorEnvironment, fmt.Errorf("write script: %w", err)))
	}
	defer func() {
		if err := os.Remove(scriptPath); err != nil && !os.IsNotExist(err) {
			r.logger.Debug("failed to remove script", "path", scriptPath, "error", err)
		}
	}()

	r.stage(StageExecuting, 20, "running script")
	stdoutParser := &ProgressParser{StripResult: true, MaxResult: h.cfg.MaxResultBytes}
	stderrParser := &ProgressParser{}
	onChunk := func(c process.Chunk) {
		p := stdoutParser
		if c.Stream == process.Stderr {
			p = stderrParser
		}
		text, evs := p.Feed(c.Data)
		for _, ev := range evs {
			r.progress(ev)
		}
		if text != "" && cb.OnOutput != nil {
			cb.OnOutput(c.Stream, text)
		}
	}

	pres, err := h.runner.Run(ctx, process.Command{
		Name:    python,
		Args:    []string{scriptPath},
		Dir:     workDir,
		Env:     []string{"PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1"},
		Timeout: h.cfg.Timeout,
	}, onChunk)
	if err != nil {
		return r.fail(newError(ErrorExecution, fmt.Errorf("spawn: %w", err)))
	}
	if cb.OnOutput != nil {
		if rest := stdoutParser.Flush(); rest != "" {
			cb.OnOutput(process.Stdout, rest)
		}
		if rest := stderrParser.Flush(); rest != "" {
			cb.OnOutput(process.Stderr, rest)
		}
	}
	r.res.ExitCode = pres.ExitCode

	r.stage(StageProcessing, 90, "decoding result")
	output, truncErr := r.decodeOutput(stdoutParser, pres)
	r.res.RawOutput = output

	switch {
	case pres.Cancelled:
		return r.fail(newError(ErrorCancelled, fmt.Errorf("execution cancelled: %w", context.Cause(ctx))))
	case pres.TimedOut:
		return r.fail(newError(ErrorExecution, errors.New("script timed out")))
	case pres.ExitCode != 0:
		msg := strings.TrimSpace(output)
		if msg == "" {
			msg = strings.TrimSpace(stripMarkers(pres.Stderr))
		}
		return r.fail(newError(ErrorExecution,
			fmt.Errorf("script exited with code %d: %s", pres.ExitCode, tail(msg, 4000))))
	}

	if truncErr != nil {
		return r.fail(newError(ErrorDecode, truncErr))
	}

	parsed, err := tool.ParseResult(output, params)
	if err != nil {
		return r.fail(newError(ErrorDecode, err))
	}
	r.res.Output = parsed
	r.res.Display = parsed
	r.stage(StageCompleted, 100, "done")
	return r.finish()
}

// decodeOutput recovers the script output. The result segment captured
// while streaming is preferred because pres.Stdout keeps only the tail
// of a long stream. The error is non-nil when no usable result
// survived the capture limits.
func (r *run) decodeOutput(p *ProgressParser, pres *process.Result) (string, error) {
	if p.ResultTooLarge() {
		return "", fmt.Errorf("%w: result payload over %d bytes", ErrOutputTruncated, r.h.cfg.MaxResultBytes)
	}
	if payload, ok := p.Result(); ok {
		text, err := DecodePayload(payload)
		if err == nil {
			return text, nil
		}
		r.logger.Debug("result sentinel not decoded, using raw output", "error", err)
		return rawText(stripMarkers(pres.Stdout)), nil
	}
	output, err := DecodeResult(pres.Stdout)
	if err != nil {
		r.logger.Debug("result sentinel not decoded, using raw output", "error", err)
	}
	if pres.Truncated {
		return output, fmt.Errorf("%w: stdout kept only its last bytes", ErrOutputTruncated)
	}
	return output, nil
}

// stripMarkers removes progress markers from complete output.
func stripMarkers(s string) string {
	p := &ProgressParser{StripResult: true}
	text, _ := p.Feed(s)
	return text + p.Flush()
}
