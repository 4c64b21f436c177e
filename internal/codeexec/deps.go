package codeexec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/thane-runtime/internal/process"
)

// Runner is the subprocess service used by the harness and resolver.
// *process.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, c process.Command, onChunk func(process.Chunk)) (*process.Result, error)
}

// Resolver installs missing script requirements with pip.
type Resolver struct {
	runner         Runner
	python         string
	probeTimeout   time.Duration
	installTimeout time.Duration
	logger         *slog.Logger
}

// NewResolver creates a resolver that runs pip through python.
func NewResolver(runner Runner, python string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		runner:         runner,
		python:         python,
		probeTimeout:   30 * time.Second,
		installTimeout: 10 * time.Minute,
		logger:         logger.With("component", "deps"),
	}
}

// HasExtras reports whether a requirement names optional extras, as
// in "pandas[excel]>=2".
func HasExtras(req string) bool {
	return strings.Contains(req, "[")
}

// BaseName strips extras, version specifiers, markers, and URL parts
// from a requirement, leaving the distribution name pip show expects.
func BaseName(req string) string {
	req = strings.TrimSpace(req)
	if i := strings.IndexAny(req, "[<>=!~;@ "); i >= 0 {
		req = req[:i]
	}
	return req
}

// Plan returns the requirements that need installing. A requirement
// with extras is always included, since the base package being present
// says nothing about its extras. Any other requirement is included only
// when a pip show probe exits non-zero. A probe that cannot be run at
// all is an error.
func (r *Resolver) Plan(ctx context.Context, reqs []string) ([]string, error) {
	var missing []string
	for _, req := range reqs {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if HasExtras(req) {
			missing = append(missing, req)
			continue
		}
		res, err := r.runner.Run(ctx, process.Command{
			Name:    r.python,
			Args:    []string{"-m", "pip", "show", BaseName(req)},
			Timeout: r.probeTimeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", req, err)
		}
		if res.Cancelled {
			return nil, fmt.Errorf("probe %s: %w", req, ctx.Err())
		}
		if res.ExitCode != 0 {
			missing = append(missing, req)
		}
	}
	return missing, nil
}

// Install runs one batch pip install for pkgs. Output chunks are
// passed to onChunk. A non-zero exit is returned as ErrInstallFailed
// with the tail of pip's output.
func (r *Resolver) Install(ctx context.Context, pkgs []string, onChunk func(process.Chunk)) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"-m", "pip", "install", "--disable-pip-version-check"}, pkgs...)
	r.logger.Info("installing requirements", "packages", pkgs)

	res, err := r.runner.Run(ctx, process.Command{
		Name:    r.python,
		Args:    args,
		Timeout: r.installTimeout,
	}, onChunk)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: pip exited with code %d: %s",
			ErrInstallFailed, res.ExitCode, tail(res.Stderr+res.Stdout, 2000))
	}
	return nil
}

// Resolve plans and installs in one step and returns what was
// installed.
func (r *Resolver) Resolve(ctx context.Context, reqs []string, onChunk func(process.Chunk)) ([]string, error) {
	missing, err := r.Plan(ctx, reqs)
	if err != nil {
		return nil, err
	}
	if err := r.Install(ctx, missing, onChunk); err != nil {
		return nil, err
	}
	return missing, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
