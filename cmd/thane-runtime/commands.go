package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/thane-runtime/internal/approval"
	"github.com/nugget/thane-runtime/internal/codeexec"
	"github.com/nugget/thane-runtime/internal/mcp"
	"github.com/nugget/thane-runtime/internal/tools"
)

// runDiscover connects to every configured tool server in the
// foreground, prints what each one offers and disconnects.
func runDiscover(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}

	if !cfg.Workspace.Trusted {
		return errors.New("workspace is not trusted; set workspace.trusted to connect to tool servers")
	}

	health, m := newToolServers(cfg, tools.NewRegistry(), nil, nil, logger)
	defer func() {
		if health != nil {
			health.Stop()
		}
	}()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := m.Stop(closeCtx); err != nil {
			logger.Warn("tool server shutdown incomplete", "error", err)
		}
	}()

	if err := m.DiscoverAll(ctx, discoveryConfig(cfg.MCP), false); err != nil {
		return err
	}
	return printConnections(stdout, opts.outputFmt, m.Connections())
}

// printConnections renders a discovery result.
func printConnections(w io.Writer, outputFmt string, conns []mcp.Connection) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if conns == nil {
			conns = []mcp.Connection{}
		}
		return enc.Encode(conns)
	}
	if len(conns) == 0 {
		fmt.Fprintln(w, "no tool servers configured")
		return nil
	}
	for _, c := range conns {
		fmt.Fprintf(w, "%s  %s", c.Name, c.Status)
		if c.Server.Name != "" {
			fmt.Fprintf(w, "  (%s %s)", c.Server.Name, c.Server.Version)
		}
		fmt.Fprintln(w)
		if c.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", c.Error)
		}
		for _, t := range c.Tools {
			fmt.Fprintf(w, "  - %s\n", t)
		}
	}
	return nil
}

// execArgs are the arguments of the exec command.
type execArgs struct {
	file         string
	requirements []string
}

func parseExecArgs(args []string) (execArgs, error) {
	var ea execArgs
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-r" && i+1 < len(args):
			ea.requirements = append(ea.requirements, args[i+1])
			i++
		case strings.HasPrefix(args[i], "-r="):
			ea.requirements = append(ea.requirements, strings.TrimPrefix(args[i], "-r="))
		case args[i] == "-" || !strings.HasPrefix(args[i], "-"):
			if ea.file != "" {
				return ea, fmt.Errorf("exec: unexpected argument %s", args[i])
			}
			ea.file = args[i]
		default:
			return ea, fmt.Errorf("exec: unknown flag: %s", args[i])
		}
	}
	if ea.file == "" {
		return ea, errors.New("exec: a file argument is required (- reads stdin)")
	}
	return ea, nil
}

// runExec runs a Python file through the harness the same way the
// python_exec tool would, printing progress to stderr and the result
// to stdout.
func runExec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, args []string) error {
	ea, err := parseExecArgs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}

	in := bufio.NewReader(stdin)
	var code []byte
	if ea.file == "-" {
		code, err = io.ReadAll(in)
	} else {
		code, err = os.ReadFile(ea.file)
	}
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	// Invoking exec is the confirmation when the script comes from
	// stdin, which leaves nothing to answer a prompt.
	var prompter approval.Prompter = approval.NewTerminalPrompter(in, stderr)
	if ea.file == "-" {
		prompter = nil
	}
	h, err := newHarness(cfg, logger, nil, prompter)
	if err != nil {
		return err
	}

	params := map[string]any{"code": string(code)}
	if len(ea.requirements) > 0 {
		params["requirements"] = ea.requirements
	}
	tool := &codeexec.PythonTool{Python: cfg.CodeExec.Python, MaxResultBytes: cfg.CodeExec.MaxOutputBytes}
	res := h.Execute(ctx, tool, params, codeexec.Callbacks{
		OnProgress: func(ev codeexec.ProgressEvent) {
			if ev.Progress != nil {
				fmt.Fprintf(stderr, "[%s %3.0f%%] %s\n", ev.Stage, *ev.Progress, ev.Message)
				return
			}
			fmt.Fprintf(stderr, "[%s] %s\n", ev.Stage, ev.Message)
		},
	})

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.OK() {
		fmt.Fprintln(stdout, res.Output)
	}
	if !res.OK() {
		return errors.New(res.Display)
	}
	return nil
}
