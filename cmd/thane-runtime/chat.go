package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/thane-runtime/internal/agent"
	"github.com/nugget/thane-runtime/internal/llm"
	"github.com/nugget/thane-runtime/internal/mcp"
	"github.com/nugget/thane-runtime/internal/sessions"
)

// chatRequestTimeout bounds one user turn, including every tool call
// and script run it triggers.
const chatRequestTimeout = 15 * time.Minute

// shutdownTimeout bounds the final session save and server teardown.
const shutdownTimeout = 30 * time.Second

// runChat handles "thane-runtime chat [session]". It wires the whole
// runtime, starts tool-server discovery in the background and runs a
// line-oriented conversation until EOF, /quit or a signal.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, session string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}

	in := bufio.NewReader(stdin)
	a, err := newApp(cfg, logger, in, stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	a.startBackground(ctx, cfgPath)
	if err := a.mcp.DiscoverAll(ctx, discoveryConfig(cfg.MCP), true); err != nil {
		logger.Warn("tool server discovery skipped", "error", err)
	}

	r := &repl{
		in:      in,
		out:     stdout,
		pool:    a.pool,
		session: session,
		servers: a.mcp.Connections,
		tools:   a.registry.Names,
		timeout: chatRequestTimeout,
	}
	return r.run(ctx)
}

// sender is the part of a session client the REPL talks to.
type sender interface {
	Send(ctx context.Context, text string, cb llm.StreamCallback) (*agent.Response, error)
}

// repl is the interactive loop. Lines starting with "/" are commands;
// everything else is sent to the session's client.
type repl struct {
	in      *bufio.Reader
	out     io.Writer
	pool    *sessions.Pool
	session string
	servers func() []mcp.Connection
	tools   func() []string
	timeout time.Duration
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintf(r.out, "session %q. /help lists commands.\n", r.session)
	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle processes one line and reports whether the loop should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, "/stats    pool statistics")
		fmt.Fprintln(r.out, "/servers  tool-server connections")
		fmt.Fprintln(r.out, "/tools    registered tools")
		fmt.Fprintln(r.out, "/release  save and release this session")
		fmt.Fprintln(r.out, "/quit     exit")
		return false
	case "/stats":
		r.printJSON(r.pool.Stats())
		return false
	case "/servers":
		r.printJSON(r.servers())
		return false
	case "/tools":
		for _, name := range r.tools() {
			fmt.Fprintln(r.out, name)
		}
		return false
	case "/release":
		r.pool.Release(ctx, r.session)
		fmt.Fprintln(r.out, "session released")
		return false
	}
	if strings.HasPrefix(line, "/") {
		fmt.Fprintf(r.out, "unknown command %s\n", line)
		return false
	}

	if err := r.send(ctx, line); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	client, err := r.pool.GetOrCreate(reqCtx, r.session)
	if err != nil {
		return err
	}
	s, ok := client.(sender)
	if !ok {
		return fmt.Errorf("session client %T cannot converse", client)
	}

	resp, err := s.Send(reqCtx, text, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(r.out, ev.Token)
		case llm.KindToolCallStart:
			if ev.ToolCall != nil {
				fmt.Fprintf(r.out, "\n[%s]\n", ev.ToolCall.Function.Name)
			}
		case llm.KindToolCallDone:
			if ev.ToolError != "" {
				fmt.Fprintf(r.out, "[%s failed: %s]\n", ev.ToolName, ev.ToolError)
			}
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out)
	if resp.FinishReason == agent.FinishMaxIterations {
		fmt.Fprintln(r.out, "[stopped after too many tool calls]")
	}
	return nil
}

func (r *repl) printJSON(v any) {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}
