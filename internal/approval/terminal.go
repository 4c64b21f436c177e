package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// TerminalPrompter asks for confirmation on a line-oriented terminal.
// Answers: y (once), a (always), t (always for this tool), n (cancel).
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter creates a prompter reading answers from in and
// writing prompts to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// Confirm prints the details and waits for an answer. A read that is
// still pending when ctx ends is abandoned.
func (p *TerminalPrompter) Confirm(ctx context.Context, d Details) (Outcome, error) {
	fmt.Fprintf(p.out, "\n%s wants to run:\n  %s\n", d.Title, d.Command)
	if len(d.Requirements) > 0 {
		fmt.Fprintf(p.out, "requirements: %s\n", strings.Join(d.Requirements, ", "))
	}
	if d.Code != "" {
		fmt.Fprintf(p.out, "--- code ---\n%s\n------------\n", d.Code)
	}
	fmt.Fprint(p.out, "Allow? [y]es once / [a]lways / always for [t]his tool / [n]o: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return Cancel, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return Cancel, fmt.Errorf("read answer: %w", a.err)
		}
		return parseAnswer(a.line), nil
	}
}

func parseAnswer(line string) Outcome {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return ProceedOnce
	case "a", "always":
		return ProceedAlways
	case "t", "tool":
		return ProceedAlwaysTool
	default:
		return Cancel
	}
}
