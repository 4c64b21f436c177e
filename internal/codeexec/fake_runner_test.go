package codeexec

import (
	"context"
	"strings"
	"sync"

	"github.com/nugget/thane-runtime/internal/process"
)

// fakeRunner records commands and answers them from a handler.
type fakeRunner struct {
	mu       sync.Mutex
	commands []process.Command
	handle   func(c process.Command, onChunk func(process.Chunk)) (*process.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, c process.Command, onChunk func(process.Chunk)) (*process.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
	if f.handle == nil {
		return &process.Result{}, nil
	}
	return f.handle(c, onChunk)
}

func (f *fakeRunner) calls() []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Command(nil), f.commands...)
}

// isPip reports whether c is a pip invocation with the given verb.
func isPip(c process.Command, verb string) bool {
	return len(c.Args) >= 3 && c.Args[0] == "-m" && c.Args[1] == "pip" && c.Args[2] == verb
}

func joinArgs(c process.Command) string {
	return strings.Join(c.Args, " ")
}
