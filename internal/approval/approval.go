// Package approval implements the per-tool confirmation gate that
// guards script execution. A Gate asks a Prompter for a decision and
// remembers "always" answers in an Allowlist owned by the tool
// instance, so the same operation class is not prompted for twice.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Outcome is the user's answer to a confirmation prompt.
type Outcome int

const (
	// Cancel rejects the operation. It is also the zero value so an
	// unanswered prompt never proceeds.
	Cancel Outcome = iota
	// ProceedOnce approves this invocation only.
	ProceedOnce
	// ProceedAlways approves this invocation and every later
	// invocation with the same key.
	ProceedAlways
	// ProceedAlwaysServer approves every tool from the same server.
	// The script gate has no server scope and treats it as ProceedOnce.
	ProceedAlwaysServer
	// ProceedAlwaysTool approves every later invocation of the tool.
	ProceedAlwaysTool
	// ModifyWithEditor asks to edit the proposal before running it.
	// Script confirmations have no editor, so the gate treats it as
	// Cancel.
	ModifyWithEditor
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Cancel:
		return "cancel"
	case ProceedOnce:
		return "proceed_once"
	case ProceedAlways:
		return "proceed_always"
	case ProceedAlwaysServer:
		return "proceed_always_server"
	case ProceedAlwaysTool:
		return "proceed_always_tool"
	case ModifyWithEditor:
		return "modify_with_editor"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Permanent reports whether the outcome adds an allowlist entry.
func (o Outcome) Permanent() bool {
	return o == ProceedAlways || o == ProceedAlwaysTool
}

// Proceeds reports whether the outcome lets the operation run.
func (o Outcome) Proceeds() bool {
	switch o {
	case ProceedOnce, ProceedAlways, ProceedAlwaysServer, ProceedAlwaysTool:
		return true
	default:
		return false
	}
}

// ParseOutcome converts an outcome name back into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for o := Cancel; o <= ModifyWithEditor; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return Cancel, fmt.Errorf("unknown confirmation outcome %q", s)
}

// ErrCancelled is returned by Gate.Check when the user declines.
var ErrCancelled = errors.New("operation cancelled by user")

// KeySuffix is appended to a tool name to form the root operation key
// for script execution.
const KeySuffix = "_script_execution"

// RootKey returns the allowlist key for script execution by tool.
func RootKey(tool string) string {
	return tool + KeySuffix
}

// Details describes the operation awaiting confirmation.
type Details struct {
	// Title is a short heading, usually the tool name.
	Title string `json:"title"`
	// Key is the root operation key that "always" answers record.
	Key string `json:"key"`
	// Command is a human-readable preview of what will be run.
	Command string `json:"command"`
	// Code is an optional preview of the generated script.
	Code string `json:"code,omitempty"`
	// Requirements lists packages that may be installed first.
	Requirements []string `json:"requirements,omitempty"`
}

// Prompter resolves a confirmation request. Implementations may block
// indefinitely waiting for a user and must return when ctx is done.
type Prompter interface {
	Confirm(ctx context.Context, d Details) (Outcome, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, d Details) (Outcome, error)

// Confirm calls f.
func (f PrompterFunc) Confirm(ctx context.Context, d Details) (Outcome, error) {
	return f(ctx, d)
}

// Allowlist is a set of approved operation keys. It is safe for
// concurrent use.
type Allowlist struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewAllowlist returns an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{keys: make(map[string]struct{})}
}

// Has reports whether key has been approved.
func (a *Allowlist) Has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.keys[key]
	return ok
}

// Keys returns the approved keys, sorted.
func (a *Allowlist) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.keys))
	for k := range a.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Allowlist) add(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = struct{}{}
}

// Decision records how a Check was resolved.
type Decision struct {
	// Outcome is the prompter's answer, or ProceedOnce when no prompt
	// was needed.
	Outcome Outcome
	// Prompted is false when the key was already allowlisted or the
	// gate is disabled.
	Prompted bool
}

// Gate asks for confirmation unless the key is already allowlisted.
// A nil Prompter disables confirmation entirely.
type Gate struct {
	prompter Prompter
	list     *Allowlist
}

// NewGate creates a gate that owns a fresh allowlist.
func NewGate(p Prompter) *Gate {
	return &Gate{prompter: p, list: NewAllowlist()}
}

// Allowlist returns the gate's allowlist for inspection.
func (g *Gate) Allowlist() *Allowlist {
	return g.list
}

// Check resolves confirmation for d.Key. It returns ErrCancelled when
// the user declines, when the prompt is abandoned through ctx, or when
// the prompter asks for an editor. Only ProceedAlways and
// ProceedAlwaysTool add the key to the allowlist.
func (g *Gate) Check(ctx context.Context, d Details) (Decision, error) {
	if g.prompter == nil {
		return Decision{Outcome: ProceedOnce}, nil
	}
	if g.list.Has(d.Key) {
		return Decision{Outcome: ProceedOnce}, nil
	}

	outcome, err := g.prompter.Confirm(ctx, d)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{Outcome: Cancel, Prompted: true}, ErrCancelled
		}
		return Decision{Outcome: Cancel, Prompted: true}, fmt.Errorf("confirmation failed: %w", err)
	}
	if ctx.Err() != nil {
		return Decision{Outcome: Cancel, Prompted: true}, ErrCancelled
	}

	dec := Decision{Outcome: outcome, Prompted: true}
	if !outcome.Proceeds() {
		return dec, ErrCancelled
	}
	if outcome.Permanent() {
		g.list.add(d.Key)
	}
	return dec, nil
}
