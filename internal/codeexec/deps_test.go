package codeexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nugget/thane-runtime/internal/process"
)

func TestBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"requests", "requests"},
		{"pandas[excel]>=2.0", "pandas"},
		{"numpy==1.26.4", "numpy"},
		{"foo ; python_version<'3.12'", "foo"},
		{"pkg @ https://example.com/pkg.whl", "pkg"},
		{"  spaced  ", "spaced"},
	}
	for _, tt := range tests {
		if got := BaseName(tt.in); got != tt.want {
			t.Errorf("BaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolver_PlanExtrasAlwaysScheduled(t *testing.T) {
	r := &fakeRunner{handle: func(process.Command, func(process.Chunk)) (*process.Result, error) {
		// Every probe succeeds: the base package is present.
		return &process.Result{ExitCode: 0}, nil
	}}
	res := NewResolver(r, "python3", nil)

	missing, err := res.Plan(context.Background(), []string{"pandas[excel]", "requests"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(missing) != 1 || missing[0] != "pandas[excel]" {
		t.Errorf("missing = %v, want [pandas[excel]]", missing)
	}

	for _, c := range r.calls() {
		if isPip(c, "show") && c.Args[3] == "pandas" {
			t.Error("extras requirement should not be probed")
		}
	}
}

func TestResolver_PlanProbesNonExtras(t *testing.T) {
	r := &fakeRunner{handle: func(c process.Command, _ func(process.Chunk)) (*process.Result, error) {
		if c.Args[3] == "absent" {
			return &process.Result{ExitCode: 1}, nil
		}
		return &process.Result{ExitCode: 0}, nil
	}}
	res := NewResolver(r, "python3", nil)

	missing, err := res.Plan(context.Background(), []string{"present", "absent>=1.0", ""})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(missing) != 1 || missing[0] != "absent>=1.0" {
		t.Errorf("missing = %v, want [absent>=1.0]", missing)
	}
	if got := len(r.calls()); got != 2 {
		t.Errorf("runner called %d times, want 2 probes", got)
	}
}

func TestResolver_PlanProbeError(t *testing.T) {
	r := &fakeRunner{handle: func(process.Command, func(process.Chunk)) (*process.Result, error) {
		return nil, errors.New("exec: python3: not found")
	}}
	res := NewResolver(r, "python3", nil)

	if _, err := res.Plan(context.Background(), []string{"requests"}); err == nil {
		t.Fatal("expected probe error")
	}
}

func TestResolver_InstallSingleBatch(t *testing.T) {
	r := &fakeRunner{}
	res := NewResolver(r, "python3", nil)

	if err := res.Install(context.Background(), []string{"a", "b[x]"}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	calls := r.calls()
	if len(calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(calls))
	}
	if !isPip(calls[0], "install") {
		t.Errorf("command = %q, want pip install", joinArgs(calls[0]))
	}
	n := len(calls[0].Args)
	if calls[0].Args[n-2] != "a" || calls[0].Args[n-1] != "b[x]" {
		t.Errorf("install args = %v", calls[0].Args)
	}
}

func TestResolver_InstallFailure(t *testing.T) {
	r := &fakeRunner{handle: func(process.Command, func(process.Chunk)) (*process.Result, error) {
		return &process.Result{ExitCode: 1, Stderr: "No matching distribution"}, nil
	}}
	res := NewResolver(r, "python3", nil)

	err := res.Install(context.Background(), []string{"nope"}, nil)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
}

func TestResolver_InstallNothing(t *testing.T) {
	r := &fakeRunner{}
	res := NewResolver(r, "python3", nil)
	if err := res.Install(context.Background(), nil, nil); err != nil {
		t.Fatalf("Install(nil): %v", err)
	}
	if len(r.calls()) != 0 {
		t.Error("empty install should not spawn")
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "  abc\n", 10, "abc"},
		{"ascii", "abcdef", 3, "...def"},
		{"cut inside rune", "aé", 1, "..."},
		{"keeps whole rune", "xxé", 2, "...é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tail(tt.in, tt.n); got != tt.want {
				t.Errorf("tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}

	got := tail(strings.Repeat("日本語", 2000), 4000)
	if !utf8.ValidString(got) {
		t.Errorf("tail of CJK text is not valid UTF-8")
	}
}
