package codeexec

import "testing"

func TestStageFromScript(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"loading", StagePreparing},
		{"Preparing", StagePreparing},
		{"installing", StageInstallingDeps},
		{"running", StageExecuting},
		{"analyzing", StageProcessing},
		{"saving", StageProcessing},
		{"done", StageCompleted},
		{"error", StageFailed},
		{"  failed ", StageFailed},
		{"something-else", StageExecuting},
		{"", StageExecuting},
	}
	for _, tt := range tests {
		if got := StageFromScript(tt.in); got != tt.want {
			t.Errorf("StageFromScript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStageTerminal(t *testing.T) {
	for _, s := range []Stage{StageCompleted, StageFailed, StageCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Stage{StagePreparing, StageInstallingDeps, StageExecuting, StageProcessing, StageValidating, StageConfirming} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
