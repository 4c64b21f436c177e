package codeexec

import "strings"

// Stage is a coarse execution stage reported to callers.
type Stage string

// Stages emitted by the harness.
const (
	StagePreparing      Stage = "preparing"
	StageInstallingDeps Stage = "installing_deps"
	StageExecuting      Stage = "executing"
	StageProcessing     Stage = "processing"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// Stages recognized by upstream consumers but never emitted here.
const (
	StageValidating Stage = "validating"
	StageConfirming Stage = "confirming"
	StageCancelled  Stage = "cancelled"
)

// Terminal reports whether no further progress follows s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// StageFromScript maps the freeform stage name a script passes to
// report_progress onto an execution stage. Unknown names map to
// StageExecuting.
func StageFromScript(name string) Stage {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "preparing", "loading", "initializing", "init", "setup", "starting", "reading":
		return StagePreparing
	case "installing", "installing_deps", "dependencies", "deps":
		return StageInstallingDeps
	case "executing", "running", "working", "computing":
		return StageExecuting
	case "processing", "analyzing", "converting", "parsing", "transforming", "writing", "saving", "finalizing":
		return StageProcessing
	case "completed", "complete", "done", "finished", "success":
		return StageCompleted
	case "failed", "error", "failure":
		return StageFailed
	default:
		return StageExecuting
	}
}
