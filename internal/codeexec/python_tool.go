package codeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"

	"github.com/nugget/thane-runtime/internal/approval"
	"github.com/nugget/thane-runtime/internal/tools"
)

// PythonToolName is the registry name of the generic script tool.
const PythonToolName = "python_exec"

// PythonParams are the arguments to python_exec.
type PythonParams struct {
	Code         string   `json:"code" jsonschema_description:"Python source to run. Printed output is returned. Call report_progress(stage, progress, message) to report progress."`
	Requirements []string `json:"requirements,omitempty" jsonschema_description:"pip requirement strings the code needs, for example requests or pandas[excel]."`
	Description  string   `json:"description,omitempty" jsonschema_description:"One-line summary of what the code does, shown when asking for confirmation."`
}

// PythonTool runs model-provided Python code through the harness.
type PythonTool struct {
	// Python is the interpreter named in confirmation previews.
	Python string
	// MaxResultBytes truncates returned output. Zero means no limit.
	MaxResultBytes int
}

// Name implements ScriptTool.
func (t *PythonTool) Name() string { return PythonToolName }

// Requirements implements ScriptTool.
func (t *PythonTool) Requirements(params map[string]any) []string {
	p, _ := decodePythonParams(params)
	return p.Requirements
}

// BuildScript implements ScriptTool.
func (t *PythonTool) BuildScript(params map[string]any) (string, error) {
	p, err := decodePythonParams(params)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Code) == "" {
		return "", errors.New("code is required")
	}
	return p.Code, nil
}

// ParseResult implements ScriptTool.
func (t *PythonTool) ParseResult(output string, _ map[string]any) (string, error) {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return "(no output)", nil
	}
	if t.MaxResultBytes > 0 && len(output) > t.MaxResultBytes {
		cut := t.MaxResultBytes
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut] + "\n\n[... output truncated ...]"
	}
	return output, nil
}

// Confirmation implements ScriptTool. Every python_exec run is
// confirmed unless the tool is allowlisted.
func (t *PythonTool) Confirmation(params map[string]any, script string) *approval.Details {
	p, _ := decodePythonParams(params)
	title := PythonToolName
	if p.Description != "" {
		title = fmt.Sprintf("%s (%s)", PythonToolName, p.Description)
	}
	python := t.Python
	if python == "" {
		python = "python3"
	}
	return &approval.Details{
		Title:        title,
		Key:          approval.RootKey(PythonToolName),
		Command:      python + " <generated script>",
		Code:         script,
		Requirements: p.Requirements,
	}
}

func decodePythonParams(params map[string]any) (PythonParams, error) {
	var p PythonParams
	raw, err := json.Marshal(params)
	if err != nil {
		return p, fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

// ParamsSchema reflects the JSON schema for v into the map form used
// by tools.Tool.Parameters.
func ParamsSchema(v any) map[string]any {
	r := &jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// RegisterTool adds a registry tool that runs st through h. A failed
// run returns its display string with a nil error.
func RegisterTool(reg *tools.Registry, h *Harness, st ScriptTool, description string, params any, cb Callbacks) {
	reg.Register(&tools.Tool{
		Name:        st.Name(),
		Description: description,
		Parameters:  ParamsSchema(params),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res := h.Execute(ctx, st, args, cb)
			if !res.OK() {
				return res.Display, nil
			}
			return res.Output, nil
		},
	})
}

// RegisterPython registers python_exec.
func RegisterPython(reg *tools.Registry, h *Harness, cb Callbacks) {
	RegisterTool(reg, h, &PythonTool{Python: h.cfg.Python, MaxResultBytes: 64 * 1024},
		"Run Python code in a sandboxed subprocess inside the workspace and return what it prints. "+
			"Declare third-party packages in requirements; they are installed when missing.",
		&PythonParams{}, cb)
}
