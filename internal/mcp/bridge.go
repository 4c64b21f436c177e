package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/thane-runtime/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolCaller is the part of Client used by bridged tools.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// BridgeTools lists the server's tools and registers each one on the
// registry as "mcp_<server>_<tool>". A non-empty include list limits
// registration to the named tools; otherwise tools named in exclude are
// skipped. Arguments are validated against the tool's input schema
// before each call when the schema compiles. It returns the registered
// names so they can be removed when the server goes away.
func BridgeTools(ctx context.Context, client *Client, serverName string, registry *tools.Registry, include, exclude []string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var names []string
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		schema, err := compileInputSchema(name, td.InputSchema)
		if err != nil {
			logger.Warn("tool input schema does not compile, skipping validation",
				"tool", name, "error", err)
		}
		registry.Register(bridgeTool(client, name, td, schema))
		names = append(names, name)

		logger.Debug("bridged tool", "mcp_name", td.Name, "name", name, "server", serverName)
	}
	return names, nil
}

// UnbridgeTools removes previously bridged tools and returns how many
// were still registered.
func UnbridgeTools(registry *tools.Registry, names []string) int {
	n := 0
	for _, name := range names {
		if registry.Unregister(name) {
			n++
		}
	}
	return n
}

// ToolName builds the registry name for a server's tool. Both parts are
// lowercased and reduced to alphanumerics and single underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func bridgeTool(caller ToolCaller, name string, td ToolDefinition, schema *jsonschema.Schema) *tools.Tool {
	mcpName := td.Name
	params := td.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  params,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args == nil {
				args = map[string]any{}
			}
			if schema != nil {
				if err := schema.Validate(toJSONValue(args)); err != nil {
					return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
				}
			}
			return caller.CallTool(ctx, mcpName, args)
		},
	}
}

// compileInputSchema compiles a tool's input schema. A nil or empty
// schema yields a nil validator.
func compileInputSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// toJSONValue round-trips v through encoding/json so the validator
// sees only the generic JSON types it understands.
func toJSONValue(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
