// Package agent implements the per-session conversation loop: it sends
// the history to the model, runs the tools the model asks for, and
// feeds their results back until the model answers in text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/thane-runtime/internal/events"
	"github.com/nugget/thane-runtime/internal/llm"
	"github.com/nugget/thane-runtime/internal/sessions"
	"github.com/nugget/thane-runtime/internal/tools"
)

// DefaultSystemPrompt is used when Config.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the request, and be concise."

// Finish reasons reported in Response.
const (
	FinishStop          = "stop"
	FinishMaxIterations = "max_iterations"
)

// ErrNotInitialized is returned by Send before Initialize.
var ErrNotInitialized = errors.New("conversation not initialized")

// Config is shared by every conversation created from it.
type Config struct {
	Client       llm.Client
	Model        string
	SystemPrompt string
	// Tools executes tool calls. Optional; without it tool calls are
	// answered with an error message.
	Tools *tools.Registry
	// MaxIterations caps model round trips per Send. Default 10.
	MaxIterations int
	Notifier      events.Notifier
	Logger        *slog.Logger
}

// Response is the outcome of one Send.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Conversation is one session's model client. It implements
// sessions.Client and sessions.HistoryCarrier.
type Conversation struct {
	id     string
	cfg    Config
	logger *slog.Logger

	// sendMu serializes Send; mu guards the fields below.
	sendMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	toolDefs    []map[string]any
	history     []llm.Message
}

// New creates a conversation for session id.
func New(id string, cfg Config) *Conversation {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		id:     id,
		cfg:    cfg,
		logger: logger.With("component", "agent", "session_id", id),
	}
}

// NewFactory returns a session pool factory producing conversations.
func NewFactory(cfg Config) sessions.Factory {
	return func(_ context.Context, id string) (sessions.Client, error) {
		return New(id, cfg), nil
	}
}

// Initialize checks the conversation can reach a model.
func (c *Conversation) Initialize(ctx context.Context) error {
	if c.cfg.Client == nil {
		return errors.New("no model client configured")
	}
	if c.cfg.Model == "" {
		return errors.New("no model configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// SetTools binds the tool definitions offered to the model.
func (c *Conversation) SetTools(defs []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolDefs = defs
}

// ID returns the session id.
func (c *Conversation) ID() string {
	return c.id
}

// History returns a copy of the conversation history.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// MarshalHistory encodes the history for persistence.
func (c *Conversation) MarshalHistory() (json.RawMessage, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.history
	if history == nil {
		history = []llm.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal history: %w", err)
	}
	return data, len(history), nil
}

// UnmarshalHistory replaces the history with persisted messages.
func (c *Conversation) UnmarshalHistory(data json.RawMessage) (int, error) {
	var history []llm.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return 0, fmt.Errorf("unmarshal history: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = history
	return len(history), nil
}

// Send adds a user message and runs the model until it answers without
// tool calls or MaxIterations round trips have been made. Streaming
// events go to callback when non-nil.
func (c *Conversation) Send(ctx context.Context, text string, callback llm.StreamCallback) (*Response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: text})
	toolDefs := c.toolDefs
	c.mu.Unlock()

	start := time.Now()
	resp := &Response{Model: c.cfg.Model, FinishReason: FinishMaxIterations}

	for iter := range c.cfg.MaxIterations {
		messages := c.prompt()
		c.logger.Debug("calling model", "iteration", iter, "messages", len(messages), "tools", len(toolDefs))

		out, err := c.cfg.Client.ChatStream(ctx, c.cfg.Model, messages, toolDefs, callback)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		resp.Model = out.Model
		resp.InputTokens += out.InputTokens
		resp.OutputTokens += out.OutputTokens

		msg := out.Message
		msg.Role = llm.RoleAssistant
		c.append(msg)

		if len(msg.ToolCalls) == 0 {
			resp.Content = msg.Content
			resp.FinishReason = FinishStop
			break
		}

		for _, call := range msg.ToolCalls {
			resp.ToolCalls++
			result := c.runTool(ctx, call, callback)
			c.append(llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: call.ID})
		}
	}

	c.logger.Info("conversation turn completed",
		"finish_reason", resp.FinishReason,
		"tool_calls", resp.ToolCalls,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return resp, nil
}

// runTool executes one tool call and returns the text fed back to the
// model. Failures become text so the model can react to them.
func (c *Conversation) runTool(ctx context.Context, call llm.ToolCall, callback llm.StreamCallback) string {
	name := call.Function.Name
	if callback != nil {
		callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
	}
	events.Emit(c.cfg.Notifier, events.SourceAgent, events.KindToolCall, map[string]any{
		"session_id": c.id,
		"tool":       name,
	})

	start := time.Now()
	result, err := c.execute(ctx, call)
	ok := err == nil
	if err != nil {
		c.logger.Warn("tool call failed", "tool", name, "error", err)
		result = "Error: " + err.Error()
	}

	events.Emit(c.cfg.Notifier, events.SourceAgent, events.KindToolDone, map[string]any{
		"session_id":  c.id,
		"tool":        name,
		"ok":          ok,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if callback != nil {
		ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: name, ToolResult: result}
		if err != nil {
			ev.ToolError = err.Error()
		}
		callback(ev)
	}
	return result
}

func (c *Conversation) execute(ctx context.Context, call llm.ToolCall) (string, error) {
	if c.cfg.Tools == nil {
		return "", &tools.ErrToolUnavailable{ToolName: call.Function.Name}
	}
	args, err := json.Marshal(call.Function.Arguments)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	return c.cfg.Tools.Execute(ctx, call.Function.Name, string(args))
}

func (c *Conversation) prompt() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages := make([]llm.Message, 0, len(c.history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: c.cfg.SystemPrompt})
	return append(messages, c.history...)
}

func (c *Conversation) append(m llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
}
