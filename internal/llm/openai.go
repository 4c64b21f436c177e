package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/thane-runtime/internal/buildinfo"
	"github.com/nugget/thane-runtime/internal/httpkit"
)

// OpenAIConfig configures a client for any OpenAI-compatible chat
// completions endpoint (OpenAI itself, Ollama's /v1, vLLM, LM Studio).
type OpenAIConfig struct {
	// BaseURL including the version path, e.g. "http://localhost:11434/v1".
	// Empty means the OpenAI API.
	BaseURL string
	APIKey  string
	// Timeout bounds one request. Default 5m.
	Timeout time.Duration
	// MaxRetries for rate limits and 5xx responses. Default 3.
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// OpenAIClient implements Client over github.com/sashabaranov/go-openai.
type OpenAIClient struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(oc),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("component", "llm"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req, err := buildRequest(model, messages, tools)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	err = c.retry(ctx, func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	msg, err := fromOpenAIMessage(resp.Choices[0].Message)
	if err != nil {
		return nil, err
	}
	recoverTextToolCalls(&msg, tools)

	c.logger.Debug("chat completion",
		"model", resp.Model,
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"tool_calls", len(msg.ToolCalls),
	)
	return &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0),
		Message:      msg,
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// ChatStream sends a streaming chat completion request. Text deltas
// are delivered to callback as KindToken events; tool call fragments
// are accumulated and returned in the final message.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	req, err := buildRequest(model, messages, tools)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err = c.retry(ctx, func() error {
		var err error
		stream, err = c.client.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()

	out := &ChatResponse{Model: model, CreatedAt: time.Now(), Message: Message{Role: RoleAssistant}}
	var content strings.Builder
	acc := newToolCallAccumulator()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat stream: %w", err)
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: delta.Content})
			}
		}
		for _, tc := range delta.ToolCalls {
			acc.add(tc)
		}
	}

	out.Message.Content = content.String()
	calls, err := acc.calls()
	if err != nil {
		return nil, err
	}
	out.Message.ToolCalls = calls
	recoverTextToolCalls(&out.Message, tools)
	out.Done = true

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

// Ping lists models to check the endpoint is reachable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// retry runs fn, retrying rate limits and server errors with linear
// backoff.
func (c *OpenAIClient) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}
		c.logger.Warn("model request failed, retrying", "attempt", attempt+1, "error", err)
	}
	return err
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}

func buildRequest(model string, messages []Message, tools []map[string]any) (openai.ChatCompletionRequest, error) {
	req := openai.ChatCompletionRequest{Model: model}
	for _, m := range messages {
		om, err := toOpenAIMessage(m)
		if err != nil {
			return req, err
		}
		req.Messages = append(req.Messages, om)
	}
	req.Tools = toOpenAITools(tools)
	return req, nil
}

func toOpenAIMessage(m Message) (openai.ChatCompletionMessage, error) {
	om := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return om, fmt.Errorf("marshal arguments for %s: %w", tc.Function.Name, err)
		}
		om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			},
		})
	}
	return om, nil
}

func fromOpenAIMessage(om openai.ChatCompletionMessage) (Message, error) {
	m := Message{Role: om.Role, Content: om.Content, ToolCallID: om.ToolCallID}
	for _, tc := range om.ToolCalls {
		call, err := decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return m, err
		}
		m.ToolCalls = append(m.ToolCalls, call)
	}
	return m, nil
}

func decodeToolCall(id, name, rawArgs string) (ToolCall, error) {
	call := ToolCall{ID: id, Function: ToolCallFunction{Name: name}}
	if strings.TrimSpace(rawArgs) == "" {
		call.Function.Arguments = map[string]any{}
		return call, nil
	}
	if err := json.Unmarshal([]byte(rawArgs), &call.Function.Arguments); err != nil {
		return call, fmt.Errorf("decode arguments for %s: %w", name, err)
	}
	return call, nil
}

// toOpenAITools converts registry tool definitions
// ({"type":"function","function":{...}}) into SDK tools.
func toOpenAITools(defs []map[string]any) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  fn["parameters"],
			},
		})
	}
	return out
}

// toolCallAccumulator joins streamed tool call fragments by index.
type toolCallAccumulator struct {
	order []int
	parts map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{parts: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	p, ok := a.parts[index]
	if !ok {
		p = &partialCall{}
		a.parts[index] = p
		a.order = append(a.order, index)
	}
	if tc.ID != "" {
		p.id = tc.ID
	}
	if tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	p.args.WriteString(tc.Function.Arguments)
}

func (a *toolCallAccumulator) calls() ([]ToolCall, error) {
	var out []ToolCall
	for _, idx := range a.order {
		p := a.parts[idx]
		if p.name == "" {
			continue
		}
		call, err := decodeToolCall(p.id, p.name, p.args.String())
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, nil
}

// recoverTextToolCalls turns a tool call the model wrote into its
// content into a real one. Only names of offered tools are accepted.
func recoverTextToolCalls(m *Message, tools []map[string]any) {
	if len(m.ToolCalls) > 0 || len(tools) == 0 {
		return
	}
	calls := parseTextToolCalls(m.Content, extractToolNames(tools))
	if len(calls) == 0 {
		return
	}
	for i := range calls {
		calls[i].ID = fmt.Sprintf("text_call_%d", i)
	}
	m.ToolCalls = calls
	m.Content = ""
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models output tool calls as JSON in the content rather
// than using the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var parsed []textCall
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || len(parsed) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		parsed = []textCall{single}
	}

	var out []ToolCall
	for _, c := range parsed {
		if c.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, c.Name) {
			continue
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{Function: ToolCallFunction{Name: c.Name, Arguments: args}})
	}
	return out
}

// extractToolNames returns the function names in tool definitions.
func extractToolNames(tools []map[string]any) []string {
	var names []string
	for _, def := range tools {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}
