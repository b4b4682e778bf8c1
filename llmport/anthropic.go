package llmport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicConfig configures the Anthropic-backed Generator/Rewriter.
// Adapted from the gateway's AnthropicProvider connector, narrowed to the
// single chat-completions surface this service needs (no tool-calling
// passthrough, no multi-model registry).
type AnthropicConfig struct {
	APIKey      string
	Model       string
	RewriteModel string // smaller/cheaper model for router + expansion calls
	Timeout     time.Duration
}

// AnthropicClient implements Generator and Rewriter against the Anthropic
// Messages API.
type AnthropicClient struct {
	cfg    AnthropicConfig
	client *http.Client
	logger zerolog.Logger
}

func NewAnthropicClient(cfg AnthropicConfig, logger zerolog.Logger) *AnthropicClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RewriteModel == "" {
		cfg.RewriteModel = cfg.Model
	}
	return &AnthropicClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "llmport.anthropic").Logger(),
	}
}

func (c *AnthropicClient) Model() string { return c.cfg.Model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicMessage  `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func (c *AnthropicClient) do(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicBaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return c.client.Do(httpReq)
}

// StreamGenerate streams an answer as SSE "content_block_delta" events,
// parsing the Anthropic streaming wire format and re-emitting plain text
// chunks. Input token usage comes from the "message_start" event and output
// token usage from the "message_delta" event, when present.
func (c *AnthropicClient) StreamGenerate(ctx context.Context, system, contextBlock string, history []Message, query string) (<-chan StreamEvent, error) {
	msgs := make([]anthropicMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: "user", Content: query})

	fullSystem := system
	if contextBlock != "" {
		fullSystem = system + "\n\nContext:\n" + contextBlock
	}

	resp, err := c.do(ctx, anthropicRequest{
		Model:     c.cfg.Model,
		MaxTokens: 1024,
		System:    fullSystem,
		Messages:  msgs,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(b))
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		var inputTokens, outputTokens int

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			var evt map[string]interface{}
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				continue
			}
			switch evt["type"] {
			case "content_block_delta":
				delta, _ := evt["delta"].(map[string]interface{})
				if text, ok := delta["text"].(string); ok && text != "" {
					select {
					case out <- StreamEvent{Chunk: text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if usage, ok := evt["usage"].(map[string]interface{}); ok {
					if v, ok := usage["output_tokens"].(float64); ok {
						outputTokens = int(v)
					}
				}
			case "message_start":
				if msg, ok := evt["message"].(map[string]interface{}); ok {
					if usage, ok := msg["usage"].(map[string]interface{}); ok {
						if v, ok := usage["input_tokens"].(float64); ok {
							inputTokens = int(v)
						}
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamEvent{Err: err}
			return
		}
		out <- StreamEvent{Done: true, Usage: Usage{InputTokens: inputTokens, OutputTokens: outputTokens, Reported: inputTokens > 0 || outputTokens > 0}}
	}()
	return out, nil
}

const rewriteSchemaJSON = `{
  "type": "object",
  "properties": {
    "is_dependent": {"type": "boolean"},
    "standalone_query": {"type": "string"}
  },
  "required": ["is_dependent", "standalone_query"]
}`

// RewriteStandalone asks the LLM, via a forced tool call, whether the
// query depends on history and what its standalone form would be.
func (c *AnthropicClient) RewriteStandalone(ctx context.Context, history []Message, query string) (StructuredRewrite, error) {
	msgs := make([]anthropicMessage, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: "user", Content: query})

	temp := 0.0
	resp, err := c.do(ctx, anthropicRequest{
		Model:       c.cfg.RewriteModel,
		MaxTokens:   256,
		Messages:    msgs,
		Temperature: &temp,
		Tools: []anthropicTool{{
			Name:        "classify_query",
			Description: "Decide whether the latest user message depends on the conversation history, and produce a standalone rewrite if so.",
			InputSchema: json.RawMessage(rewriteSchemaJSON),
		}},
		ToolChoice: &anthropicToolChoice{Type: "tool", Name: "classify_query"},
	})
	if err != nil {
		return StructuredRewrite{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return StructuredRewrite{}, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(b))
	}

	var parsed struct {
		Content []struct {
			Type  string          `json:"type"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return StructuredRewrite{}, err
	}
	for _, block := range parsed.Content {
		if block.Type == "tool_use" && block.Name == "classify_query" {
			var rewrite StructuredRewrite
			if err := json.Unmarshal(block.Input, &rewrite); err != nil {
				return StructuredRewrite{}, err
			}
			return rewrite, nil
		}
	}
	return StructuredRewrite{}, fmt.Errorf("anthropic: no tool_use block in response")
}

// ExpandShortQuery asks the LLM to expand a 1-3 token query into a 5-12
// word standalone question, for the cache hierarchy's short-query
// expansion step.
func (c *AnthropicClient) ExpandShortQuery(ctx context.Context, query string) (string, error) {
	resp, err := c.do(ctx, anthropicRequest{
		Model:     c.cfg.RewriteModel,
		MaxTokens: 64,
		System:    "Expand the user's short query into a 5-12 word standalone question about the same topic. Reply with only the question.",
		Messages:  []anthropicMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(b))
	}
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", fmt.Errorf("anthropic: no text block in response")
}
