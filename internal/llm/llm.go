// Package llm detects which provider an LLM span targeted, estimates replay
// cost from its recorded input, and re-executes calls against OpenAI Chat
// Completions or Anthropic Messages using the provider SDKs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Provider identifiers. Detection returns one of these or empty.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Model fallbacks used when neither the replay config nor the span input
// names a model.
const (
	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
)

// DefaultTimeout bounds each provider call.
const DefaultTimeout = 120 * time.Second

// charsPerToken is the rough estimation ratio used for cost previews.
const charsPerToken = 4

// Rates is the per-million-token price of a provider.
type Rates struct {
	Input  float64
	Output float64
}

// CostPerMTokens holds the estimation rates per provider, USD per million
// tokens. GPT-4o and Claude Sonnet class pricing.
var CostPerMTokens = map[string]Rates{
	ProviderOpenAI:    {Input: 2.50, Output: 10.00},
	ProviderAnthropic: {Input: 3.00, Output: 15.00},
}

// DetectProvider determines which provider an LLM span targeted from its name
// and recorded input. Returns empty when undetectable.
func DetectProvider(input map[string]any, name string) string {
	lower := strings.ToLower(name)
	for _, k := range []string{"openai", "gpt", "chatgpt"} {
		if strings.Contains(lower, k) {
			return ProviderOpenAI
		}
	}
	for _, k := range []string{"anthropic", "claude"} {
		if strings.Contains(lower, k) {
			return ProviderAnthropic
		}
	}
	if input == nil {
		return ""
	}
	model := strings.ToLower(stringValue(input, "model"))
	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return ProviderOpenAI
	case strings.HasPrefix(model, "claude"):
		return ProviderAnthropic
	}
	// OpenAI-shaped messages list: [{"role": ..., "content": ...}, ...].
	if msgs, ok := input["messages"].([]any); ok && len(msgs) > 0 {
		if first, ok := msgs[0].(map[string]any); ok {
			if _, ok := first["role"]; ok {
				return ProviderOpenAI
			}
		}
	}
	return ""
}

// EstimateCost previews the USD cost of re-executing a span. Input tokens are
// estimated from the recorded text at ~4 chars/token with a floor of 100;
// output is assumed to be half the input. Rounded to 6 decimal places.
func EstimateCost(input map[string]any, provider string) float64 {
	if input == nil {
		return 0
	}
	text := extractText(input)
	inputTokens := float64(len(text)) / charsPerToken
	if inputTokens < 100 {
		inputTokens = 100
	}
	outputTokens := inputTokens * 0.5
	rates, ok := CostPerMTokens[provider]
	if !ok {
		rates = CostPerMTokens[ProviderOpenAI]
	}
	cost := (inputTokens*rates.Input + outputTokens*rates.Output) / 1_000_000
	return roundTo(cost, 6)
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	return float64(int64(v*shift+0.5)) / shift
}

// extractText pulls the prompt text out of a span input for token
// estimation: message contents (string or text parts) plus any "prompt".
func extractText(input map[string]any) string {
	var parts []string
	if msgs, ok := input["messages"].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			switch content := msg["content"].(type) {
			case string:
				parts = append(parts, content)
			case []any:
				for _, item := range content {
					if im, ok := item.(map[string]any); ok {
						if text, ok := im["text"].(string); ok {
							parts = append(parts, text)
						}
					}
				}
			}
		}
	}
	if prompt, ok := input["prompt"]; ok {
		parts = append(parts, fmt.Sprint(prompt))
	}
	return strings.Join(parts, " ")
}

type (
	// ChatClient captures the subset of the go-openai client the executor
	// uses. Satisfied by *openai.Client and by mocks in tests.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// MessagesClient captures the subset of the Anthropic SDK the executor
	// uses. Satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Executor re-runs recorded LLM spans against live providers. Clients are
	// built per call because each project carries its own provider keys.
	Executor struct {
		newChat     func(apiKey string) ChatClient
		newMessages func(apiKey string) MessagesClient
		timeout     time.Duration
	}

	// ExecutorOptions configures an Executor. Zero values select the real
	// SDK clients and the default timeout.
	ExecutorOptions struct {
		NewChat     func(apiKey string) ChatClient
		NewMessages func(apiKey string) MessagesClient
		Timeout     time.Duration
	}
)

// NewExecutor builds an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		newChat:     opts.NewChat,
		newMessages: opts.NewMessages,
		timeout:     opts.Timeout,
	}
	if e.newChat == nil {
		e.newChat = func(apiKey string) ChatClient { return openai.NewClient(apiKey) }
	}
	if e.newMessages == nil {
		e.newMessages = func(apiKey string) MessagesClient {
			c := sdk.NewClient(option.WithAPIKey(apiKey))
			return &c.Messages
		}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	return e
}

// Execute re-runs one recorded call and returns the normalized result:
// {provider, model, content, usage, raw}. The model override, when non-empty,
// wins over the model recorded in the span input.
func (e *Executor) Execute(ctx context.Context, provider, apiKey, model string, input map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	switch provider {
	case ProviderOpenAI:
		return e.callOpenAI(ctx, apiKey, model, input)
	case ProviderAnthropic:
		return e.callAnthropic(ctx, apiKey, model, input)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func (e *Executor) callOpenAI(ctx context.Context, apiKey, model string, input map[string]any) (map[string]any, error) {
	if model == "" {
		model = stringValue(input, "model")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(input),
	}
	if v, ok := floatValue(input, "temperature"); ok {
		req.Temperature = float32(v)
	}
	if v, ok := floatValue(input, "max_tokens"); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := floatValue(input, "top_p"); ok {
		req.TopP = float32(v)
	}
	req.Stop = stringList(input, "stop")

	resp, err := e.newChat(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return map[string]any{
		"provider": ProviderOpenAI,
		"model":    resp.Model,
		"content":  content,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
		"raw": toRaw(resp),
	}, nil
}

func (e *Executor) callAnthropic(ctx context.Context, apiKey, model string, input map[string]any) (map[string]any, error) {
	if model == "" {
		model = stringValue(input, "model")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := int64(4096)
	if v, ok := floatValue(input, "max_tokens"); ok {
		maxTokens = int64(v)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
	}
	messages, system := anthropicMessages(input)
	params.Messages = messages
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if v, ok := floatValue(input, "temperature"); ok {
		params.Temperature = sdk.Float(v)
	}
	if v, ok := floatValue(input, "top_p"); ok {
		params.TopP = sdk.Float(v)
	}
	if stops := stringList(input, "stop_sequences"); len(stops) > 0 {
		params.StopSequences = stops
	}

	msg, err := e.newMessages(apiKey).New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message: %w", err)
	}
	if msg == nil {
		return nil, errors.New("anthropic message: empty response")
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return map[string]any{
		"provider": ProviderAnthropic,
		"model":    string(msg.Model),
		"content":  text.String(),
		"usage": map[string]any{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
		},
		"raw": toRaw(msg),
	}, nil
}

// openAIMessages forwards the recorded messages, extracting text from
// structured contents. A span without messages is wrapped as a single user
// message carrying the stringified input.
func openAIMessages(input map[string]any) []openai.ChatCompletionMessage {
	msgs, ok := input["messages"].([]any)
	if !ok || len(msgs) == 0 {
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: stringify(input)}}
	}
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: contentText(msg["content"])})
	}
	if len(out) == 0 {
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: stringify(input)}}
	}
	return out
}

// anthropicMessages converts OpenAI-shaped messages, hoisting any system
// message into the top-level system string.
func anthropicMessages(input map[string]any) ([]sdk.MessageParam, string) {
	var system string
	msgs, _ := input["messages"].([]any)
	var out []sdk.MessageParam
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := contentText(msg["content"])
		switch role {
		case "system":
			system = text
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(text)))
		}
	}
	if len(out) == 0 {
		out = []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(stringify(input)))}
	}
	return out, system
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, item := range c {
			if im, ok := item.(map[string]any); ok {
				if text, ok := im["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// toRaw round-trips an SDK response through JSON so the stored raw payload is
// a plain map rather than an SDK struct.
func toRaw(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	return m
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// floatValue reads a numeric field. JSON numbers decode as float64 but
// callers may also set native ints.
func floatValue(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}
