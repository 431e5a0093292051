package llm

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	cases := []struct {
		name     string
		spanName string
		input    map[string]any
		want     string
	}{
		{"openai in span name", "openai.chat", nil, ProviderOpenAI},
		{"gpt in span name", "call-GPT", nil, ProviderOpenAI},
		{"chatgpt in span name", "ChatGPT step", nil, ProviderOpenAI},
		{"anthropic in span name", "anthropic.messages", nil, ProviderAnthropic},
		{"claude in span name", "Claude call", nil, ProviderAnthropic},
		{"gpt model prefix", "llm", map[string]any{"model": "gpt-4o-mini"}, ProviderOpenAI},
		{"o1 model prefix", "llm", map[string]any{"model": "o1-preview"}, ProviderOpenAI},
		{"o3 model prefix", "llm", map[string]any{"model": "o3-mini"}, ProviderOpenAI},
		{"claude model prefix", "llm", map[string]any{"model": "claude-sonnet-4-5"}, ProviderAnthropic},
		{
			"messages shape defaults to openai", "llm",
			map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}},
			ProviderOpenAI,
		},
		{"undetectable", "step", map[string]any{"foo": "bar"}, ""},
		{"nil input", "step", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectProvider(tc.input, tc.spanName))
		})
	}
}

func TestEstimateCostFloor(t *testing.T) {
	// Tiny prompts hit the 100-token floor: 100 in + 50 out.
	input := map[string]any{"prompt": "hi"}
	want := (100*2.50 + 50*10.00) / 1_000_000
	assert.InDelta(t, want, EstimateCost(input, ProviderOpenAI), 1e-9)

	want = (100*3.00 + 50*15.00) / 1_000_000
	assert.InDelta(t, want, EstimateCost(input, ProviderAnthropic), 1e-9)
}

func TestEstimateCostScalesWithText(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'a'
	}
	input := map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": string(long)},
	}}
	// 4000 chars -> 1000 input tokens, 500 output tokens.
	want := (1000*2.50 + 500*10.00) / 1_000_000
	assert.InDelta(t, want, EstimateCost(input, ProviderOpenAI), 1e-9)
}

func TestEstimateCostUnknownProviderAndNilInput(t *testing.T) {
	assert.Zero(t, EstimateCost(nil, ProviderOpenAI))
	// Unknown providers fall back to OpenAI rates.
	assert.Equal(t, EstimateCost(map[string]any{"prompt": "x"}, ProviderOpenAI),
		EstimateCost(map[string]any{"prompt": "x"}, "mystery"))
}

type stubChatClient struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	s.lastReq = req
	return s.resp, s.err
}

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func newStubExecutor(chat *stubChatClient, messages *stubMessagesClient) *Executor {
	return NewExecutor(ExecutorOptions{
		NewChat:     func(string) ChatClient { return chat },
		NewMessages: func(string) MessagesClient { return messages },
	})
}

func TestExecuteOpenAI(t *testing.T) {
	stub := &stubChatClient{resp: openai.ChatCompletionResponse{
		Model: "gpt-4o-2024-08-06",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "pong"}},
		},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	e := newStubExecutor(stub, nil)

	input := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "ping"},
		},
		"temperature": 0.2,
		"max_tokens":  64.0,
	}
	out, err := e.Execute(context.Background(), ProviderOpenAI, "sk-test", "", input)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", stub.lastReq.Model)
	require.Len(t, stub.lastReq.Messages, 2)
	assert.Equal(t, "system", stub.lastReq.Messages[0].Role)
	assert.Equal(t, "be terse", stub.lastReq.Messages[0].Content)
	assert.Equal(t, "user", stub.lastReq.Messages[1].Role)
	assert.InDelta(t, 0.2, float64(stub.lastReq.Temperature), 1e-6)
	assert.Equal(t, 64, stub.lastReq.MaxTokens)

	assert.Equal(t, ProviderOpenAI, out["provider"])
	assert.Equal(t, "gpt-4o-2024-08-06", out["model"])
	assert.Equal(t, "pong", out["content"])
	usage := out["usage"].(map[string]any)
	assert.Equal(t, 15, usage["total_tokens"])
}

func TestExecuteOpenAIModelOverride(t *testing.T) {
	stub := &stubChatClient{}
	e := newStubExecutor(stub, nil)

	_, err := e.Execute(context.Background(), ProviderOpenAI, "sk-test", "gpt-4o-mini",
		map[string]any{"model": "gpt-4o", "prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", stub.lastReq.Model)

	// Without an override or recorded model the default applies.
	_, err = e.Execute(context.Background(), ProviderOpenAI, "sk-test", "",
		map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, stub.lastReq.Model)
}

func TestExecuteAnthropic(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Model: "claude-sonnet-4-5-20250929",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "there"},
		},
		Usage: sdk.Usage{InputTokens: 9, OutputTokens: 4},
	}}
	e := newStubExecutor(nil, stub)

	input := map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hey"},
		},
	}
	out, err := e.Execute(context.Background(), ProviderAnthropic, "sk-ant", "", input)
	require.NoError(t, err)

	assert.Equal(t, sdk.Model(DefaultAnthropicModel), stub.lastParams.Model)
	assert.Equal(t, int64(4096), stub.lastParams.MaxTokens)
	// The system message is hoisted out of the conversation.
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be brief", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Messages, 2)
	assert.Equal(t, "user", string(stub.lastParams.Messages[0].Role))
	assert.Equal(t, "assistant", string(stub.lastParams.Messages[1].Role))

	assert.Equal(t, "hello there", out["content"])
	usage := out["usage"].(map[string]any)
	assert.Equal(t, int64(9), usage["input_tokens"])
	assert.Equal(t, int64(4), usage["output_tokens"])
}

func TestExecuteErrors(t *testing.T) {
	e := newStubExecutor(&stubChatClient{err: errors.New("boom")}, nil)
	_, err := e.Execute(context.Background(), ProviderOpenAI, "sk", "", map[string]any{"prompt": "x"})
	assert.ErrorContains(t, err, "boom")

	_, err = e.Execute(context.Background(), "cohere", "sk", "", nil)
	assert.ErrorContains(t, err, "unsupported provider")
}
