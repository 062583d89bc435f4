package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/models"
)

func textRequest() TextRequest {
	return TextRequest{
		Model: "gpt-4o",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "You write copy."},
			{Role: "user", Content: "Product Name: Mug"},
		},
		MaxTokens:   600,
		Temperature: 0.7,
	}
}

func TestOpenAIComplete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req models.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.NotNil(t, req.MaxTokens)
		assert.Equal(t, 600, *req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","model":"gpt-4o-2024","choices":[{"index":0,"message":{"role":"assistant","content":"Hook: Sip."}}],"usage":{"prompt_tokens":30,"completion_tokens":5,"total_tokens":35}}`)
	}))
	defer upstream.Close()

	p := NewOpenAI(config.ProviderConfig{Name: "openai", URL: upstream.URL, APIKey: "sk-test"}, nil)
	res, err := p.Complete(context.Background(), textRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hook: Sip.", res.Text)
	assert.Equal(t, "gpt-4o-2024", res.Model)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 35, res.Usage.TotalTokens)
}

func TestOpenAIStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hook: \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Sip slowly.\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":40,\"completion_tokens\":4,\"total_tokens\":44}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	p := NewOpenAI(config.ProviderConfig{Name: "openai", URL: upstream.URL, APIKey: "sk-test"}, nil)
	var deltas []string
	res, err := p.Complete(context.Background(), textRequest(), func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hook: ", "Sip slowly."}, deltas)
	assert.Equal(t, "Hook: Sip slowly.", res.Text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 44, res.Usage.TotalTokens)
}

func TestOpenAIImage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var req models.ImageGenerationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dall-e-3", req.Model)
		assert.Equal(t, "1024x1024", req.Size)
		assert.Equal(t, 1, req.N)
		fmt.Fprint(w, `{"created":1,"data":[{"url":"https://img.example/mug.png"}]}`)
	}))
	defer upstream.Close()

	p := NewOpenAI(config.ProviderConfig{Name: "openai", URL: upstream.URL}, nil)
	res, err := p.Generate(context.Background(), ImageRequest{Model: "dall-e-3", Prompt: "mug", Size: "1024x1024", Quality: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/mug.png", res.URL)
}

func TestOpenAIImageEmpty(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"created":1,"data":[]}`)
	}))
	defer upstream.Close()

	p := NewOpenAI(config.ProviderConfig{Name: "openai", URL: upstream.URL}, nil)
	_, err := p.Generate(context.Background(), ImageRequest{Model: "dall-e-3", Prompt: "mug"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUnknown, pe.Kind)
}

func TestAnthropicComplete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req models.AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You write copy.", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		fmt.Fprint(w, `{"id":"m1","type":"message","role":"assistant","model":"claude-3-5-sonnet","content":[{"type":"text","text":"Hook: Warm hands."}],"usage":{"input_tokens":20,"output_tokens":6}}`)
	}))
	defer upstream.Close()

	p := NewAnthropic(config.ProviderConfig{Name: "claude", URL: upstream.URL, APIKey: "sk-ant"}, nil)
	req := textRequest()
	req.Model = "claude-3-5-sonnet"
	res, err := p.Complete(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hook: Warm hands.", res.Text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 26, res.Usage.TotalTokens)
}

func TestAnthropicStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"model":"claude-3-5-sonnet","usage":{"input_tokens":25,"output_tokens":1}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hook: "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Cozy."}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer upstream.Close()

	p := NewAnthropic(config.ProviderConfig{Name: "claude", URL: upstream.URL}, nil)
	var got strings.Builder
	res, err := p.Complete(context.Background(), textRequest(), func(d string) { got.WriteString(d) })
	require.NoError(t, err)
	assert.Equal(t, "Hook: Cozy.", got.String())
	assert.Equal(t, "Hook: Cozy.", res.Text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 25, res.Usage.PromptTokens)
	assert.Equal(t, 34, res.Usage.TotalTokens)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		kind      Kind
		retryable bool
	}{
		{401, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, KindAuthentication, false},
		{429, `{"error":{"message":"Rate limit reached","type":"requests"}}`, KindRateLimit, false},
		{429, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, KindQuotaExceeded, false},
		{400, `{"error":{"message":"bad","type":"invalid_request_error","code":"content_policy_violation"}}`, KindContentFilter, false},
		{400, `{"error":{"message":"max_tokens too large","type":"invalid_request_error"}}`, KindInvalidRequest, false},
		{404, `{"error":{"message":"The model does not exist"}}`, KindModelUnavailable, false},
		{503, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, KindModelUnavailable, true},
		{500, `oops`, KindUnknown, true},
		{504, ``, KindTimeout, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.kind), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer upstream.Close()

			p := NewOpenAI(config.ProviderConfig{Name: "up", URL: upstream.URL}, nil)
			_, err := p.Complete(context.Background(), textRequest(), nil)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.NotEmpty(t, pe.UserMessage())
		})
	}
}

func TestTransportErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	p := NewOpenAI(config.ProviderConfig{Name: "down", URL: url}, nil)
	_, err := p.Complete(context.Background(), textRequest(), nil)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindConnection, pe.Kind)
	assert.True(t, pe.Retryable())

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p = NewOpenAI(config.ProviderConfig{Name: "slow", URL: slow.URL}, nil)
	_, err = p.Complete(ctx, textRequest(), nil)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTimeout, pe.Kind)
}

func TestUserMessageFallback(t *testing.T) {
	assert.Equal(t, userMessages[KindUnknown], UserMessage(errors.New("boom")))
	assert.Equal(t, userMessages[KindRateLimit], UserMessage(fmt.Errorf("wrapped: %w", &Error{Kind: KindRateLimit})))
}

func TestNewTextPicksClient(t *testing.T) {
	_, ok := NewText(config.ProviderConfig{Type: "anthropic"}, nil).(*Anthropic)
	assert.True(t, ok)
	_, ok = NewText(config.ProviderConfig{}, nil).(*OpenAI)
	assert.True(t, ok)
}
