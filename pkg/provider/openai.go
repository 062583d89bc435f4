package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/models"
)

// OpenAI is a client for OpenAI-compatible chat and image endpoints.
type OpenAI struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// NewOpenAI creates an OpenAI client. A nil client uses http.DefaultClient.
func NewOpenAI(p config.ProviderConfig, client *http.Client) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	url := p.URL
	if url == "" {
		url = "https://api.openai.com"
	}
	return &OpenAI{name: p.Name, url: url, apiKey: p.APIKey, client: client}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// Complete calls /v1/chat/completions.
func (o *OpenAI) Complete(ctx context.Context, req TextRequest, onDelta func(string)) (TextResponse, error) {
	body := models.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: &req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if onDelta != nil {
		body.Stream = true
		body.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}

	resp, err := doPost(ctx, o.client, o.name, o.url, "/v1/chat/completions", o.headers(), body)
	if err != nil {
		return TextResponse{}, err
	}

	if onDelta != nil {
		return o.readStream(resp, req.Model, onDelta)
	}

	var out models.ChatCompletionResponse
	if err := decodeJSON(o.name, resp, &out); err != nil {
		return TextResponse{}, err
	}
	res := TextResponse{Model: out.Model, Provider: o.name, Usage: out.Usage}
	if len(out.Choices) > 0 {
		res.Text = out.Choices[0].Message.Content
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	return res, nil
}

// readStream consumes an SSE body, forwarding content deltas and keeping
// the usage chunk sent before [DONE].
func (o *OpenAI) readStream(resp *http.Response, model string, onDelta func(string)) (TextResponse, error) {
	defer resp.Body.Close()

	res := TextResponse{Model: model, Provider: o.name}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Usage != nil {
			res.Usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				text.WriteString(c.Delta.Content)
				onDelta(c.Delta.Content)
			}
		}
	}

	res.Text = text.String()
	if err := scanner.Err(); err != nil {
		return res, transportError(o.name, err)
	}
	return res, nil
}

// Generate calls /v1/images/generations and returns the first image URL.
func (o *OpenAI) Generate(ctx context.Context, req ImageRequest) (ImageResponse, error) {
	body := models.ImageGenerationRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		N:       1,
		Size:    req.Size,
		Quality: req.Quality,
	}
	resp, err := doPost(ctx, o.client, o.name, o.url, "/v1/images/generations", o.headers(), body)
	if err != nil {
		return ImageResponse{}, err
	}

	var out models.ImageGenerationResponse
	if err := decodeJSON(o.name, resp, &out); err != nil {
		return ImageResponse{}, err
	}
	if len(out.Data) == 0 {
		return ImageResponse{}, &Error{Provider: o.name, Kind: KindUnknown, Message: "no image returned"}
	}

	url := out.Data[0].URL
	if url == "" && out.Data[0].B64JSON != "" {
		url = "data:image/png;base64," + out.Data[0].B64JSON
	}
	if url == "" {
		return ImageResponse{}, &Error{Provider: o.name, Kind: KindUnknown, Message: "no image returned"}
	}
	return ImageResponse{URL: url, Provider: o.name}, nil
}
