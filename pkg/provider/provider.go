// Package provider talks to upstream model APIs: OpenAI-compatible and
// Anthropic chat endpoints for copy, and the OpenAI images endpoint for
// product pictures.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/models"
)

// TextRequest is a provider-neutral chat request.
type TextRequest struct {
	Model       string
	Messages    []models.ChatMessage
	MaxTokens   int
	Temperature float64
}

// TextResponse is the assembled completion.
type TextResponse struct {
	Text     string
	Model    string
	Provider string
	// Usage is nil when the provider did not report it.
	Usage *models.Usage
}

// TextProvider generates copy. When onDelta is non-nil the response is
// streamed and onDelta receives each text fragment in order.
type TextProvider interface {
	Name() string
	Complete(ctx context.Context, req TextRequest, onDelta func(string)) (TextResponse, error)
}

// ImageRequest asks for one product image.
type ImageRequest struct {
	Model   string
	Prompt  string
	Size    string
	Quality string
}

// ImageResponse holds the generated image location.
type ImageResponse struct {
	URL      string
	Provider string
}

// ImageProvider generates product images.
type ImageProvider interface {
	Name() string
	Generate(ctx context.Context, req ImageRequest) (ImageResponse, error)
}

// NewText builds the text client for a configured provider.
func NewText(p config.ProviderConfig, client *http.Client) TextProvider {
	if p.Type == "anthropic" {
		return NewAnthropic(p, client)
	}
	return NewOpenAI(p, client)
}

// doPost sends body to baseURL+path. On success the caller owns resp.Body.
// Non-2xx responses are drained and returned as a classified *Error.
func doPost(ctx context.Context, client *http.Client, provider, baseURL, path string, headers map[string]string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(provider, resp.StatusCode, respBody)
	}
	return resp, nil
}

func decodeJSON(provider string, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &Error{Provider: provider, Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}
