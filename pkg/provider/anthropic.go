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

const anthropicVersion = "2023-06-01"

// Anthropic is a client for the Anthropic messages API.
type Anthropic struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// NewAnthropic creates an Anthropic client. A nil client uses
// http.DefaultClient.
func NewAnthropic(p config.ProviderConfig, client *http.Client) *Anthropic {
	if client == nil {
		client = http.DefaultClient
	}
	url := p.URL
	if url == "" {
		url = "https://api.anthropic.com"
	}
	return &Anthropic{name: p.Name, url: url, apiKey: p.APIKey, client: client}
}

func (a *Anthropic) Name() string { return a.name }

// Complete calls /v1/messages. System messages are lifted into the
// top-level system field.
func (a *Anthropic) Complete(ctx context.Context, req TextRequest, onDelta func(string)) (TextResponse, error) {
	body := models.AnthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: &req.Temperature,
		Stream:      onDelta != nil,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 1024
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	body.System = strings.Join(system, "\n\n")

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	resp, err := doPost(ctx, a.client, a.name, a.url, "/v1/messages", headers, body)
	if err != nil {
		return TextResponse{}, err
	}

	if onDelta != nil {
		return a.readStream(resp, req.Model, onDelta)
	}

	var out models.AnthropicResponse
	if err := decodeJSON(a.name, resp, &out); err != nil {
		return TextResponse{}, err
	}
	res := TextResponse{Model: out.Model, Provider: a.name}
	if res.Model == "" {
		res.Model = req.Model
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	res.Text = text.String()
	if out.Usage != nil {
		res.Usage = out.Usage.ToUsage()
	}
	return res, nil
}

func (a *Anthropic) readStream(resp *http.Response, model string, onDelta func(string)) (TextResponse, error) {
	defer resp.Body.Close()

	res := TextResponse{Model: model, Provider: a.name}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))
		var evt models.AnthropicStreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "message_start":
			var msg struct {
				Model string                 `json:"model"`
				Usage *models.AnthropicUsage `json:"usage,omitempty"`
			}
			if err := json.Unmarshal(evt.Message, &msg); err == nil {
				if msg.Model != "" {
					res.Model = msg.Model
				}
				if msg.Usage != nil {
					res.Usage = msg.Usage.ToUsage()
				}
			}
		case "content_block_delta":
			var d struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(evt.Delta, &d); err == nil && d.Text != "" {
				text.WriteString(d.Text)
				onDelta(d.Text)
			}
		case "message_delta":
			if evt.Usage != nil {
				if res.Usage == nil {
					res.Usage = &models.Usage{}
				}
				res.Usage.CompletionTokens = evt.Usage.OutputTokens
				res.Usage.TotalTokens = res.Usage.PromptTokens + evt.Usage.OutputTokens
			}
		case "error":
			msg, _ := errorDetail(data)
			return res, &Error{Provider: a.name, Kind: KindModelUnavailable, StatusCode: 529, Message: msg}
		}
	}

	res.Text = text.String()
	if err := scanner.Err(); err != nil {
		return res, transportError(a.name, err)
	}
	return res, nil
}
