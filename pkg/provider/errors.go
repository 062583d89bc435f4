package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindConnection       Kind = "connection"
	KindRateLimit        Kind = "rate_limit"
	KindAuthentication   Kind = "authentication"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindInvalidRequest   Kind = "invalid_request"
	KindModelUnavailable Kind = "model_unavailable"
	KindContentFilter    Kind = "content_filter"
	KindTimeout          Kind = "timeout"
	KindUnknown          Kind = "unknown"
)

var userMessages = map[Kind]string{
	KindConnection:       "Could not connect to the AI service. Please check your internet connection.",
	KindRateLimit:        "API rate limit exceeded. Please try again in a few minutes.",
	KindAuthentication:   "Authentication error. Please check your API key.",
	KindQuotaExceeded:    "Your API quota has been exceeded. Please check your billing details.",
	KindInvalidRequest:   "Invalid request. Please check your inputs and try again.",
	KindModelUnavailable: "The requested AI model is currently unavailable.",
	KindContentFilter:    "Your request was flagged by content filters. Please modify your content and try again.",
	KindTimeout:          "The request timed out. Please try again with simpler inputs.",
	KindUnknown:          "An error occurred with the AI service. Please try again later.",
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is safe to show to end users.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// Retryable reports whether another provider might succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout:
		return true
	}
	return e.StatusCode >= 500
}

// UserMessage returns the display message for any error, falling back to
// the generic provider message.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.UserMessage()
	}
	return userMessages[KindUnknown]
}

// transportError classifies a failure that happened before a response.
func transportError(provider string, err error) *Error {
	kind := KindConnection
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// statusError classifies a non-2xx response from its status and body.
func statusError(provider string, status int, body []byte) *Error {
	msg, code := errorDetail(body)
	text := strings.ToLower(msg + " " + code)

	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
		if strings.Contains(text, "quota") || strings.Contains(text, "billing") {
			kind = KindQuotaExceeded
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusNotFound:
		kind = KindModelUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindInvalidRequest
		if strings.Contains(text, "content_filter") || strings.Contains(text, "content_policy") ||
			strings.Contains(text, "safety") {
			kind = KindContentFilter
		}
	case status == http.StatusServiceUnavailable || status == 529:
		kind = KindModelUnavailable
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: status, Message: msg}
}

// errorDetail pulls the message and code out of an OpenAI or Anthropic
// error envelope.
func errorDetail(body []byte) (message, code string) {
	var oe models.OpenAIErrorBody
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error.Message != "" {
		code = oe.Error.Type
		if len(oe.Error.Code) > 0 {
			var s string
			if json.Unmarshal(oe.Error.Code, &s) == nil && s != "" {
				code = s
			}
		}
		return oe.Error.Message, code
	}
	var ae models.AnthropicErrorBody
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		return ae.Error.Message, ae.Error.Type
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s, ""
}
