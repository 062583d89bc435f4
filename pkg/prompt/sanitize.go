package prompt

import (
	"regexp"
	"strings"

	"github.com/pario-ai/copydesk/pkg/models"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```.*?```")
	roleRe      = regexp.MustCompile(`(?i)(system:|user:|assistant:)`)
	overrideRe  = regexp.MustCompile(`(?i)ignore previous instructions`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Sanitize strips content that could steer the model away from the copy
// instructions: fenced code blocks, role prefixes and override phrases.
// Runs of whitespace collapse to a single space.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	s = codeBlockRe.ReplaceAllString(s, "")
	s = roleRe.ReplaceAllString(s, "")
	s = overrideRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SanitizeRequest returns a copy of req with every free-text field sanitized.
func SanitizeRequest(req models.GenerationRequest) models.GenerationRequest {
	for _, f := range []*string{
		&req.ProductName,
		&req.ProductDetails,
		&req.Language,
		&req.Tone,
		&req.Keywords,
		&req.Audience,
		&req.Platform,
		&req.USPs,
		&req.CTAStyle,
		&req.ExtraInstructions,
	} {
		*f = Sanitize(*f)
	}
	return req
}
