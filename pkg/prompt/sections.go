package prompt

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Section labels as the model writes them, optionally bolded or as a
// markdown heading.
var labelRe = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?\**[ \t]*(hook|body|cta|call[ -]to[ -]action|suggested hashtags and keywords)[ \t]*\**[ \t]*:[ \t]*\**`)

// ParseSections splits generated copy on its labels. Text before the first
// label is treated as body when no Body label exists.
func ParseSections(text string) models.Sections {
	var s models.Sections
	idx := labelRe.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		s.Body = strings.TrimSpace(text)
		return s
	}

	preamble := strings.TrimSpace(text[:idx[0][0]])
	for i, m := range idx {
		end := len(text)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		content := strings.TrimSpace(strings.Trim(strings.TrimSpace(text[m[1]:end]), "*"))
		switch label := strings.ToLower(text[m[2]:m[3]]); {
		case label == "hook":
			s.Hook = content
		case label == "body":
			s.Body = content
		case label == "cta" || strings.HasPrefix(label, "call"):
			s.CTA = content
		default:
			s.Hashtags = content
		}
	}
	if s.Body == "" {
		s.Body = preamble
	}
	return s
}

var md = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// RenderHTML converts model output, which is usually light markdown, to
// HTML. Raw HTML in the input is not passed through.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
