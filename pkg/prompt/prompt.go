// Package prompt turns a generation request into model prompts and turns
// model output back into labelled sections and HTML.
package prompt

import (
	"fmt"
	"strings"

	"github.com/pario-ai/copydesk/pkg/models"
)

// SystemMessage frames the copywriter role for every description request.
const SystemMessage = "You are an advanced marketing copywriter assistant specializing in compelling product descriptions. " +
	"Follow the user instructions precisely and format your response into labeled sections. " +
	"Ensure the Body section always has at least one substantial paragraph with engaging content. " +
	"Use persuasive language and focus on benefits rather than just features."

const instructions = "Write a compelling product description with these labeled sections:\n" +
	"Hook: (A short, attention-grabbing opening line)\n" +
	"Body: (At least one full paragraph describing benefits and features)\n" +
	"CTA: (A clear call-to-action)\n\n" +
	"Then provide a line labeled 'Suggested Hashtags and Keywords:' at the end. " +
	"Make sure each section is clearly marked."

// Messages builds the chat messages for a description request. req is
// expected to be sanitized already.
func Messages(req models.GenerationRequest) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: "system", Content: SystemMessage},
		{Role: "user", Content: UserPrompt(req)},
	}
}

// UserPrompt renders the product context followed by the section
// instructions.
func UserPrompt(req models.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product Name: %s\n", req.ProductName)

	optional := []struct{ label, value string }{
		{"Product Details", req.ProductDetails},
		{"Language", req.Language},
		{"Tone", req.Tone},
		{"SEO Keywords", req.Keywords},
		{"Target Audience", req.Audience},
		{"Platform", req.Platform},
		{"Unique Selling Points", req.USPs},
		{"CTA Style", req.CTAStyle},
	}
	for _, f := range optional {
		if f.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
		}
	}

	if req.Viral {
		b.WriteString("Include emotional triggers, social proof, and FOMO for a viral effect.")
	} else {
		b.WriteString("Avoid explicit FOMO or hype; keep it persuasive yet balanced.")
	}

	b.WriteString("\n\n")
	b.WriteString(instructions)
	if extra := strings.TrimSpace(req.ExtraInstructions); extra != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(extra)
	}
	return b.String()
}

// ImagePrompt is the image model prompt for a product.
func ImagePrompt(productName string) string {
	return fmt.Sprintf("Generate a realistic, high-quality image of the product: %s. Do not include any text, logos, or branding.", productName)
}
