package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/copydesk/pkg/models"
	"github.com/pario-ai/copydesk/pkg/server"
)

func newGenerateCmd(load configLoader) *cobra.Command {
	var (
		req    models.GenerationRequest
		stream bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a product description once and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req.ClientID = "cli"
			var onProgress func(models.Progress)
			if stream {
				onProgress = streamPrinter()
			}

			result, err := a.svc.Generate(ctx, req, onProgress)
			if err != nil {
				return fmt.Errorf("generate: %s", server.ErrorMessage(err))
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			if stream && !result.Cached {
				fmt.Println()
				fmt.Println()
			}
			fmt.Print(formatResult(result, !stream || result.Cached))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ProductName, "product", "", "product name (required)")
	f.StringVar(&req.ProductDetails, "details", "", "product features and details")
	f.StringVar(&req.Language, "language", "", "output language")
	f.StringVar(&req.Tone, "tone", "", "tone of voice")
	f.StringVar(&req.Keywords, "keywords", "", "SEO keywords")
	f.StringVar(&req.Audience, "audience", "", "target audience")
	f.StringVar(&req.Platform, "platform", "", "sales platform")
	f.StringVar(&req.USPs, "usps", "", "unique selling points")
	f.StringVar(&req.CTAStyle, "cta-style", "", "call-to-action style")
	f.StringVar(&req.ExtraInstructions, "extra", "", "additional instructions")
	f.BoolVar(&req.Viral, "viral", false, "use viral marketing triggers")
	f.BoolVar(&req.GenerateImage, "image", false, "also generate a product image")
	f.StringVar(&req.TextModel, "model", "", "text model (defaults to generation.text_model)")
	f.BoolVar(&stream, "stream", false, "print text as it streams")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

// streamPrinter writes new text as it arrives and stage changes to stderr.
func streamPrinter() func(models.Progress) {
	var printed int
	var stage string
	return func(p models.Progress) {
		if p.Partial != "" && len(p.Partial) > printed {
			fmt.Print(p.Partial[printed:])
			printed = len(p.Partial)
			return
		}
		if p.Stage != "" && p.Stage != stage && printed == 0 {
			stage = p.Stage
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p.Percent, p.Stage)
		}
	}
}

func formatResult(r models.GenerationResult, withText bool) string {
	var b strings.Builder
	if withText {
		if r.Cached {
			b.WriteString("(from cache)\n\n")
		}
		b.WriteString(strings.TrimSpace(r.Text))
		b.WriteString("\n\n")
	}
	if r.ImageURL != "" {
		fmt.Fprintf(&b, "Image:       %s\n", r.ImageURL)
	}
	if r.ImageError != "" {
		fmt.Fprintf(&b, "Image error: %s\n", r.ImageError)
	}
	fmt.Fprintf(&b, "Model:       %s\n", r.Model)
	fmt.Fprintf(&b, "Fingerprint: %s\n", r.Fingerprint)
	if r.Usage != nil {
		fmt.Fprintf(&b, "Tokens:      %d prompt / %d completion / %d total\n",
			r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.TotalTokens)
	}
	return b.String()
}
