package models

import "time"

// GenerationKind distinguishes a full copy generation from an image-only one.
type GenerationKind string

const (
	KindDescription GenerationKind = "description"
	KindImage       GenerationKind = "image"
)

// GenerationRequest carries every user-facing generation parameter. Fields
// tagged `fingerprint:"-"` never influence the cache key.
type GenerationRequest struct {
	Kind              GenerationKind `json:"kind,omitempty"`
	ProductName       string         `json:"product_name"`
	ProductDetails    string         `json:"product_details,omitempty"`
	Language          string         `json:"language,omitempty"`
	Tone              string         `json:"tone,omitempty"`
	Keywords          string         `json:"keywords,omitempty"`
	Audience          string         `json:"audience,omitempty"`
	Platform          string         `json:"platform,omitempty"`
	USPs              string         `json:"usps,omitempty"`
	CTAStyle          string         `json:"cta_style,omitempty"`
	Viral             bool           `json:"viral,omitempty"`
	ExtraInstructions string         `json:"extra_instructions,omitempty"`
	GenerateImage     bool           `json:"generate_image,omitempty"`
	TextModel         string         `json:"text_model,omitempty"`
	ImageModel        string         `json:"image_model,omitempty"`
	ImageSize         string         `json:"image_size,omitempty"`
	ImageQuality      string         `json:"image_quality,omitempty"`

	SessionID string    `json:"session_id,omitempty" fingerprint:"-"`
	ClientID  string    `json:"-" fingerprint:"-"`
	RequestID string    `json:"-" fingerprint:"-"`
	Timestamp time.Time `json:"timestamp,omitempty" fingerprint:"-"`
}

// Sections is a generated description split into its labelled parts.
type Sections struct {
	Hook     string `json:"hook,omitempty"`
	Body     string `json:"body,omitempty"`
	CTA      string `json:"cta,omitempty"`
	Hashtags string `json:"hashtags,omitempty"`
}

// GenerationResult is what the service hands back to the front end.
type GenerationResult struct {
	RequestID   string    `json:"request_id"`
	Fingerprint string    `json:"fingerprint"`
	Text        string    `json:"text,omitempty"`
	HTML        string    `json:"html,omitempty"`
	Sections    Sections  `json:"sections"`
	ImageURL    string    `json:"image_url,omitempty"`
	ImageError  string    `json:"image_error,omitempty"`
	Cached      bool      `json:"cached"`
	Model       string    `json:"model,omitempty"`
	Usage       *Usage    `json:"usage,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Progress is a single streaming update emitted while generating.
type Progress struct {
	Stage   string `json:"data,omitempty"`
	Partial string `json:"partial,omitempty"`
	Percent int    `json:"percent"`

	ImageURL string `json:"image_url,omitempty"`
	Image    bool   `json:"-"`
	Error    bool   `json:"error,omitempty"`
}
