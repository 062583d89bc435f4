// Package generate runs a copy generation end to end: cache lookup, quota
// reservation, provider calls with fallback, and bookkeeping afterwards.
package generate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/fingerprint"
	"github.com/pario-ai/copydesk/pkg/history"
	"github.com/pario-ai/copydesk/pkg/metrics"
	"github.com/pario-ai/copydesk/pkg/models"
	"github.com/pario-ai/copydesk/pkg/prompt"
	"github.com/pario-ai/copydesk/pkg/provider"
	"github.com/pario-ai/copydesk/pkg/quota"
	"github.com/pario-ai/copydesk/pkg/router"
	"github.com/pario-ai/copydesk/pkg/tokens"
)

var (
	// ErrNotConfigured means no provider can serve the requested model.
	ErrNotConfigured = errors.New("no API provider configured")
	// ErrImagesDisabled is returned by RegenerateImage when image
	// generation is switched off.
	ErrImagesDisabled = errors.New("image generation is disabled")
)

// History statuses.
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusDenied = "denied"
)

// Service generates product copy and images.
type Service struct {
	cfg     *config.Config
	cache   *cache.Cache
	tracker *quota.Tracker
	tokens  *tokens.Estimator
	router  *router.Router
	history *history.Store
	metrics *metrics.Collector
	logger  *zap.Logger
	client  *http.Client
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache sets the request cache. The default is a disabled cache.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTracker sets the usage tracker. The default never denies.
func WithTracker(t *quota.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithHistory records every generation to h.
func WithHistory(h *history.Store) Option {
	return func(s *Service) { s.history = h }
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithEstimator sets the token estimator used for reservations.
func WithEstimator(e *tokens.Estimator) Option {
	return func(s *Service) { s.tokens = e }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		router: router.New(cfg),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = cache.Disabled()
	}
	if s.tracker == nil {
		s.tracker = quota.New(models.UsageLimits{}, quota.WithEnforcement(false))
	}
	if s.tokens == nil {
		s.tokens = tokens.NewEstimator(s.logger)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Generation.Timeout}
	}
	s.logger = s.logger.With(zap.String("component", "generate"))
	return s
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Cache returns the request cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Tracker returns the usage tracker.
func (s *Service) Tracker() *quota.Tracker { return s.tracker }

// History returns the history store, which may be nil.
func (s *Service) History() *history.Store { return s.history }

// progress serializes callbacks from the text and image goroutines.
type progress struct {
	mu sync.Mutex
	fn func(models.Progress)
}

func (p *progress) emit(u models.Progress) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn(u)
}

// Generate produces a description, and an image when requested and
// enabled. Cached parts are reused and consume no quota. onProgress may be
// nil; when set it receives streaming text and stage updates.
func (s *Service) Generate(ctx context.Context, req models.GenerationRequest, onProgress func(models.Progress)) (models.GenerationResult, error) {
	start := s.now()
	pr := &progress{fn: onProgress}

	req = s.prepare(req, models.KindDescription)
	if req.GenerateImage && !s.cfg.Generation.EnableImages {
		req.GenerateImage = false
	}
	if err := prompt.Validate(req); err != nil {
		return models.GenerationResult{}, err
	}

	textFP, err := fingerprint.Compute(textParams(req))
	if err != nil {
		return models.GenerationResult{}, err
	}
	result := models.GenerationResult{
		RequestID:   req.RequestID,
		Fingerprint: textFP,
		Model:       req.TextModel,
		CreatedAt:   start,
	}

	pr.emit(models.Progress{Stage: "Checking cache...", Percent: 5})
	textEntry, textHit := s.cache.Lookup(ctx, textFP)

	var imageFP string
	var imageHit bool
	if req.GenerateImage {
		imageFP, err = fingerprint.Compute(imageParams(req))
		if err != nil {
			return models.GenerationResult{}, err
		}
		var imageEntry models.CacheEntry
		if imageEntry, imageHit = s.cache.Lookup(ctx, imageFP); imageHit {
			result.ImageURL = imageEntry.ImageURL
		}
	}
	needImage := req.GenerateImage && !imageHit

	if textHit {
		result.Text = textEntry.Text
	}
	if textHit && !needImage {
		result.Cached = true
		s.finish(&result)
		pr.emit(models.Progress{Stage: "Loaded from cache", Percent: 100})
		s.record(ctx, req, result, StatusOK, nil, start)
		return result, nil
	}

	if !s.cfg.APIConfigured() {
		return models.GenerationResult{}, ErrNotConfigured
	}

	messages := prompt.Messages(req)
	var estimate int64
	if !textHit {
		estimate = tokens.Reservation(s.tokens.ForModel(req.TextModel), messages, s.cfg.Generation.MaxTokens)
	}
	res, err := s.tracker.CheckAndReserve(estimate, needImage)
	if err != nil {
		s.record(ctx, req, result, StatusDenied, err, start)
		return models.GenerationResult{}, err
	}

	var (
		text     provider.TextResponse
		imageURL string
		imageErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if !textHit {
		g.Go(func() error {
			pr.emit(models.Progress{Stage: "Generating description...", Percent: 10})
			var partial []byte
			onDelta := func(d string) {
				partial = append(partial, d...)
				pr.emit(models.Progress{Partial: string(partial), Percent: streamPercent(len(partial))})
			}
			if onProgress == nil {
				onDelta = nil
			}
			var err error
			text, err = s.complete(gctx, req, messages, onDelta)
			return err
		})
	}
	if needImage {
		g.Go(func() error {
			pr.emit(models.Progress{Stage: "Generating image...", Image: true, Percent: 10})
			imageURL, imageErr = s.image(gctx, req)
			if imageErr != nil {
				pr.emit(models.Progress{Stage: provider.UserMessage(imageErr), Image: true, Error: true})
				return nil
			}
			pr.emit(models.Progress{Stage: "Image ready", ImageURL: imageURL, Image: true, Percent: 100})
			return nil
		})
	}
	textErr := g.Wait()

	if imageURL != "" {
		s.cache.Store(ctx, imageFP, "", imageURL, 0)
		s.metrics.RecordImage()
		result.ImageURL = imageURL
	} else if imageErr != nil {
		result.ImageError = provider.UserMessage(imageErr)
	}

	if textErr != nil {
		if imageURL != "" {
			s.tracker.RecordActual(res, 0)
		} else {
			s.tracker.Release(res)
		}
		s.record(ctx, req, result, StatusError, textErr, start)
		return models.GenerationResult{}, textErr
	}

	var actual int64
	if !textHit {
		result.Text = text.Text
		result.Model = text.Model
		result.Usage = text.Usage
		s.cache.Store(ctx, textFP, text.Text, "", 0)
		actual = s.actualTokens(req.TextModel, messages, text)
		if text.Usage != nil {
			s.metrics.RecordTokens(text.Model, text.Usage.PromptTokens, text.Usage.CompletionTokens)
		}
	}
	if needImage && imageURL == "" && actual == 0 {
		// nothing reached a provider successfully
		s.tracker.Release(res)
	} else {
		s.tracker.RecordActual(res, actual)
	}

	s.finish(&result)
	pr.emit(models.Progress{Stage: "Complete", Percent: 100})
	s.record(ctx, req, result, StatusOK, nil, start)
	return result, nil
}

// RegenerateImage produces a fresh image for the product, replacing any
// cached one.
func (s *Service) RegenerateImage(ctx context.Context, req models.GenerationRequest) (models.GenerationResult, error) {
	start := s.now()
	if !s.cfg.Generation.EnableImages {
		return models.GenerationResult{}, ErrImagesDisabled
	}

	req = s.prepare(req, models.KindImage)
	req.GenerateImage = true
	if err := prompt.Validate(req); err != nil {
		return models.GenerationResult{}, err
	}
	fp, err := fingerprint.Compute(imageParams(req))
	if err != nil {
		return models.GenerationResult{}, err
	}
	result := models.GenerationResult{
		RequestID:   req.RequestID,
		Fingerprint: fp,
		Model:       req.ImageModel,
		CreatedAt:   start,
	}
	if !s.cfg.APIConfigured() {
		return models.GenerationResult{}, ErrNotConfigured
	}

	res, err := s.tracker.CheckAndReserve(0, true)
	if err != nil {
		s.record(ctx, req, result, StatusDenied, err, start)
		return models.GenerationResult{}, err
	}

	url, err := s.image(ctx, req)
	if err != nil {
		s.tracker.Release(res)
		s.record(ctx, req, result, StatusError, err, start)
		return models.GenerationResult{}, err
	}
	s.tracker.RecordActual(res, 0)
	s.cache.Store(ctx, fp, "", url, 0)
	s.metrics.RecordImage()

	result.ImageURL = url
	s.record(ctx, req, result, StatusOK, nil, start)
	return result, nil
}

// prepare sanitizes free text and fills model defaults.
func (s *Service) prepare(req models.GenerationRequest, kind models.GenerationKind) models.GenerationRequest {
	req = prompt.SanitizeRequest(req)
	req.Kind = kind
	g := s.cfg.Generation
	if req.TextModel == "" {
		req.TextModel = g.TextModel
	}
	if req.ImageModel == "" {
		req.ImageModel = g.ImageModel
	}
	if req.ImageSize == "" {
		req.ImageSize = g.ImageSize
	}
	if req.ImageQuality == "" {
		req.ImageQuality = g.ImageQuality
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req
}

// textParams keeps the fields that shape the description. Image settings
// are cached under their own fingerprint.
func textParams(req models.GenerationRequest) models.GenerationRequest {
	req.Kind = models.KindDescription
	req.GenerateImage = false
	req.ImageModel = ""
	req.ImageSize = ""
	req.ImageQuality = ""
	return req
}

func imageParams(req models.GenerationRequest) models.GenerationRequest {
	return models.GenerationRequest{
		Kind:         models.KindImage,
		ProductName:  req.ProductName,
		ImageModel:   req.ImageModel,
		ImageSize:    req.ImageSize,
		ImageQuality: req.ImageQuality,
	}
}

// complete tries each route in order. A retryable failure moves on to the
// next route unless text has already been streamed to the caller.
func (s *Service) complete(ctx context.Context, req models.GenerationRequest, messages []models.ChatMessage, onDelta func(string)) (provider.TextResponse, error) {
	routes, err := s.router.Resolve(req.TextModel)
	if err != nil {
		return provider.TextResponse{}, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	streamed := false
	var delta func(string)
	if onDelta != nil {
		delta = func(d string) {
			streamed = true
			onDelta(d)
		}
	}

	var lastErr error
	for _, route := range routes {
		p := provider.NewText(route.Provider, s.client)
		callStart := s.now()
		resp, err := p.Complete(ctx, provider.TextRequest{
			Model:       route.Model,
			Messages:    messages,
			MaxTokens:   s.cfg.Generation.MaxTokens,
			Temperature: s.cfg.Generation.Temperature,
		}, delta)
		s.metrics.RecordProviderCall(p.Name(), route.Model, callStatus(err), s.now().Sub(callStart))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perr *provider.Error
		if streamed || !errors.As(err, &perr) || !perr.Retryable() {
			return provider.TextResponse{}, err
		}
		s.logger.Warn("upstream failed, trying next",
			zap.String("provider", p.Name()),
			zap.String("model", route.Model),
			zap.Error(err),
		)
	}
	return provider.TextResponse{}, lastErr
}

func (s *Service) image(ctx context.Context, req models.GenerationRequest) (string, error) {
	routes, err := s.router.ResolveImage(req.ImageModel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	var lastErr error
	for _, route := range routes {
		p := provider.NewOpenAI(route.Provider, s.client)
		callStart := s.now()
		resp, err := p.Generate(ctx, provider.ImageRequest{
			Model:   route.Model,
			Prompt:  prompt.ImagePrompt(req.ProductName),
			Size:    req.ImageSize,
			Quality: req.ImageQuality,
		})
		s.metrics.RecordProviderCall(p.Name(), route.Model, callStatus(err), s.now().Sub(callStart))
		if err == nil {
			return resp.URL, nil
		}
		lastErr = err

		var perr *provider.Error
		if !errors.As(err, &perr) || !perr.Retryable() {
			return "", err
		}
		s.logger.Warn("image upstream failed, trying next",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
	return "", lastErr
}

// actualTokens prefers provider-reported usage and falls back to counting
// the prompt and completion locally.
func (s *Service) actualTokens(model string, messages []models.ChatMessage, resp provider.TextResponse) int64 {
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return int64(resp.Usage.TotalTokens)
	}
	counter := s.tokens.ForModel(model)
	completion := counter.CountMessages([]models.ChatMessage{{Role: "assistant", Content: resp.Text}})
	return int64(counter.CountMessages(messages) + completion)
}

func (s *Service) finish(result *models.GenerationResult) {
	if result.Text == "" {
		return
	}
	result.Sections = prompt.ParseSections(result.Text)
	html, err := prompt.RenderHTML(result.Text)
	if err != nil {
		s.logger.Warn("render html", zap.Error(err))
		return
	}
	result.HTML = html
}

func (s *Service) record(ctx context.Context, req models.GenerationRequest, result models.GenerationResult, status string, err error, start time.Time) {
	if s.history == nil || !s.cfg.History.Enabled {
		return
	}
	entry := models.HistoryEntry{
		RequestID:   req.RequestID,
		Fingerprint: result.Fingerprint,
		Kind:        string(req.Kind),
		ProductName: req.ProductName,
		Model:       result.Model,
		Cached:      result.Cached,
		Image:       result.ImageURL != "",
		Status:      status,
		LatencyMs:   s.now().Sub(start).Milliseconds(),
		CreatedAt:   start.UTC(),
	}
	if result.Usage != nil {
		entry.Tokens = result.Usage.TotalTokens
	}
	if err != nil {
		entry.Error = errorKind(err)
	}
	if err := s.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("history record", zap.Error(err))
	}
}

func errorKind(err error) string {
	var perr *provider.Error
	var lerr *quota.LimitExceededError
	switch {
	case errors.As(err, &lerr):
		return lerr.Limit
	case errors.As(err, &perr):
		return string(perr.Kind)
	default:
		return err.Error()
	}
}

func callStatus(err error) string {
	var perr *provider.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &perr):
		return string(perr.Kind)
	default:
		return "error"
	}
}

// streamPercent maps streamed bytes onto 10..90 for progress bars.
func streamPercent(n int) int {
	return min(10+n/20, 90)
}
