// Package tokens estimates prompt sizes so the usage tracker can reserve
// tokens before a provider call.
package tokens

import (
	"context"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Counter counts tokens in a chat prompt.
type Counter interface {
	CountMessages(messages []models.ChatMessage) int
}

var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// encodingFor picks the tiktoken encoding for model, matching by prefix and
// falling back to cl100k_base.
func encodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	best := ""
	for prefix := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return modelEncodings[best]
	}
	return "cl100k_base"
}

// Estimator counts with tiktoken once the encoding has loaded and falls back
// to a character heuristic until then, or for good if loading fails. Loads
// run in the background so a slow BPE download never holds up a request.
// It is safe for concurrent use.
type Estimator struct {
	logger      *zap.Logger
	getEncoding func(name string) (*tiktoken.Tiktoken, error)

	mu   sync.Mutex
	encs map[string]*encoding
}

type encoding struct {
	once sync.Once
	done chan struct{}
	enc  *tiktoken.Tiktoken
	err  error
}

// NewEstimator creates an Estimator.
func NewEstimator(logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		logger:      logger.With(zap.String("component", "tokens")),
		getEncoding: tiktoken.GetEncoding,
		encs:        make(map[string]*encoding),
	}
}

// Preload starts loading the encodings for models and waits until they are
// ready or ctx is done. Failures are logged and leave the heuristic in place.
func (e *Estimator) Preload(ctx context.Context, modelNames ...string) error {
	for _, m := range modelNames {
		enc := e.start(encodingFor(m))
		select {
		case <-enc.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ForModel returns a Counter bound to model's encoding.
func (e *Estimator) ForModel(model string) Counter {
	return modelCounter{e: e, name: encodingFor(model)}
}

// start kicks off the load of name once and returns its slot.
func (e *Estimator) start(name string) *encoding {
	e.mu.Lock()
	enc, ok := e.encs[name]
	if !ok {
		enc = &encoding{done: make(chan struct{})}
		e.encs[name] = enc
	}
	e.mu.Unlock()

	// GetEncoding may download the BPE ranks on first use.
	enc.once.Do(func() {
		go func() {
			defer close(enc.done)
			enc.enc, enc.err = e.getEncoding(name)
			if enc.err != nil {
				e.logger.Warn("tiktoken unavailable, using heuristic estimate",
					zap.String("encoding", name), zap.Error(enc.err))
				return
			}
			e.logger.Debug("tiktoken encoding loaded", zap.String("encoding", name))
		}()
	})
	return enc
}

// load returns the encoding if it is ready, or nil while it is still loading.
func (e *Estimator) load(name string) *tiktoken.Tiktoken {
	enc := e.start(name)
	select {
	case <-enc.done:
		return enc.enc
	default:
		return nil
	}
}

type modelCounter struct {
	e    *Estimator
	name string
}

func (c modelCounter) CountMessages(messages []models.ChatMessage) int {
	enc := c.e.load(c.name)
	if enc == nil {
		return Heuristic{}.CountMessages(messages)
	}
	total := 0
	for _, m := range messages {
		total += 4
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(m.Role, nil, nil))
	}
	return total + 3
}

// Heuristic estimates about four characters per token for Latin text and
// one and a half for CJK.
type Heuristic struct{}

// CountText estimates tokens in text.
func (Heuristic) CountText(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func (h Heuristic) CountMessages(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += h.CountText(m.Content) + 4
	}
	return total + 3
}

// Reservation is the number of tokens to reserve for a request: the prompt
// plus the full completion budget.
func Reservation(c Counter, messages []models.ChatMessage, maxCompletion int) int64 {
	return int64(c.CountMessages(messages) + maxCompletion)
}
