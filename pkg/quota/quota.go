// Package quota enforces daily request, token and image limits. Admission
// is a single check-and-reserve step so concurrent callers can never
// overshoot a limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/metrics"
	"github.com/pario-ai/copydesk/pkg/models"
)

// ErrLimitExceeded is matched by every LimitExceededError.
var ErrLimitExceeded = errors.New("usage limit exceeded")

// Limit names reported in LimitExceededError.
const (
	LimitRequests = "requests"
	LimitTokens   = "tokens"
	LimitImages   = "images"
)

// LimitExceededError reports which limit denied a request.
type LimitExceededError struct {
	Limit string
	Used  int64
	Max   int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily %s limit reached (%d/%d)", e.Limit, e.Used, e.Max)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// Window selects how the usage day is delimited.
type Window int

const (
	// Calendar resets at midnight in the tracker's location.
	Calendar Window = iota
	// Rolling resets once 24 hours have passed since the window opened.
	Rolling
)

// ParseWindow maps a config value to a Window.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "", "calendar":
		return Calendar, nil
	case "rolling":
		return Rolling, nil
	}
	return Calendar, fmt.Errorf("unknown quota window %q", s)
}

// Reservation is the handle returned by a successful CheckAndReserve. It
// is settled exactly once by RecordActual or Release; later calls are
// ignored, as are calls after the window it was taken in has rolled over.
type Reservation struct {
	ID              uint64
	EstimatedTokens int64
	Image           bool
}

// Store persists the active counter record.
type Store interface {
	Latest(ctx context.Context) (models.UsageCounters, bool, error)
	Save(ctx context.Context, c models.UsageCounters) error
	Close() error
}

// Tracker is the usage tracker. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	limits   models.UsageLimits
	enforce  bool
	window   Window
	loc      *time.Location
	now      func() time.Time
	store    Store
	logger   *zap.Logger
	metrics  *metrics.Collector
	counters models.UsageCounters
	open     map[uint64]Reservation
	nextID   uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithWindow selects calendar or rolling days.
func WithWindow(w Window) Option {
	return func(t *Tracker) { t.window = w }
}

// WithLocation sets the timezone for calendar days.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

// WithStore persists counters after each mutation and restores them at
// construction.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithEnforcement toggles denial. A tracker that does not enforce still
// counts usage.
func WithEnforcement(enforce bool) Option {
	return func(t *Tracker) { t.enforce = enforce }
}

// New creates a Tracker with the given limits. A zero limit is unlimited.
func New(limits models.UsageLimits, opts ...Option) *Tracker {
	t := &Tracker{
		limits:  limits,
		enforce: true,
		loc:     time.UTC,
		now:     time.Now,
		logger:  zap.NewNop(),
		open:    make(map[uint64]Reservation),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "quota"))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.restore()
	t.rollover(t.now())
	return t
}

// CheckAndReserve admits one request that expects to spend estimatedTokens
// and, when isImage is set, one image. On success every relevant counter is
// incremented; on denial nothing changes.
func (t *Tracker) CheckAndReserve(estimatedTokens int64, isImage bool) (Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(t.now())

	if err := t.check(estimatedTokens, isImage); err != nil {
		t.metrics.RecordQuotaDecision(false, err.Limit)
		t.logger.Info("request denied",
			zap.String("limit", err.Limit),
			zap.Int64("used", err.Used),
			zap.Int64("max", err.Max),
		)
		return Reservation{}, err
	}

	t.counters.Requests++
	t.counters.Tokens += estimatedTokens
	if isImage {
		t.counters.Images++
	}

	t.nextID++
	res := Reservation{ID: t.nextID, EstimatedTokens: estimatedTokens, Image: isImage}
	t.open[res.ID] = res

	t.metrics.RecordQuotaDecision(true, "")
	t.changed()
	return res, nil
}

func (t *Tracker) check(estimatedTokens int64, isImage bool) *LimitExceededError {
	if !t.enforce {
		return nil
	}
	c, l := t.counters, t.limits
	if l.MaxRequestsPerDay > 0 && c.Requests+1 > l.MaxRequestsPerDay {
		return &LimitExceededError{Limit: LimitRequests, Used: c.Requests, Max: l.MaxRequestsPerDay}
	}
	if l.MaxTokensPerDay > 0 && c.Tokens+estimatedTokens > l.MaxTokensPerDay {
		return &LimitExceededError{Limit: LimitTokens, Used: c.Tokens, Max: l.MaxTokensPerDay}
	}
	if isImage && l.MaxImagesPerDay > 0 && c.Images+1 > l.MaxImagesPerDay {
		return &LimitExceededError{Limit: LimitImages, Used: c.Images, Max: l.MaxImagesPerDay}
	}
	return nil
}

// RecordActual replaces the reservation's token estimate with the amount
// the provider reported. The token counter never goes below zero.
func (t *Tracker) RecordActual(res Reservation, actualTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(t.now())

	if _, ok := t.open[res.ID]; !ok {
		return
	}
	delete(t.open, res.ID)

	t.counters.Tokens += actualTokens - res.EstimatedTokens
	if t.counters.Tokens < 0 {
		t.counters.Tokens = 0
	}
	t.changed()
}

// Release gives back the reservation's tokens and image slot after a failed
// provider call. The request itself stays counted.
func (t *Tracker) Release(res Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(t.now())

	if _, ok := t.open[res.ID]; !ok {
		return
	}
	delete(t.open, res.ID)

	t.counters.Tokens = max(t.counters.Tokens-res.EstimatedTokens, 0)
	if res.Image {
		t.counters.Images = max(t.counters.Images-1, 0)
	}
	t.changed()
}

// Snapshot returns the active counters against the limits.
func (t *Tracker) Snapshot() models.UsageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(t.now())

	s := models.UsageStatus{
		Counters:  t.counters,
		Limits:    t.limits,
		Enforced:  t.enforce,
		WindowEnd: t.windowEnd(),
	}
	s.Remaining.Requests = remaining(t.limits.MaxRequestsPerDay, t.counters.Requests)
	s.Remaining.Tokens = remaining(t.limits.MaxTokensPerDay, t.counters.Tokens)
	s.Remaining.Images = remaining(t.limits.MaxImagesPerDay, t.counters.Images)
	return s
}

// Reset zeroes the active window's counters and drops open reservations.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.counters = models.UsageCounters{WindowStart: t.windowStart(now)}
	t.counters.Day = t.counters.WindowStart.In(t.loc).Format(time.DateOnly)
	clear(t.open)
	t.changed()
}

// Limits returns the configured limits.
func (t *Tracker) Limits() models.UsageLimits { return t.limits }

// remaining returns -1 for unlimited.
func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	return max(limit-used, 0)
}

// rollover starts a fresh window when now is outside the active one.
// Callers hold t.mu.
func (t *Tracker) rollover(now time.Time) {
	if t.current(now) {
		return
	}
	prev := t.counters
	t.counters = models.UsageCounters{WindowStart: t.windowStart(now)}
	t.counters.Day = t.counters.WindowStart.In(t.loc).Format(time.DateOnly)
	clear(t.open)

	if !prev.WindowStart.IsZero() {
		t.logger.Info("usage window rolled over",
			zap.String("previous_day", prev.Day),
			zap.Int64("requests", prev.Requests),
			zap.Int64("tokens", prev.Tokens),
			zap.Int64("images", prev.Images),
		)
	}
	t.changed()
}

func (t *Tracker) current(now time.Time) bool {
	if t.counters.WindowStart.IsZero() {
		return false
	}
	switch t.window {
	case Rolling:
		d := now.Sub(t.counters.WindowStart)
		return d >= 0 && d < 24*time.Hour
	default:
		return now.In(t.loc).Format(time.DateOnly) == t.counters.Day
	}
}

func (t *Tracker) windowStart(now time.Time) time.Time {
	if t.window == Rolling {
		return now
	}
	local := now.In(t.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
}

func (t *Tracker) windowEnd() time.Time {
	if t.window == Rolling {
		return t.counters.WindowStart.Add(24 * time.Hour)
	}
	return t.counters.WindowStart.AddDate(0, 0, 1)
}

func (t *Tracker) restore() {
	if t.store == nil {
		return
	}
	c, ok, err := t.store.Latest(context.Background())
	if err != nil {
		t.logger.Warn("restore usage counters", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	t.counters = c
	if t.window == Calendar {
		t.counters.WindowStart = c.WindowStart.In(t.loc)
	}
}

// changed publishes and persists the counters. Callers hold t.mu.
func (t *Tracker) changed() {
	t.metrics.SetQuotaUsage(t.counters.Requests, t.counters.Tokens, t.counters.Images)
	if t.store == nil {
		return
	}
	if err := t.store.Save(context.Background(), t.counters); err != nil {
		t.logger.Warn("persist usage counters", zap.Error(err))
	}
}
