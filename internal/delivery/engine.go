// Package delivery sends transformed posts to the destination feed and
// classifies failures into actionable categories.
package delivery

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"golang.org/x/time/rate"
)

// Constants for delivery configuration
const (
	// DefaultCaptionLimit is the platform cap on media captions, in characters
	DefaultCaptionLimit = 1024
	// DefaultSendInterval is the minimum spacing between outbound platform calls
	DefaultSendInterval = 500 * time.Millisecond
)

// Status says what Deliver did.
type Status int

const (
	StatusSent Status = iota
	// StatusSkipped means there was nothing to send (no sendable media and empty text).
	StatusSkipped
)

// Result describes a completed delivery.
type Result struct {
	Status     Status
	MessageIDs []string // destination ids, in send order
	Split      bool     // text was sent separately after the media
}

// Opts holds configuration options for the Engine.
type Opts struct {
	SendInterval time.Duration // <= 0 disables pacing
	CaptionLimit int
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithSendInterval sets the minimum spacing between outbound calls.
func WithSendInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.SendInterval = d
	}
}

// WithCaptionLimit overrides DefaultCaptionLimit.
func WithCaptionLimit(n int) Option {
	return func(o *Opts) {
		o.CaptionLimit = n
	}
}

// Engine delivers posts to a sink, pacing calls with a token bucket.
type Engine struct {
	sink         messaging.Sink
	limiter      *rate.Limiter
	captionLimit int
}

// NewEngine creates an Engine over sink.
func NewEngine(sink messaging.Sink, opts ...Option) *Engine {
	cfg := Opts{SendInterval: DefaultSendInterval, CaptionLimit: DefaultCaptionLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CaptionLimit <= 0 {
		cfg.CaptionLimit = DefaultCaptionLimit
	}
	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}
	slog.Debug("delivery.NewEngine: created", "sendInterval", cfg.SendInterval, "captionLimit", cfg.CaptionLimit)
	return &Engine{sink: sink, limiter: rate.NewLimiter(limit, 1), captionLimit: cfg.CaptionLimit}
}

// SplitCaption cuts text after limit characters. rest is trimmed.
func SplitCaption(text string, limit int) (caption, rest string) {
	if utf8.RuneCountInString(text) <= limit {
		return text, ""
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i], strings.TrimSpace(text[i:])
		}
		n++
	}
	return text, ""
}

// Deliver sends text (and msg's media, if any) to dest.
//
// Sendable media goes out with text as its caption; overflow past the caption
// limit follows as a separate text. Media that takes no caption is followed by
// the whole text. Link previews and media-less posts are sent
// as text, and skipped when text is empty. Failures are *Error values.
func (e *Engine) Deliver(ctx context.Context, dest string, msg models.Message, text string) (Result, error) {
	if !msg.HasSendableMedia() {
		if text == "" {
			slog.Debug("Engine.Deliver: nothing to send", "messageID", msg.ID)
			return Result{Status: StatusSkipped}, nil
		}
		id, err := e.call(ctx, "text", func() (string, error) { return e.sink.SendText(ctx, dest, text) })
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusSent, MessageIDs: []string{id}}, nil
	}

	if err := msg.Media.Validate(); err != nil {
		return Result{}, &Error{Category: CategoryUnknown, Op: "media", Err: err}
	}

	caption, rest := SplitCaption(text, e.captionLimit)
	if !msg.Media.TakesCaption() {
		caption, rest = "", strings.TrimSpace(text)
	}
	id, err := e.call(ctx, "media", func() (string, error) { return e.sink.SendMedia(ctx, dest, msg.Media, caption) })
	if err != nil {
		return Result{}, err
	}
	res := Result{Status: StatusSent, MessageIDs: []string{id}}
	if rest == "" {
		return res, nil
	}

	res.Split = true
	restID, err := e.call(ctx, "remainder", func() (string, error) { return e.sink.SendText(ctx, dest, rest) })
	if err != nil {
		return res, err
	}
	res.MessageIDs = append(res.MessageIDs, restID)
	return res, nil
}

func (e *Engine) call(ctx context.Context, op string, send func() (string, error)) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", &Error{Category: CategoryUnknown, Op: op, Err: err}
	}
	id, err := send()
	if err != nil {
		return "", &Error{Category: Classify(err), Op: op, Err: err}
	}
	return id, nil
}
