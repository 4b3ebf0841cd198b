// Package messaging abstracts the platforms RelayPipe reads from and writes to.
//
// A Source resolves feeds, returns their recent posts and pushes new ones to a
// Handler. A Sink posts text and media to a destination and deletes its own
// messages. Adapters translate structured platform errors into the sentinels
// below so callers can classify failures with errors.Is.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Sentinel errors shared by every adapter.
var (
	ErrWriteForbidden  = errors.New("write forbidden in destination")
	ErrBannedInChannel = errors.New("account banned in destination")
	ErrChannelPrivate  = errors.New("destination is private or inaccessible")
	ErrFloodWait       = errors.New("rate limited by platform")
	ErrMessageTooLong  = errors.New("message too long")
	ErrSessionOffline  = errors.New("destination session is not connected or logged in")
)

// Handler receives one live post from a subscribed feed.
type Handler func(ctx context.Context, msg models.Message)

// Source is the read side of a platform.
type Source interface {
	// ResolveEntity looks up a feed by handle ("@name", "name" or numeric id).
	ResolveEntity(ctx context.Context, handle string) (models.Entity, error)

	// FetchRecent returns up to limit of the feed's most recent posts, in any order.
	FetchRecent(ctx context.Context, e models.Entity, limit int) ([]models.Message, error)

	// Subscribe registers fn for live posts from the given feeds.
	Subscribe(ctx context.Context, handles []string, fn Handler) error
}

// Sink is the write side of a platform.
type Sink interface {
	// SendMedia posts media with caption and returns the new message id.
	SendMedia(ctx context.Context, dest string, media *models.Media, caption string) (string, error)

	// SendText posts text and returns the new message id.
	SendText(ctx context.Context, dest string, text string) (string, error)

	// DeleteMessage removes a message previously posted by this sink.
	DeleteMessage(ctx context.Context, dest string, id string) error
}

// Service is a platform that can be both read from and written to.
type Service interface {
	Source
	Sink

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// MediaFetcher returns the raw bytes of a source media file. Sinks on another
// platform use it to re-upload media they cannot reference by id.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, media *models.Media) ([]byte, error)
}
