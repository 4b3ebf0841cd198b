// Package models defines the core data structures for RelayPipe.
//
// It includes types for resolved feeds, observed source messages and their media,
// which are shared across the identity, relay, delivery and messaging modules.
package models

import (
	"errors"
	"time"
)

// MediaKind describes the kind of media attached to a source message.
type MediaKind string

const (
	MediaKindPhoto     MediaKind = "photo"
	MediaKindVideo     MediaKind = "video"
	MediaKindAnimation MediaKind = "animation"
	MediaKindAudio     MediaKind = "audio"
	MediaKindVoice     MediaKind = "voice"
	MediaKindDocument  MediaKind = "document"
	MediaKindSticker   MediaKind = "sticker"
	MediaKindVideoNote MediaKind = "video_note"
	// MediaKindWebPage is a link preview. It cannot be re-sent as a file.
	MediaKindWebPage MediaKind = "webpage"
)

// Error variables for better error handling and testability
var (
	ErrEmptyHandle       = errors.New("feed handle cannot be empty")
	ErrUnknownMediaKind  = errors.New("unknown media kind")
	ErrMediaNotReferable = errors.New("media has no file reference")
)

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaKindPhoto, MediaKindVideo, MediaKindAnimation, MediaKindAudio,
		MediaKindVoice, MediaKindDocument, MediaKindSticker, MediaKindVideoNote, MediaKindWebPage:
		return true
	default:
		return false
	}
}

// Entity is a resolved feed (source or destination channel).
type Entity struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"` // without leading "@"
	Title    string `json:"title,omitempty"`
}

// Media references a file attached to a source message.
type Media struct {
	Kind            MediaKind `json:"kind"`
	FileID          string    `json:"file_id,omitempty"`
	MimeType        string    `json:"mime_type,omitempty"`
	FileName        string    `json:"file_name,omitempty"`
	SourceChatID    int64     `json:"source_chat_id,omitempty"`
	SourceMessageID int64     `json:"source_message_id,omitempty"`
}

// IsPreview reports whether the media is only a link preview.
func (m *Media) IsPreview() bool {
	return m != nil && m.Kind == MediaKindWebPage
}

// TakesCaption reports whether the media can be sent with a caption.
// Stickers and video notes cannot; their text goes out as a separate message.
func (m *Media) TakesCaption() bool {
	return m.Kind != MediaKindSticker && m.Kind != MediaKindVideoNote
}

// Validate checks that the media can be re-sent to a destination.
func (m *Media) Validate() error {
	if !IsValidMediaKind(m.Kind) {
		return ErrUnknownMediaKind
	}
	if m.Kind != MediaKindWebPage && m.FileID == "" {
		return ErrMediaNotReferable
	}
	return nil
}

// Message is a post observed on a source feed. It only lives for one processing pass.
type Message struct {
	ID     int64     `json:"id"` // monotonic within the feed; the dedup cursor
	ChatID int64     `json:"chat_id"`
	Chat   Entity    `json:"chat"`
	Text   string    `json:"text,omitempty"`
	Media  *Media    `json:"media,omitempty"`
	Out    bool      `json:"out"` // sent by this relay's own account
	Date   time.Time `json:"date"`
}

// HasSendableMedia reports whether the message carries media that must be re-sent as a file.
func (m Message) HasSendableMedia() bool {
	return m.Media != nil && !m.Media.IsPreview()
}
