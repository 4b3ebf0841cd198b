package models

import (
	"errors"
	"testing"
)

func TestMediaIsPreview(t *testing.T) {
	var nilMedia *Media
	if nilMedia.IsPreview() {
		t.Error("nil media should not be a preview")
	}
	if !(&Media{Kind: MediaKindWebPage}).IsPreview() {
		t.Error("webpage media should be a preview")
	}
	if (&Media{Kind: MediaKindPhoto, FileID: "x"}).IsPreview() {
		t.Error("photo media should not be a preview")
	}
}

func TestMessageHasSendableMedia(t *testing.T) {
	tests := []struct {
		name  string
		media *Media
		want  bool
	}{
		{"no media", nil, false},
		{"webpage", &Media{Kind: MediaKindWebPage}, false},
		{"photo", &Media{Kind: MediaKindPhoto, FileID: "abc"}, true},
		{"document", &Media{Kind: MediaKindDocument, FileID: "abc"}, true},
		{"sticker", &Media{Kind: MediaKindSticker, FileID: "abc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{ID: 1, Media: tt.media}
			if got := m.HasSendableMedia(); got != tt.want {
				t.Errorf("HasSendableMedia() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMediaValidate(t *testing.T) {
	if err := (&Media{Kind: "poll", FileID: "x"}).Validate(); !errors.Is(err, ErrUnknownMediaKind) {
		t.Errorf("expected ErrUnknownMediaKind, got %v", err)
	}
	if err := (&Media{Kind: MediaKindVideo}).Validate(); !errors.Is(err, ErrMediaNotReferable) {
		t.Errorf("expected ErrMediaNotReferable, got %v", err)
	}
	if err := (&Media{Kind: MediaKindWebPage}).Validate(); err != nil {
		t.Errorf("webpage media should validate without a file id, got %v", err)
	}
	if err := (&Media{Kind: MediaKindAudio, FileID: "f"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (&Media{Kind: MediaKindSticker, FileID: "s"}).Validate(); err != nil {
		t.Errorf("sticker media should validate, got %v", err)
	}
}

func TestMediaTakesCaption(t *testing.T) {
	for kind, want := range map[MediaKind]bool{
		MediaKindPhoto:     true,
		MediaKindDocument:  true,
		MediaKindSticker:   false,
		MediaKindVideoNote: false,
	} {
		if got := (&Media{Kind: kind}).TakesCaption(); got != want {
			t.Errorf("TakesCaption(%s) = %v, want %v", kind, got, want)
		}
	}
}
