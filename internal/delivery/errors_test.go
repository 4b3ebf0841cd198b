package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/BTreeMap/RelayPipe/internal/messaging"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"sentinel write", fmt.Errorf("send: %w", messaging.ErrWriteForbidden), CategoryWriteForbidden},
		{"sentinel banned", messaging.ErrBannedInChannel, CategoryBanned},
		{"sentinel private", messaging.ErrChannelPrivate, CategoryPrivate},
		{"sentinel flood", messaging.ErrFloodWait, CategoryRateLimited},
		{"sentinel too long", messaging.ErrMessageTooLong, CategoryTooLong},
		{"sentinel offline", fmt.Errorf("send: %w", messaging.ErrSessionOffline), CategoryOffline},
		{"phrase can't write", errors.New("You can't write in this chat"), CategoryWriteForbidden},
		{"phrase rpc code", errors.New("CHAT_WRITE_FORBIDDEN"), CategoryWriteForbidden},
		{"phrase rights", errors.New("Not enough rights to send"), CategoryWriteForbidden},
		{"phrase banned", errors.New("user is BANNED in channel"), CategoryBanned},
		{"phrase private", errors.New("channel is private"), CategoryPrivate},
		{"phrase flood", errors.New("FLOOD_WAIT_30"), CategoryRateLimited},
		{"phrase 429", errors.New("Too Many Requests: retry after 3"), CategoryRateLimited},
		{"phrase too long", errors.New("Message is too long"), CategoryTooLong},
		{"unclassified", errors.New("connection reset by peer"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_SentinelBeatsPhrase(t *testing.T) {
	// The text mentions "private" but the structured signal says rate limited.
	err := fmt.Errorf("%w: private channel slow mode", messaging.ErrFloodWait)
	if got := Classify(err); got != CategoryRateLimited {
		t.Errorf("expected sentinel tier to win, got %s", got)
	}
}

func TestClassify_DeliveryError(t *testing.T) {
	err := &Error{Category: CategoryBanned, Op: "text", Err: errors.New("x")}
	if got := Classify(fmt.Errorf("wrapped: %w", err)); got != CategoryBanned {
		t.Errorf("expected category carried by *Error, got %s", got)
	}
}

func TestHint(t *testing.T) {
	seen := make(map[string]Category)
	for _, c := range []Category{CategoryUnknown, CategoryWriteForbidden, CategoryBanned, CategoryPrivate, CategoryRateLimited, CategoryTooLong, CategoryOffline} {
		h := Hint(c)
		if h == "" {
			t.Errorf("empty hint for %s", c)
		}
		if prev, dup := seen[h]; dup {
			t.Errorf("categories %s and %s share a hint", prev, c)
		}
		seen[h] = c
	}
}
