package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/messaging"
)

// Category is an actionable class of delivery failure.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryWriteForbidden
	CategoryBanned
	CategoryPrivate
	CategoryRateLimited
	CategoryTooLong
	CategoryOffline
)

func (c Category) String() string {
	switch c {
	case CategoryWriteForbidden:
		return "write_forbidden"
	case CategoryBanned:
		return "banned"
	case CategoryPrivate:
		return "private"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryTooLong:
		return "too_long"
	case CategoryOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Error is a classified delivery failure.
type Error struct {
	Category Category
	Op       string // "media", "text" or "remainder"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery %s failed (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var sentinelCategories = []struct {
	err      error
	category Category
}{
	{messaging.ErrWriteForbidden, CategoryWriteForbidden},
	{messaging.ErrBannedInChannel, CategoryBanned},
	{messaging.ErrChannelPrivate, CategoryPrivate},
	{messaging.ErrFloodWait, CategoryRateLimited},
	{messaging.ErrMessageTooLong, CategoryTooLong},
	{messaging.ErrSessionOffline, CategoryOffline},
}

// Phrases matched, lower-cased, against error text when no sentinel is present.
// Order matters: the first matching group wins.
var phraseCategories = []struct {
	phrases  []string
	category Category
}{
	{[]string{"can't write", "write in this chat", "chat_write_forbidden", "not enough rights"}, CategoryWriteForbidden},
	{[]string{"banned"}, CategoryBanned},
	{[]string{"private"}, CategoryPrivate},
	{[]string{"flood", "too many requests"}, CategoryRateLimited},
	{[]string{"message too long", "message is too long"}, CategoryTooLong},
}

// Classify maps an error onto a Category. Structured sentinels win; the error
// text is only inspected when none is present.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var de *Error
	if errors.As(err, &de) && de.Category != CategoryUnknown {
		return de.Category
	}
	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.err) {
			return sc.category
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pc := range phraseCategories {
		for _, p := range pc.phrases {
			if strings.Contains(msg, p) {
				return pc.category
			}
		}
	}
	return CategoryUnknown
}

// Hint returns operator guidance for a category.
func Hint(c Category) string {
	switch c {
	case CategoryWriteForbidden:
		return "make sure the relay account is an admin of the destination with the 'Post Messages' right"
	case CategoryBanned:
		return "the relay account is banned in the destination; ask a destination admin to lift the ban"
	case CategoryPrivate:
		return "the destination is private or unreachable; make sure the relay account is a member"
	case CategoryRateLimited:
		return "the platform is rate limiting sends; wait, or raise SEND_INTERVAL"
	case CategoryTooLong:
		return "the message exceeds the platform length limit"
	case CategoryOffline:
		return "the destination session is offline or logged out; check connectivity or pair the account again"
	default:
		return "unexpected failure; check the error detail"
	}
}
