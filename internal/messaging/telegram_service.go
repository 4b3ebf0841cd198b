package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/telegram"
	"github.com/mymmrac/telego/telegoapi"
)

// DefaultHistorySize is how many recent posts are kept per watched chat.
const DefaultHistorySize = 50

// TelegramService implements Service over the Bot API.
//
// The Bot API has no call for reading a channel's history, so FetchRecent is
// served from a per-chat ring of posts received since start. Only chats that
// were resolved or subscribed are recorded.
type TelegramService struct {
	client      telegram.API
	historySize int

	mu       sync.Mutex
	entities map[string]models.Entity // handle -> resolved entity
	history  map[int64][]models.Message
	subs     []subscription

	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	chats map[int64]struct{}
	fn    Handler
}

// Compile-time checks that TelegramService implements Service and MediaFetcher.
var (
	_ Service      = (*TelegramService)(nil)
	_ MediaFetcher = (*TelegramService)(nil)
)

// NewTelegramService wraps client. historySize <= 0 uses DefaultHistorySize.
func NewTelegramService(client telegram.API, historySize int) *TelegramService {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &TelegramService{
		client:      client,
		historySize: historySize,
		entities:    make(map[string]models.Entity),
		history:     make(map[int64][]models.Message),
	}
}

// Start begins long polling and dispatches posts to subscribers.
func (s *TelegramService) Start(ctx context.Context) error {
	slog.Debug("TelegramService Start invoked")
	listenCtx, cancel := context.WithCancel(ctx)
	updates, err := s.client.Listen(listenCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram listen: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for msg := range updates {
			s.handleUpdate(listenCtx, msg)
		}
		slog.Debug("TelegramService update loop stopped")
	}()
	return nil
}

// Stop ends long polling and waits for the dispatch loop to exit.
func (s *TelegramService) Stop() error {
	slog.Info("TelegramService Stop invoked")
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	slog.Info("TelegramService stopped")
	return nil
}

func (s *TelegramService) handleUpdate(ctx context.Context, msg models.Message) {
	s.mu.Lock()
	watched := s.isWatchedLocked(msg.ChatID)
	if watched {
		s.recordLocked(msg)
	}
	var handlers []Handler
	for _, sub := range s.subs {
		if _, ok := sub.chats[msg.ChatID]; ok {
			handlers = append(handlers, sub.fn)
		}
	}
	s.mu.Unlock()

	if !watched {
		slog.Debug("TelegramService ignoring post from unwatched chat", "chatID", msg.ChatID, "messageID", msg.ID)
		return
	}
	for _, fn := range handlers {
		s.dispatch(ctx, fn, msg)
	}
}

// dispatch runs one handler; a panicking handler is logged and the update loop continues.
func (s *TelegramService) dispatch(ctx context.Context, fn Handler, msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("TelegramService handler panicked", "chatID", msg.ChatID, "messageID", msg.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(ctx, msg)
}

func (s *TelegramService) isWatchedLocked(chatID int64) bool {
	for _, e := range s.entities {
		if e.ID == chatID {
			return true
		}
	}
	return false
}

func (s *TelegramService) recordLocked(msg models.Message) {
	ring := s.history[msg.ChatID]
	for _, m := range ring {
		if m.ID == msg.ID {
			return
		}
	}
	ring = append(ring, msg)
	if len(ring) > s.historySize {
		ring = ring[len(ring)-s.historySize:]
	}
	s.history[msg.ChatID] = ring
}

// ResolveEntity looks up and caches a chat by handle. Resolved chats are watched.
func (s *TelegramService) ResolveEntity(ctx context.Context, handle string) (models.Entity, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return models.Entity{}, models.ErrEmptyHandle
	}
	s.mu.Lock()
	e, ok := s.entities[handle]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := s.client.ResolveChat(ctx, handle)
	if err != nil {
		return models.Entity{}, translateTelegramError(err)
	}
	s.mu.Lock()
	s.entities[handle] = e
	s.mu.Unlock()
	slog.Debug("TelegramService resolved entity", "handle", handle, "id", e.ID, "username", e.Username)
	return e, nil
}

// FetchRecent returns up to limit of the most recent recorded posts of e, oldest first.
func (s *TelegramService) FetchRecent(ctx context.Context, e models.Entity, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.history[e.ID]
	out := make([]models.Message, len(ring))
	copy(out, ring)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Subscribe resolves handles and registers fn for their posts. Handles that
// cannot be resolved are logged and skipped; it fails only when none resolve.
func (s *TelegramService) Subscribe(ctx context.Context, handles []string, fn Handler) error {
	sub := subscription{chats: make(map[int64]struct{}), fn: fn}
	for _, h := range handles {
		e, err := s.ResolveEntity(ctx, h)
		if err != nil {
			slog.Warn("TelegramService Subscribe: cannot resolve feed, skipping", "handle", h, "error", err)
			continue
		}
		sub.chats[e.ID] = struct{}{}
	}
	if len(sub.chats) == 0 && len(handles) > 0 {
		return fmt.Errorf("subscribe: none of %d feeds could be resolved", len(handles))
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	slog.Info("TelegramService subscribed", "feeds", len(sub.chats))
	return nil
}

func (s *TelegramService) SendMedia(ctx context.Context, dest string, media *models.Media, caption string) (string, error) {
	id, err := s.client.SendMedia(ctx, dest, media, caption)
	if err != nil {
		return "", translateTelegramError(err)
	}
	return strconv.Itoa(id), nil
}

func (s *TelegramService) SendText(ctx context.Context, dest string, text string) (string, error) {
	id, err := s.client.SendText(ctx, dest, text)
	if err != nil {
		return "", translateTelegramError(err)
	}
	return strconv.Itoa(id), nil
}

func (s *TelegramService) DeleteMessage(ctx context.Context, dest string, id string) error {
	n, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", id, err)
	}
	if err := s.client.DeleteMessage(ctx, dest, n); err != nil {
		return translateTelegramError(err)
	}
	return nil
}

// FetchMedia downloads the source file bytes.
func (s *TelegramService) FetchMedia(ctx context.Context, media *models.Media) ([]byte, error) {
	if err := media.Validate(); err != nil {
		return nil, err
	}
	return s.client.Download(ctx, media.FileID)
}

// translateTelegramError wraps Bot API errors with the matching sentinel.
// Errors without a recognizable code are returned unchanged.
func translateTelegramError(err error) error {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Description)

	var sentinel error
	switch {
	case apiErr.ErrorCode == 429:
		sentinel = ErrFloodWait
	case strings.Contains(desc, "too long"):
		sentinel = ErrMessageTooLong
	case strings.Contains(desc, "kicked") || strings.Contains(desc, "banned"):
		sentinel = ErrBannedInChannel
	case strings.Contains(desc, "chat not found") || strings.Contains(desc, "channel_private"):
		sentinel = ErrChannelPrivate
	case apiErr.ErrorCode == 403 || strings.Contains(desc, "not enough rights") ||
		strings.Contains(desc, "chat_write_forbidden") || strings.Contains(desc, "have no rights"):
		sentinel = ErrWriteForbidden
	default:
		return err
	}
	if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return fmt.Errorf("%w (retry after %ds): %w", sentinel, apiErr.Parameters.RetryAfter, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
