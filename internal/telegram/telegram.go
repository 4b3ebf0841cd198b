// Package telegram wraps the telego Bot API client for RelayPipe.
//
// It resolves channel handles, receives channel posts via long polling, sends
// text and media (by file id) to a destination chat and downloads source files
// for destinations that need the raw bytes.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Constants for Telegram client configuration
const (
	// DefaultPollTimeout is the long polling timeout in seconds
	DefaultPollTimeout = 30
	// DefaultMaxDownloadBytes caps files fetched for re-upload to other platforms
	DefaultMaxDownloadBytes = 50 << 20
	// DefaultUpdateBufferSize is the buffer size of the converted update channel
	DefaultUpdateBufferSize = 100
)

// API is the subset of Bot API operations RelayPipe uses. Client and MockClient implement it.
type API interface {
	// SelfID returns the bot's own user id, used to recognize self-originated posts.
	SelfID() int64
	ResolveChat(ctx context.Context, handle string) (models.Entity, error)
	SendText(ctx context.Context, chat string, text string) (int, error)
	SendMedia(ctx context.Context, chat string, media *models.Media, caption string) (int, error)
	DeleteMessage(ctx context.Context, chat string, messageID int) error
	Download(ctx context.Context, fileID string) ([]byte, error)
	// Listen starts long polling and returns converted channel posts until ctx is done.
	Listen(ctx context.Context) (<-chan models.Message, error)
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token            string // bot token from @BotFather
	Proxy            string // optional HTTP proxy URL
	MaxDownloadBytes int64  // download cap for Download
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithProxy routes Bot API traffic through an HTTP proxy.
func WithProxy(proxy string) Option {
	return func(o *Opts) {
		o.Proxy = proxy
	}
}

// WithMaxDownloadBytes overrides DefaultMaxDownloadBytes.
func WithMaxDownloadBytes(n int64) Option {
	return func(o *Opts) {
		o.MaxDownloadBytes = n
	}
}

// Compile-time check that Client implements API.
var _ API = (*Client)(nil)

// Client wraps a telego bot.
type Client struct {
	bot      *telego.Bot
	http     *http.Client
	self     *telego.User
	maxBytes int64
}

// NewClient creates the bot and verifies the token with getMe.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Telegram NewClient options set", "Token_set", cfg.Token != "", "Proxy_set", cfg.Proxy != "")

	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token not set")
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}

	httpClient := http.DefaultClient
	var botOpts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		httpClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
		botOpts = append(botOpts, telego.WithHTTPClient(httpClient))
	}

	bot, err := telego.NewBot(cfg.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	self, err := bot.GetMe(context.Background())
	if err != nil {
		slog.Error("Telegram getMe failed", "error", err)
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}
	slog.Info("Telegram bot authenticated", "username", self.Username, "id", self.ID)

	return &Client{bot: bot, http: httpClient, self: self, maxBytes: cfg.MaxDownloadBytes}, nil
}

// SelfID returns the bot's user id.
func (c *Client) SelfID() int64 {
	return c.self.ID
}

// ParseChatID turns a handle ("@name", "name" or a numeric id) into a telego chat id.
func ParseChatID(handle string) telego.ChatID {
	handle = strings.TrimSpace(handle)
	if id, err := strconv.ParseInt(handle, 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username("@" + strings.TrimLeft(handle, "@"))
}

// ResolveChat looks up a chat by handle.
func (c *Client) ResolveChat(ctx context.Context, handle string) (models.Entity, error) {
	if strings.TrimSpace(handle) == "" {
		return models.Entity{}, models.ErrEmptyHandle
	}
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: ParseChatID(handle)})
	if err != nil {
		return models.Entity{}, fmt.Errorf("resolve chat %s: %w", handle, err)
	}
	return models.Entity{ID: chat.ID, Username: chat.Username, Title: chat.Title}, nil
}

// SendText posts text to chat and returns the new message id.
func (c *Client) SendText(ctx context.Context, chat string, text string) (int, error) {
	msg, err := c.bot.SendMessage(ctx, tu.Message(ParseChatID(chat), text))
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendMedia re-sends a source file by its file id with the given caption.
// Sending by file id lets the caption differ from the source post. Stickers and
// video notes take no caption; caption is ignored for them.
func (c *Client) SendMedia(ctx context.Context, chat string, media *models.Media, caption string) (int, error) {
	if err := media.Validate(); err != nil {
		return 0, err
	}
	chatID := ParseChatID(chat)
	file := tu.FileFromID(media.FileID)

	var (
		msg *telego.Message
		err error
	)
	switch media.Kind {
	case models.MediaKindPhoto:
		msg, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chatID, Photo: file, Caption: caption})
	case models.MediaKindVideo:
		msg, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: chatID, Video: file, Caption: caption})
	case models.MediaKindAnimation:
		msg, err = c.bot.SendAnimation(ctx, &telego.SendAnimationParams{ChatID: chatID, Animation: file, Caption: caption})
	case models.MediaKindAudio:
		msg, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{ChatID: chatID, Audio: file, Caption: caption})
	case models.MediaKindVoice:
		msg, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: chatID, Voice: file, Caption: caption})
	case models.MediaKindDocument:
		msg, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chatID, Document: file, Caption: caption})
	case models.MediaKindSticker:
		msg, err = c.bot.SendSticker(ctx, &telego.SendStickerParams{ChatID: chatID, Sticker: file})
	case models.MediaKindVideoNote:
		msg, err = c.bot.SendVideoNote(ctx, &telego.SendVideoNoteParams{ChatID: chatID, VideoNote: file})
	default:
		return 0, fmt.Errorf("%w: %s", models.ErrUnknownMediaKind, media.Kind)
	}
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// DeleteMessage removes a message the bot posted.
func (c *Client) DeleteMessage(ctx context.Context, chat string, messageID int) error {
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: ParseChatID(chat), MessageID: messageID})
}

// Download fetches the bytes of a file by id, up to the configured cap.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > c.maxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, c.maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("file exceeds max size during download: %d bytes", len(data))
	}
	return data, nil
}

// Listen starts long polling for channel and group posts.
func (c *Client) Listen(ctx context.Context) (<-chan models.Message, error) {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        DefaultPollTimeout,
		AllowedUpdates: []string{"channel_post", "message"},
	})
	if err != nil {
		return nil, fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("Telegram long polling started", "username", c.self.Username)

	out := make(chan models.Message, DefaultUpdateBufferSize)
	go func() {
		defer close(out)
		for update := range updates {
			post := update.ChannelPost
			if post == nil {
				post = update.Message
			}
			if post == nil {
				slog.Debug("Telegram update skipped (no post)", "update_id", update.UpdateID)
				continue
			}
			select {
			case out <- ConvertMessage(post, c.self.ID):
			case <-ctx.Done():
				return
			}
		}
		slog.Info("Telegram updates channel closed")
	}()
	return out, nil
}

// ConvertMessage maps a Bot API message onto the relay's message model.
func ConvertMessage(msg *telego.Message, selfID int64) models.Message {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	m := models.Message{
		ID:     int64(msg.MessageID),
		ChatID: msg.Chat.ID,
		Chat:   models.Entity{ID: msg.Chat.ID, Username: msg.Chat.Username, Title: msg.Chat.Title},
		Text:   text,
		Media:  extractMedia(msg),
		Date:   time.Unix(msg.Date, 0),
	}
	if m.Media == nil && m.Text == "" {
		if kind := unforwardableContent(msg); kind != "" {
			slog.Warn("Telegram post has no forwardable content", "chatID", msg.Chat.ID, "messageID", msg.MessageID, "kind", kind)
		}
	}
	if selfID != 0 {
		m.Out = (msg.From != nil && msg.From.ID == selfID) || (msg.ViaBot != nil && msg.ViaBot.ID == selfID)
	}
	return m
}

func extractMedia(msg *telego.Message) *models.Media {
	media := &models.Media{SourceChatID: msg.Chat.ID, SourceMessageID: int64(msg.MessageID)}
	switch {
	case len(msg.Photo) > 0:
		// Highest resolution is last.
		media.Kind = models.MediaKindPhoto
		media.FileID = msg.Photo[len(msg.Photo)-1].FileID
		media.MimeType = "image/jpeg"
	case msg.Animation != nil:
		// Animations also populate Document; check them first.
		media.Kind = models.MediaKindAnimation
		media.FileID = msg.Animation.FileID
		media.MimeType = msg.Animation.MimeType
		media.FileName = msg.Animation.FileName
	case msg.Video != nil:
		media.Kind = models.MediaKindVideo
		media.FileID = msg.Video.FileID
		media.MimeType = msg.Video.MimeType
		media.FileName = msg.Video.FileName
	case msg.Audio != nil:
		media.Kind = models.MediaKindAudio
		media.FileID = msg.Audio.FileID
		media.MimeType = msg.Audio.MimeType
		media.FileName = msg.Audio.FileName
	case msg.Voice != nil:
		media.Kind = models.MediaKindVoice
		media.FileID = msg.Voice.FileID
		media.MimeType = msg.Voice.MimeType
	case msg.Document != nil:
		media.Kind = models.MediaKindDocument
		media.FileID = msg.Document.FileID
		media.MimeType = msg.Document.MimeType
		media.FileName = msg.Document.FileName
	case msg.Sticker != nil:
		media.Kind = models.MediaKindSticker
		media.FileID = msg.Sticker.FileID
		media.MimeType = stickerMimeType(msg.Sticker)
	case msg.VideoNote != nil:
		media.Kind = models.MediaKindVideoNote
		media.FileID = msg.VideoNote.FileID
		media.MimeType = "video/mp4"
	case msg.LinkPreviewOptions != nil && !msg.LinkPreviewOptions.IsDisabled:
		media.Kind = models.MediaKindWebPage
	default:
		return nil
	}
	return media
}

func stickerMimeType(st *telego.Sticker) string {
	switch {
	case st.IsAnimated:
		return "application/x-tgsticker"
	case st.IsVideo:
		return "video/webm"
	default:
		return "image/webp"
	}
}

// unforwardableContent names content the relay cannot re-send, or returns "".
func unforwardableContent(msg *telego.Message) string {
	switch {
	case msg.Poll != nil:
		return "poll"
	case msg.Venue != nil:
		return "venue"
	case msg.Location != nil:
		return "location"
	case msg.Contact != nil:
		return "contact"
	case msg.Dice != nil:
		return "dice"
	case msg.Game != nil:
		return "game"
	case msg.Story != nil:
		return "story"
	default:
		return ""
	}
}
