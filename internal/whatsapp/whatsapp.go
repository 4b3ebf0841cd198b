// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in RelayPipe.
//
// It is used as an optional relay destination: text posts, uploaded media with
// captions, and revokes for the startup access probe.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/relaypipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is the set of WhatsApp operations the relay uses (for production and testing).
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, media Media) (string, error)
	Revoke(ctx context.Context, to string, id string) error
	Disconnect()
}

// Media is a file ready for upload.
type Media struct {
	Kind     models.MediaKind
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// driverForDSN picks the database/sql driver whatsmeow's sqlstore should use.
func driverForDSN(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys.
// PostgreSQL DSNs always report true.
func hasForeignKeys(dsn string) bool {
	if driverForDSN(dsn) == "postgres" {
		return true
	}
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := driverForDSN(dbDSN)
	if !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// ParseRecipient accepts a full JID ("123@g.us") or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix), nil
}

func (c *Client) ready() error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	return nil
}

// SendText sends a plain text message and returns its id.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}

	slog.Debug("Sending WhatsApp message", "to", jid.String(), "body_length", len(body))
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return resp.ID, nil
}

// isNativeSticker reports whether m can be sent as a WhatsApp sticker.
// Animated Telegram stickers use formats WhatsApp does not render and go out as documents.
func isNativeSticker(m Media) bool {
	return m.Kind == models.MediaKindSticker && m.MimeType == "image/webp"
}

func uploadType(m Media) whatsmeow.MediaType {
	if isNativeSticker(m) {
		return whatsmeow.MediaImage
	}
	switch m.Kind {
	case models.MediaKindPhoto:
		return whatsmeow.MediaImage
	case models.MediaKindVideo, models.MediaKindAnimation, models.MediaKindVideoNote:
		return whatsmeow.MediaVideo
	case models.MediaKindAudio, models.MediaKindVoice:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage wraps an upload into the message type matching kind.
// Audio messages cannot carry a caption; callers send it separately.
func buildMediaMessage(m Media, up whatsmeow.UploadResponse) *waE2E.Message {
	var caption *string
	if m.Caption != "" {
		caption = proto.String(m.Caption)
	}
	mime := proto.String(m.MimeType)
	if isNativeSticker(m) {
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype: mime, URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	}
	switch m.Kind {
	case models.MediaKindPhoto:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption: caption, Mimetype: mime,
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case models.MediaKindVideo, models.MediaKindAnimation, models.MediaKindVideoNote:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: caption, Mimetype: mime, GifPlayback: proto.Bool(m.Kind == models.MediaKindAnimation),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case models.MediaKindAudio, models.MediaKindVoice:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: mime, PTT: proto.Bool(m.Kind == models.MediaKindVoice),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	default:
		name := m.FileName
		if name == "" && m.Kind == models.MediaKindSticker {
			name = "sticker"
		}
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption: caption, Mimetype: mime, FileName: proto.String(name), Title: proto.String(name),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	}
}

// SendMedia uploads the file and sends it with its caption.
func (c *Client) SendMedia(ctx context.Context, to string, m Media) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if len(m.Data) == 0 {
		return "", fmt.Errorf("media payload cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}

	up, err := c.waClient.Upload(ctx, m.Data, uploadType(m))
	if err != nil {
		slog.Error("Failed to upload WhatsApp media", "error", err, "kind", m.Kind, "size", len(m.Data))
		return "", fmt.Errorf("failed to upload %s: %w", m.Kind, err)
	}

	resp, err := c.waClient.SendMessage(ctx, jid, buildMediaMessage(m, up))
	if err != nil {
		slog.Error("Failed to send WhatsApp media", "error", err, "to", to)
		return "", fmt.Errorf("failed to send %s to %s: %w", m.Kind, to, err)
	}
	if (m.Kind == models.MediaKindAudio || m.Kind == models.MediaKindVoice) && m.Caption != "" {
		if _, err := c.SendText(ctx, to, m.Caption); err != nil {
			return resp.ID, err
		}
	}
	slog.Debug("WhatsApp media sent successfully", "to", to, "kind", m.Kind)
	return resp.ID, nil
}

// Revoke deletes a message this client sent.
func (c *Client) Revoke(ctx context.Context, to string, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	if _, err := c.waClient.SendMessage(ctx, jid, c.waClient.BuildRevoke(jid, types.EmptyJID, types.MessageID(id))); err != nil {
		return fmt.Errorf("failed to revoke %s in %s: %w", id, to, err)
	}
	return nil
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records sends instead of talking to WhatsApp (for tests).
// In tests, use whatsapp.NewMockClient() instead of NewClient to avoid real WhatsApp connections.
type MockClient struct {
	Texts   []string
	Media   []Media
	Revoked []string
	SendErr error
	next    int
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.Texts = append(m.Texts, body)
	m.next++
	return fmt.Sprintf("mock-%d", m.next), nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.Media = append(m.Media, media)
	m.next++
	return fmt.Sprintf("mock-%d", m.next), nil
}

func (m *MockClient) Revoke(ctx context.Context, to string, id string) error {
	m.Revoked = append(m.Revoked, id)
	return nil
}

func (m *MockClient) Disconnect() {}
