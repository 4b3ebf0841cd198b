package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow"
)

// WhatsAppService implements Sink using the Whatsmeow-based whatsapp client.
//
// WhatsApp cannot reference files held by another platform, so media bytes are
// pulled through a MediaFetcher and uploaded.
type WhatsAppService struct {
	client  whatsapp.Sender
	fetcher MediaFetcher
}

// Compile-time check that WhatsAppService implements Sink.
var _ Sink = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender, fetcher MediaFetcher) *WhatsAppService {
	return &WhatsAppService{client: client, fetcher: fetcher}
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, dest string, text string) (string, error) {
	slog.Debug("WhatsAppService SendText invoked", "to", dest, "body_length", len(text))
	id, err := s.client.SendText(ctx, dest, text)
	if err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", dest)
		return "", translateWhatsAppError(err)
	}
	return id, nil
}

// SendMedia downloads the source file and uploads it with caption.
func (s *WhatsAppService) SendMedia(ctx context.Context, dest string, media *models.Media, caption string) (string, error) {
	if s.fetcher == nil {
		return "", fmt.Errorf("whatsapp media relay requires a media fetcher")
	}
	data, err := s.fetcher.FetchMedia(ctx, media)
	if err != nil {
		slog.Error("WhatsAppService SendMedia: fetch failed", "error", err, "kind", media.Kind)
		return "", fmt.Errorf("fetch %s for whatsapp: %w", media.Kind, err)
	}

	id, err := s.client.SendMedia(ctx, dest, whatsapp.Media{
		Kind:     media.Kind,
		Data:     data,
		MimeType: media.MimeType,
		FileName: media.FileName,
		Caption:  caption,
	})
	if err != nil {
		slog.Error("WhatsAppService SendMedia error", "error", err, "to", dest)
		return "", translateWhatsAppError(err)
	}
	slog.Debug("WhatsAppService media sent", "to", dest, "kind", media.Kind, "size", len(data))
	return id, nil
}

// DeleteMessage revokes a message sent by this account.
func (s *WhatsAppService) DeleteMessage(ctx context.Context, dest string, id string) error {
	return translateWhatsAppError(s.client.Revoke(ctx, dest, id))
}

// Stop disconnects the client.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	s.client.Disconnect()
	return nil
}

var whatsAppSentinels = []struct {
	errs     []error
	sentinel error
}{
	{[]error{whatsmeow.ErrIQRateOverLimit, whatsmeow.ErrIQResourceLimit}, ErrFloodWait},
	{[]error{whatsmeow.ErrIQForbidden, whatsmeow.ErrIQNotAuthorized, whatsmeow.ErrIQNotAllowed, whatsmeow.ErrNotInGroup}, ErrWriteForbidden},
	{[]error{whatsmeow.ErrIQLocked}, ErrBannedInChannel},
	{[]error{whatsmeow.ErrGroupNotFound, whatsmeow.ErrIQNotFound, whatsmeow.ErrIQGone}, ErrChannelPrivate},
	{[]error{whatsmeow.ErrNotLoggedIn, whatsmeow.ErrNotConnected, whatsmeow.ErrClientIsNil, whatsmeow.ErrIQDisconnected}, ErrSessionOffline},
}

// translateWhatsAppError wraps whatsmeow errors with the matching sentinel.
// Other errors are returned unchanged.
func translateWhatsAppError(err error) error {
	if err == nil {
		return nil
	}
	for _, ws := range whatsAppSentinels {
		for _, known := range ws.errs {
			if errors.Is(err, known) {
				return fmt.Errorf("%w: %w", ws.sentinel, err)
			}
		}
	}
	return err
}
