package relay

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/RelayPipe/internal/identity"
	"github.com/BTreeMap/RelayPipe/internal/models"
)

// Listener handles live posts pushed by the source platform.
type Listener struct {
	proc *Processor
}

// NewListener creates a Listener feeding proc.
func NewListener(proc *Processor) *Listener {
	return &Listener{proc: proc}
}

// Handle processes one pushed post. It matches messaging.Handler.
func (l *Listener) Handle(ctx context.Context, msg models.Message) {
	if msg.Out {
		slog.Debug("Listener.Handle: ignoring self-originated post", "chatID", msg.ChatID, "messageID", msg.ID)
		return
	}

	chatID := strconv.FormatInt(msg.ChatID, 10)
	if msg.ChatID == 0 {
		chatID = ""
	}
	key, ok := identity.ResolveKey(msg.Chat, chatID)
	if !ok {
		slog.Warn("Listener.Handle: no channel key derivable, skipping", "messageID", msg.ID, "title", msg.Chat.Title)
		return
	}
	aliases := identity.AliasSet(msg.Chat, chatID)

	outcome, err := l.proc.Process(ctx, key, aliases, msg)
	if err != nil {
		slog.Debug("Listener.Handle: processing failed", "channel", key, "messageID", msg.ID, "error", err)
		return
	}
	slog.Debug("Listener.Handle: processed", "channel", key, "messageID", msg.ID, "outcome", outcome.String())
}
