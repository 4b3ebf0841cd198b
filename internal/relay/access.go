package relay

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/RelayPipe/internal/delivery"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
)

// ProbeText is posted to the destination and removed right away to verify write access.
const ProbeText = "🔍"

// CheckAccess verifies the relay can post to dest by sending and deleting a
// probe message. Failures are classified and logged; they are never fatal.
func CheckAccess(ctx context.Context, sink messaging.Sink, dest string) bool {
	id, err := sink.SendText(ctx, dest, ProbeText)
	if err != nil {
		category := delivery.Classify(err)
		slog.Error("CheckAccess: cannot post to destination", "dest", dest, "category", category.String(), "hint", delivery.Hint(category), "error", err)
		return false
	}
	if err := sink.DeleteMessage(ctx, dest, id); err != nil {
		slog.Warn("CheckAccess: probe posted but could not be deleted", "dest", dest, "probeID", id, "error", err)
		return true
	}
	slog.Info("CheckAccess: write access to destination confirmed", "dest", dest)
	return true
}
