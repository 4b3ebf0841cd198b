// Package coordinator serializes the "should this message be processed" decision
// between the listener and the poller.
//
// A claim moves a (channel key, message id) pair from unseen to claimed inside a
// single critical section: the high-water mark is re-read, compared, the pair is
// registered as in flight and the mark is advanced before any delivery starts.
// Whichever path enters the section first wins; the loser sees the advanced mark.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAlreadyProcessed means the message id does not exceed the feed's high-water mark.
	ErrAlreadyProcessed = errors.New("message already processed")
	// ErrInFlight means the same pair is currently being delivered by another path.
	ErrInFlight = errors.New("message already in flight")
)

// Marks is the subset of the dedup store the coordinator depends on.
// *store.DedupStore satisfies it.
type Marks interface {
	HighWaterMark(ctx context.Context, aliases []string) int64
	MarkSeen(ctx context.Context, aliases []string, seq int64) error
}

type claimKey struct {
	channel string
	id      int64
}

// Coordinator owns the in-flight set and the lock guarding it.
// Construct one per process and share it between every discovery path.
type Coordinator struct {
	marks Marks

	mu       sync.Mutex
	inFlight map[claimKey]struct{}
}

// New creates a Coordinator backed by marks.
func New(marks Marks) *Coordinator {
	return &Coordinator{
		marks:    marks,
		inFlight: make(map[claimKey]struct{}),
	}
}

// Claim reserves messageID of the feed identified by channelKey for processing.
// On success the mark for every alias has already been advanced to messageID and
// the caller must Release the returned claim once delivery has finished.
//
// ErrAlreadyProcessed and ErrInFlight mean the candidate should be dropped; no
// state was changed. A *store.StorageError means the mark could not be persisted,
// the in-flight entry has been rolled back and no claim is held.
func (c *Coordinator) Claim(ctx context.Context, channelKey string, aliases []string, messageID int64) (*Claim, error) {
	key := claimKey{channel: channelKey, id: messageID}

	c.mu.Lock()
	defer c.mu.Unlock()

	mark := c.marks.HighWaterMark(ctx, aliases)
	if messageID <= mark {
		slog.Debug("Coordinator.Claim: already processed", "channel", channelKey, "messageID", messageID, "mark", mark)
		return nil, ErrAlreadyProcessed
	}
	if _, busy := c.inFlight[key]; busy {
		slog.Debug("Coordinator.Claim: already in flight", "channel", channelKey, "messageID", messageID)
		return nil, ErrInFlight
	}

	c.inFlight[key] = struct{}{}
	if err := c.marks.MarkSeen(ctx, aliases, messageID); err != nil {
		delete(c.inFlight, key)
		slog.Error("Coordinator.Claim: failed to advance mark", "channel", channelKey, "messageID", messageID, "error", err)
		return nil, fmt.Errorf("claim %s/%d: %w", channelKey, messageID, err)
	}

	slog.Debug("Coordinator.Claim: claimed", "channel", channelKey, "messageID", messageID, "previousMark", mark)
	return &Claim{coord: c, key: key}, nil
}

// InFlight returns the number of claims not yet released.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Coordinator) release(key claimKey) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
	slog.Debug("Coordinator.release: released", "channel", key.channel, "messageID", key.id)
}

// Claim is a held reservation for one message.
type Claim struct {
	coord *Coordinator
	key   claimKey
	once  sync.Once
}

// ChannelKey returns the feed key the claim was taken under.
func (cl *Claim) ChannelKey() string { return cl.key.channel }

// MessageID returns the claimed message id.
func (cl *Claim) MessageID() int64 { return cl.key.id }

// Release removes the pair from the in-flight set. It is safe to call more than once.
func (cl *Claim) Release() {
	cl.once.Do(func() {
		cl.coord.release(cl.key)
	})
}
