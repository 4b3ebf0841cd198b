package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/coordinator"
	"github.com/BTreeMap/RelayPipe/internal/identity"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// PollStats summarizes one poll iteration.
type PollStats struct {
	Feeds   int // feeds fully checked
	Sent    int
	Skipped int
	Failed  int
}

// Poller periodically pulls a window of recent posts from every source feed.
type Poller struct {
	source  messaging.Source
	marks   coordinator.Marks
	proc    *Processor
	sources []string

	interval time.Duration
	window   int
	delay    time.Duration
	cooldown time.Duration
}

// NewPoller creates a Poller using cfg's timing settings.
func NewPoller(source messaging.Source, marks coordinator.Marks, proc *Processor, cfg Opts) *Poller {
	return &Poller{
		source:   source,
		marks:    marks,
		proc:     proc,
		sources:  cfg.Sources,
		interval: cfg.PollInterval,
		window:   cfg.FetchWindow,
		delay:    cfg.MessageDelay,
		cooldown: cfg.Cooldown,
	}
}

// Run waits one interval, checks every feed, and repeats until ctx is done.
// A failed or panicking iteration is followed by the cool-down instead.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Poller.Run: started", "interval", p.interval, "feeds", len(p.sources))
	wait := p.interval
	for {
		select {
		case <-ctx.Done():
			slog.Info("Poller.Run: stopped")
			return nil
		case <-time.After(wait):
		}

		stats, err := p.safeCheck(ctx)
		if ctx.Err() != nil {
			continue
		}
		if err != nil {
			slog.Error("Poller.Run: iteration failed, cooling down", "error", err, "cooldown", p.cooldown)
			wait = p.cooldown
			continue
		}
		slog.Debug("Poller.Run: iteration done", "feeds", stats.Feeds, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed)
		wait = p.interval
	}
}

func (p *Poller) safeCheck(ctx context.Context) (stats PollStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Poller.safeCheck: panic recovered", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("poll iteration panicked: %v", r)
		}
	}()
	return p.CheckOnce(ctx)
}

// CheckOnce runs one poll iteration over every source feed.
// Per-feed problems are logged and skipped. Storage failures are collected
// and returned so the caller backs off.
func (p *Poller) CheckOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats
	var storageErrs []error

	for _, handle := range p.sources {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := p.checkFeed(ctx, handle, &stats); err != nil {
			var storageErr *store.StorageError
			if errors.As(err, &storageErr) {
				slog.Error("Poller.CheckOnce: storage failure, feed cycle aborted", "handle", handle, "error", err)
				storageErrs = append(storageErrs, err)
				continue
			}
			slog.Warn("Poller.CheckOnce: feed skipped", "handle", handle, "error", err)
			continue
		}
		stats.Feeds++
	}
	return stats, errors.Join(storageErrs...)
}

func (p *Poller) checkFeed(ctx context.Context, handle string, stats *PollStats) error {
	entity, err := p.source.ResolveEntity(ctx, handle)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", handle, err)
	}
	key, ok := identity.ResolveKey(entity, handle)
	if !ok {
		return fmt.Errorf("no channel key derivable for %s", handle)
	}

	recent, err := p.source.FetchRecent(ctx, entity, p.window)
	if err != nil {
		return fmt.Errorf("fetch recent from %s: %w", key, err)
	}

	aliases := identity.AliasSet(entity, handle)
	mark := p.marks.HighWaterMark(ctx, aliases)
	candidates := selectNew(recent, mark)
	if len(candidates) == 0 {
		return nil
	}
	slog.Info("Poller.checkFeed: new messages", "channel", key, "count", len(candidates), "mark", mark)

	for _, msg := range candidates {
		if msg.Chat.Username == "" {
			msg.Chat = entity
		}
		outcome, err := p.proc.Process(ctx, key, aliases, msg)
		var storageErr *store.StorageError
		if errors.As(err, &storageErr) {
			stats.Failed++
			return err
		}
		switch outcome {
		case OutcomeDuplicate:
			continue
		case OutcomeSent:
			stats.Sent++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeFailed:
			stats.Failed++
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.delay):
		}
	}
	return nil
}

// selectNew keeps posts above mark that this relay did not send itself, oldest first.
func selectNew(recent []models.Message, mark int64) []models.Message {
	var out []models.Message
	for _, m := range recent {
		if m.ID > mark && !m.Out {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
