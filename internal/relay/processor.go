package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/coordinator"
	"github.com/BTreeMap/RelayPipe/internal/delivery"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/transform"
)

// Outcome is what happened to one candidate message.
type Outcome int

const (
	OutcomeSent Outcome = iota
	// OutcomeSkipped means the message was claimed but had nothing to send.
	OutcomeSkipped
	// OutcomeDuplicate means the claim was refused; another path has or had it.
	OutcomeDuplicate
	// OutcomeFailed means the claim or the delivery failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// Processor runs the claim, transform, deliver, release chain shared by the
// poller and the listener.
type Processor struct {
	coord    *coordinator.Coordinator
	pipeline transform.Pipeline
	engine   *delivery.Engine
	dest     string

	mu       sync.Mutex // guards draining and wg.Add against Drain's Wait
	draining bool
	wg       sync.WaitGroup
	totals   [OutcomeFailed + 1]atomic.Int64
}

// ErrDraining is returned by Process once Drain has been called.
var ErrDraining = errors.New("processor is draining")

// Totals counts outcomes since the processor was created.
type Totals struct {
	Sent      int64
	Skipped   int64
	Duplicate int64
	Failed    int64
}

// Totals returns the outcome counters.
func (p *Processor) Totals() Totals {
	return Totals{
		Sent:      p.totals[OutcomeSent].Load(),
		Skipped:   p.totals[OutcomeSkipped].Load(),
		Duplicate: p.totals[OutcomeDuplicate].Load(),
		Failed:    p.totals[OutcomeFailed].Load(),
	}
}

// NewProcessor creates a Processor delivering to dest.
func NewProcessor(coord *coordinator.Coordinator, pipeline transform.Pipeline, engine *delivery.Engine, dest string) *Processor {
	return &Processor{coord: coord, pipeline: pipeline, engine: engine, dest: dest}
}

// Process handles one message of the feed identified by key.
//
// A refused claim is OutcomeDuplicate with a nil error. A storage failure while
// claiming is OutcomeFailed with a *store.StorageError; callers stop advancing
// that feed. A delivery failure is OutcomeFailed with a *delivery.Error and the
// mark stays advanced.
//
// Once ctx is done or Drain has started no new claims are made. A delivery
// already claimed runs to completion regardless, since its mark has been
// advanced; Drain bounds the wait. A panic while processing is recovered and
// reported as OutcomeFailed.
func (p *Processor) Process(ctx context.Context, key string, aliases []string, msg models.Message) (outcome Outcome, err error) {
	if err := p.enter(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("not claiming %s/%d: %w", key, msg.ID, err)
	}
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Processor.Process: panic recovered", "channel", key, "messageID", msg.ID, "panic", r, "stack", string(debug.Stack()))
			outcome, err = OutcomeFailed, fmt.Errorf("processing %s/%d panicked: %v", key, msg.ID, r)
		}
		p.totals[outcome].Add(1)
	}()

	return p.process(ctx, key, aliases, msg)
}

func (p *Processor) enter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return ErrDraining
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.wg.Add(1)
	return nil
}

func (p *Processor) process(ctx context.Context, key string, aliases []string, msg models.Message) (Outcome, error) {
	claim, err := p.coord.Claim(ctx, key, aliases, msg.ID)
	if errors.Is(err, coordinator.ErrAlreadyProcessed) || errors.Is(err, coordinator.ErrInFlight) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	defer claim.Release()

	text := p.pipeline.Apply(msg.Text, msg.Chat.Username)
	res, err := p.engine.Deliver(context.WithoutCancel(ctx), p.dest, msg, text)
	if err != nil {
		category := delivery.Classify(err)
		attrs := []any{"channel", key, "messageID", msg.ID, "category", category.String(), "hint", delivery.Hint(category), "error", err}
		if category == delivery.CategoryRateLimited {
			slog.Warn("Processor.Process: rate limited, message not retried", attrs...)
		} else {
			slog.Error("Processor.Process: delivery failed", attrs...)
		}
		return OutcomeFailed, err
	}
	if res.Status == delivery.StatusSkipped {
		slog.Info("Processor.Process: nothing to forward", "channel", key, "messageID", msg.ID)
		return OutcomeSkipped, nil
	}

	slog.Info("Processor.Process: forwarded", "channel", key, "messageID", msg.ID, "destIDs", res.MessageIDs, "split", res.Split)
	return OutcomeSent, nil
}

// Drain stops new claims and waits for in-progress messages to finish, up to
// timeout. It reports whether everything finished in time.
func (p *Processor) Drain(timeout time.Duration) bool {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
