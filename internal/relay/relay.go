// Package relay wires the listener and the poller to a shared coordinator and
// runs them until shutdown.
//
// Both discovery paths feed the same Processor, which claims a message through
// the coordinator (advancing the high-water mark), transforms its text and
// delivers it. A message is forwarded at most once even when both paths see it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/coordinator"
	"github.com/BTreeMap/RelayPipe/internal/delivery"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/scheduler"
	"github.com/BTreeMap/RelayPipe/internal/store"
	"github.com/BTreeMap/RelayPipe/internal/transform"
	"golang.org/x/sync/errgroup"
)

// Default timing for the relay loop
const (
	DefaultPollInterval  = 30 * time.Second
	DefaultFetchWindow   = 10
	DefaultMessageDelay  = 2 * time.Second
	DefaultCooldown      = 60 * time.Second
	DefaultShutdownGrace = 5 * time.Second

	// DefaultReportSchedule is when cumulative totals are logged.
	DefaultReportSchedule = "@hourly"
)

// Opts holds configuration options for the relay.
type Opts struct {
	Sources        []string
	Destination    string
	Pipeline       transform.Pipeline
	PollInterval   time.Duration
	FetchWindow    int
	MessageDelay   time.Duration
	Cooldown       time.Duration
	ShutdownGrace  time.Duration
	SendInterval   time.Duration
	CaptionLimit   int // <= 0 keeps delivery.DefaultCaptionLimit
	AccessCheck    bool
	ReportSchedule string // cron expression; empty disables the report
}

// Option defines a configuration option for the relay.
type Option func(*Opts)

// WithSources sets the source feed handles.
func WithSources(handles ...string) Option {
	return func(o *Opts) {
		o.Sources = append(o.Sources, handles...)
	}
}

// WithDestination sets the destination feed.
func WithDestination(dest string) Option {
	return func(o *Opts) {
		o.Destination = dest
	}
}

// WithPipeline sets the text transform rules.
func WithPipeline(p transform.Pipeline) Option {
	return func(o *Opts) {
		o.Pipeline = p
	}
}

// WithPollInterval sets how often the poller runs.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithFetchWindow sets how many recent posts the poller inspects per feed.
func WithFetchWindow(n int) Option {
	return func(o *Opts) {
		o.FetchWindow = n
	}
}

// WithMessageDelay sets the pause after each claimed message in a poll.
func WithMessageDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.MessageDelay = d
	}
}

// WithCooldown sets the pause after a failed poll iteration.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.Cooldown = d
	}
}

// WithShutdownGrace bounds how long shutdown waits for in-flight deliveries.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownGrace = d
	}
}

// WithSendInterval sets the spacing between outbound platform calls.
func WithSendInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.SendInterval = d
	}
}

// WithCaptionLimit sets the destination's media caption limit, in characters.
func WithCaptionLimit(n int) Option {
	return func(o *Opts) {
		o.CaptionLimit = n
	}
}

// WithAccessCheck enables or disables the startup access probe.
func WithAccessCheck(enabled bool) Option {
	return func(o *Opts) {
		o.AccessCheck = enabled
	}
}

// WithReportSchedule sets the cron schedule of the totals report. Empty disables it.
func WithReportSchedule(expr string) Option {
	return func(o *Opts) {
		o.ReportSchedule = expr
	}
}

func defaultOpts() Opts {
	return Opts{
		PollInterval:   DefaultPollInterval,
		FetchWindow:    DefaultFetchWindow,
		MessageDelay:   DefaultMessageDelay,
		Cooldown:       DefaultCooldown,
		ShutdownGrace:  DefaultShutdownGrace,
		SendInterval:   delivery.DefaultSendInterval,
		AccessCheck:    true,
		ReportSchedule: DefaultReportSchedule,
		Pipeline:       transform.Pipeline{MinTagLength: transform.DefaultMinTagLength},
	}
}

// Relay owns one coordinator shared by its listener and poller.
type Relay struct {
	cfg      Opts
	source   messaging.Service
	sink     messaging.Sink
	coord    *coordinator.Coordinator
	proc     *Processor
	poller   *Poller
	listener *Listener
	sched    *scheduler.Scheduler
}

// New builds a relay reading from source and writing to sink. sink may be
// source itself when the destination lives on the same platform.
func New(source messaging.Service, sink messaging.Sink, marks *store.DedupStore, opts ...Option) (*Relay, error) {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no source feeds configured")
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("no destination feed configured")
	}
	if cfg.FetchWindow <= 0 {
		cfg.FetchWindow = DefaultFetchWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReportSchedule != "" {
		if err := scheduler.Validate(cfg.ReportSchedule); err != nil {
			return nil, err
		}
	}
	if sink == nil {
		sink = source
	}

	coord := coordinator.New(marks)
	engineOpts := []delivery.Option{delivery.WithSendInterval(cfg.SendInterval)}
	if cfg.CaptionLimit > 0 {
		engineOpts = append(engineOpts, delivery.WithCaptionLimit(cfg.CaptionLimit))
	}
	engine := delivery.NewEngine(sink, engineOpts...)
	proc := NewProcessor(coord, cfg.Pipeline, engine, cfg.Destination)

	slog.Debug("relay.New: configured", "sources", cfg.Sources, "destination", cfg.Destination, "pollInterval", cfg.PollInterval)
	return &Relay{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		coord:    coord,
		proc:     proc,
		poller:   NewPoller(source, marks, proc, cfg),
		listener: NewListener(proc),
	}, nil
}

// CheckOnce runs a single poll iteration.
func (r *Relay) CheckOnce(ctx context.Context) (PollStats, error) {
	return r.poller.CheckOnce(ctx)
}

// InFlight returns the number of messages currently claimed.
func (r *Relay) InFlight() int {
	return r.coord.InFlight()
}

// Totals returns the outcome counters of both discovery paths combined.
func (r *Relay) Totals() Totals {
	return r.proc.Totals()
}

func (r *Relay) report() {
	t := r.proc.Totals()
	slog.Info("Relay.report: totals", "sent", t.Sent, "skipped", t.Skipped, "duplicate", t.Duplicate, "failed", t.Failed, "inFlight", r.coord.InFlight())
}

// Run probes the destination, catches up with one poll, subscribes the
// listener and polls until ctx is done. It then waits for in-flight deliveries
// (bounded by the shutdown grace) and stops the platform clients. Run returns
// once shutdown is done even if a delivery is still blocked; that delivery is
// abandoned.
func (r *Relay) Run(ctx context.Context) error {
	if r.cfg.ReportSchedule != "" {
		r.sched = scheduler.New()
		if err := r.sched.AddJob("report", r.cfg.ReportSchedule, r.report); err != nil {
			return err
		}
		r.sched.Start()
	}

	var g errgroup.Group
	g.Go(func() error {
		return r.serve(ctx)
	})

	<-ctx.Done()
	shutdownErr := r.shutdown()

	served := make(chan error, 1)
	go func() { served <- g.Wait() }()
	select {
	case err := <-served:
		return errors.Join(err, shutdownErr)
	case <-time.After(r.cfg.ShutdownGrace):
		slog.Warn("Relay.Run: discovery still busy after shutdown, abandoning it", "inFlight", r.coord.InFlight())
		return shutdownErr
	}
}

// serve runs the startup sequence and then the poll loop until ctx is done.
func (r *Relay) serve(ctx context.Context) error {
	if r.cfg.AccessCheck {
		CheckAccess(ctx, r.sink, r.cfg.Destination)
	}

	stats, err := r.poller.CheckOnce(ctx)
	if err != nil {
		slog.Error("Relay.Run: initial poll failed", "error", err)
	} else {
		slog.Info("Relay.Run: initial poll done", "feeds", stats.Feeds, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed)
	}
	if ctx.Err() != nil {
		return nil
	}

	if err := r.source.Subscribe(ctx, r.cfg.Sources, r.listener.Handle); err != nil {
		// The poller still covers every resolvable feed.
		slog.Error("Relay.Run: live subscription failed, continuing with polling only", "error", err)
	}
	return r.poller.Run(ctx)
}

type stopper interface {
	Stop() error
}

func (r *Relay) shutdown() error {
	slog.Info("Relay.shutdown: waiting for in-flight deliveries", "inFlight", r.coord.InFlight(), "grace", r.cfg.ShutdownGrace)
	if !r.proc.Drain(r.cfg.ShutdownGrace) {
		slog.Warn("Relay.shutdown: grace period expired with deliveries outstanding", "inFlight", r.coord.InFlight())
	}

	if r.sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
		if err := r.sched.Stop(ctx); err != nil {
			slog.Warn("Relay.shutdown: scheduler stop", "error", err)
		}
		cancel()
	}
	r.report()

	stops := []stopper{r.source}
	if s, ok := r.sink.(stopper); ok && s != stopper(r.source) {
		stops = append(stops, s)
	}
	for _, s := range stops {
		done := make(chan error, 1)
		go func() { done <- s.Stop() }()
		select {
		case err := <-done:
			if err != nil {
				slog.Error("Relay.shutdown: platform stop failed", "error", err)
			}
		case <-time.After(r.cfg.ShutdownGrace):
			slog.Warn("Relay.shutdown: platform stop timed out")
		}
	}
	slog.Info("Relay.shutdown: done")
	return nil
}
