// Package ingest drives a job through rounds of concurrent fetch and store
// workers until the requested sequence range is durably stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Config holds the per-deployment engine settings.
type Config struct {
	PageSize    int           // IDs per window, at most source.MaxPageSize
	Parallelism int           // windows per round
	RoundDelay  time.Duration // pause between rounds
	Fetch       RetryPolicy
	Store       RetryPolicy
}

// Validate checks the engine settings.
func (c Config) Validate() error {
	if c.PageSize < 1 || c.PageSize > source.MaxPageSize {
		return fmt.Errorf("%w: page size %d not in [1, %d]", ErrPrecondition, c.PageSize, source.MaxPageSize)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism %d", ErrPrecondition, c.Parallelism)
	}
	if c.RoundDelay < 0 {
		return fmt.Errorf("%w: round delay %s", ErrPrecondition, c.RoundDelay)
	}
	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch policy: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store policy: %w", err)
	}
	return nil
}

// Controller runs jobs. It holds no job state between calls to Run.
type Controller struct {
	cfg        Config
	env        Env
	checkpoint checkpoint.Manager
	catalog    catalog.Writer
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithCheckpoint saves a checkpoint after every stored round.
func WithCheckpoint(m checkpoint.Manager) Option {
	return func(c *Controller) { c.checkpoint = m }
}

// WithCatalog records every stored window and run state in w.
func WithCatalog(w catalog.Writer) Option {
	return func(c *Controller) { c.catalog = w }
}

// NewController creates a controller. env.Source and env.Store are
// required.
func NewController(cfg Config, env Env, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.Source == nil || env.Store == nil {
		return nil, fmt.Errorf("%w: source and store are required", ErrPrecondition)
	}
	env.Log = logging.Component(env.logger(), "ingest")

	c := &Controller{
		cfg:        cfg,
		env:        env,
		checkpoint: checkpoint.NoopManager(),
		catalog:    catalog.NoopWriter(),
		log:        env.Log,
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run processes [state.First, state.Last] round by round. On success it
// returns a completed descriptor. Any fatal error is returned as a
// *RoundError carrying the last durable cursor; there is no partial-success
// descriptor.
func (c *Controller) Run(ctx context.Context, state JobState) (CompletionDescriptor, error) {
	state, err := state.normalize()
	if err != nil {
		return CompletionDescriptor{}, err
	}

	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	log := logging.RunLogger(c.log, runID, state.Symbol)
	env := c.env
	env.Log = log
	barrier := NewBarrier(env)

	log.Info("starting job",
		"name", state.Name,
		"first", state.First,
		"last", state.Last,
		"cursor", state.Cursor,
		"page_size", c.cfg.PageSize,
		"parallelism", c.cfg.Parallelism,
	)
	c.env.Alerts.Alertf(ctx, "start %s [%d-%d] from %d", state.Symbol, state.First, state.Last, state.Cursor+1)
	c.recordRun(ctx, runID, state, "running", nil)

	started := c.now()
	var records int
	rounds := 0

	for {
		windows, err := window.NextWindows(state.Cursor, c.cfg.PageSize, state.Last, c.cfg.Parallelism)
		if err != nil {
			return CompletionDescriptor{}, err
		}
		span := window.Span(windows)

		if err := ctx.Err(); err != nil {
			return CompletionDescriptor{}, c.fail(ctx, log, runID, state, span, err)
		}

		res, err := barrier.RunRound(ctx, windows, state.Symbol, c.cfg.Fetch, c.cfg.Store)
		if err != nil {
			return CompletionDescriptor{}, c.fail(ctx, log, runID, state, span, err)
		}

		state.Cursor = span.To
		rounds++
		records += res.Records
		c.roundStored(ctx, log, runID, state, res)

		if elapsed := c.now().Sub(started).Seconds(); elapsed > 0 {
			c.env.Metrics.SetRecordsPerSecond(state.Symbol, float64(records)/elapsed)
		}

		if state.Cursor >= state.Last {
			break
		}

		if err := c.sleep(ctx, c.cfg.RoundDelay); err != nil {
			next := window.Window{From: state.Cursor + 1, To: state.Last}
			return CompletionDescriptor{}, c.fail(ctx, log, runID, state, next, err)
		}
	}

	log.Info("job completed",
		"rounds", rounds,
		"records", records,
		"duration", c.now().Sub(started).String(),
	)
	c.env.Alerts.Alertf(ctx, "completed %s [%d-%d]: %d rounds, %d records",
		state.Symbol, state.First, state.Last, rounds, records)
	c.recordRun(ctx, runID, state, StateCompleted, nil)

	return CompletionDescriptor{
		Name:       state.Name,
		First:      state.First,
		Last:       state.Last,
		State:      StateCompleted,
		InvokeNext: state.InvokeNext,
	}, nil
}

// roundStored publishes progress for a stored round. Failures here are
// logged and never affect the job.
func (c *Controller) roundStored(ctx context.Context, log *slog.Logger, runID string, state JobState, res RoundResult) {
	span := res.Span()
	c.env.Metrics.IncRoundsCompleted(state.Symbol)
	c.env.Metrics.ObserveRoundDuration(state.Symbol, res.Duration.Seconds())
	c.env.Metrics.SetLastCursor(state.Symbol, state.Cursor)

	for i, w := range res.Windows {
		s := res.Stored[i]
		c.env.Metrics.ObserveWindowStored(state.Symbol, s.Records, s.Bytes)
		err := c.catalog.RecordWindow(ctx, catalog.WindowRecord{
			Symbol:          state.Symbol,
			From:            w.From,
			To:              w.To,
			Key:             s.Key,
			URI:             c.env.Store.URI(s.Key),
			Records:         s.Records,
			Bytes:           s.Bytes,
			Checksum:        s.Checksum,
			RunID:           runID,
			ProducerVersion: fmt.Sprintf("executions-copier@%s", Version),
		})
		if err != nil {
			log.Warn("failed to record window in catalog", "key", s.Key, "error", err)
			c.env.Metrics.IncCatalogErrors(state.Symbol)
		}
	}

	last := res.Stored[len(res.Stored)-1]
	cp := &checkpoint.Checkpoint{
		RunID:  runID,
		Name:   state.Name,
		Symbol: state.Symbol,
		First:  state.First,
		Last:   state.Last,
		Cursor: state.Cursor,
		LastWindow: &checkpoint.WindowInfo{
			From:     res.Windows[len(res.Windows)-1].From,
			To:       res.Windows[len(res.Windows)-1].To,
			Key:      last.Key,
			Checksum: last.Checksum,
		},
		UpdatedAt: c.now().UTC(),
	}
	if err := c.checkpoint.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "cursor", state.Cursor, "error", err)
	}

	log.Info("round stored",
		"round_from", span.From,
		"round_to", span.To,
		"windows", len(res.Windows),
		"records", res.Records,
		"bytes", res.Bytes,
		"cursor", state.Cursor,
		"duration", res.Duration.String(),
	)
}

// fail reports a job-ending error and wraps it with the resume cursor.
func (c *Controller) fail(ctx context.Context, log *slog.Logger, runID string, state JobState, span window.Window, err error) error {
	rerr := &RoundError{Cursor: state.Cursor, From: span.From, To: span.To, Err: err}

	c.env.Metrics.IncRoundsFailed(state.Symbol)
	logging.Critical(log, "job failed",
		"round_from", span.From,
		"round_to", span.To,
		"cursor", state.Cursor,
		"resume_from", rerr.ResumeFrom(),
		"error", err,
	)
	if !errors.Is(err, context.Canceled) {
		c.env.Alerts.Alertf(ctx, "failed %s [%d-%d] at round %s, resume from %d: %v",
			state.Symbol, state.First, state.Last, span, rerr.ResumeFrom(), err)
	}
	c.recordRun(ctx, runID, state, StateFailed, err)
	return rerr
}

func (c *Controller) recordRun(ctx context.Context, runID string, state JobState, status string, runErr error) {
	rec := catalog.RunRecord{
		RunID:  runID,
		Name:   state.Name,
		Symbol: state.Symbol,
		First:  state.First,
		Last:   state.Last,
		Cursor: state.Cursor,
		State:  status,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := c.catalog.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		c.log.Warn("failed to record run in catalog", "run_id", runID, "error", err)
		c.env.Metrics.IncCatalogErrors(state.Symbol)
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
