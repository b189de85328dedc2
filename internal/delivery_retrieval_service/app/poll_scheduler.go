package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller runs one polling pass.
type Poller interface {
	PollPending(ctx context.Context) (PollSummary, error)
}

// PollScheduler runs PollPending on a cron schedule. Runs never overlap.
type PollScheduler struct {
	poller  Poller
	spec    string
	timeout time.Duration
	logger  *slog.Logger
	c       *cron.Cron
}

// NewPollScheduler validates spec ("@every 1m", "*/5 * * * *", ...). Each run is bounded by timeout.
func NewPollScheduler(poller Poller, spec string, timeout time.Duration, logger *slog.Logger) (*PollScheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &PollScheduler{
		poller:  poller,
		spec:    spec,
		timeout: timeout,
		logger:  logger.With("component", "poll_scheduler"),
		c:       cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Run schedules polling and blocks until ctx is done, then waits for a running pass to finish.
func (s *PollScheduler) Run(ctx context.Context) error {
	if _, err := s.c.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Poll scheduler started", "schedule", s.spec)
	s.c.Start()
	<-ctx.Done()
	<-s.c.Stop().Done()
	s.logger.Info("Poll scheduler stopped")
	return nil
}

func (s *PollScheduler) runOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if _, err := s.poller.PollPending(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Poll run failed", "error", err)
	}
}
