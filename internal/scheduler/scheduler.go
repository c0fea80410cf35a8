// Package scheduler drives the poll orchestrator on a cron tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// PollSpec fires every minute; the orchestrator itself decides which
	// feeds are due on each tick.
	PollSpec = "* * * * *"

	runTimeout = 15 * time.Minute
)

// Poller is the orchestrator surface the scheduler needs.
type Poller interface {
	RunDue(ctx context.Context)
}

type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	poller Poller
	log    *slog.Logger
}

func New(ctx context.Context, poller Poller, log *slog.Logger) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		poller: poller,
		log:    log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(PollSpec, s.runDue); err != nil {
		return err
	}

	s.cron.Start()

	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) runDue() {
	ctx, cancel := context.WithTimeout(s.ctx, runTimeout)
	defer cancel()

	if ctx.Err() != nil {
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())
		return
	}

	s.poller.RunDue(ctx)
}
