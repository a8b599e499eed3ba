// Package scheduler provides an optional in-process driver that periodically
// re-triggers the orchestrator for active jobs, standing in for an external
// scheduler or a polling client in deployments that have neither.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"marketcache/internal/batch"
)

type Scheduler struct {
	cron    *cron.Cron
	jobs    *batch.Service
	orch    *batch.Orchestrator
	timeout time.Duration
}

// New creates a Scheduler. The timeout bounds one tick's work and should
// exceed the orchestrator window so a tick never cancels a healthy batch.
func New(jobs *batch.Service, orch *batch.Orchestrator, timeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		jobs:    jobs,
		orch:    orch,
		timeout: timeout,
	}
}

// Register adds the advance tick at the given cron spec (e.g. "@every 30s").
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, s.tick)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		slog.Error("scheduler: list active jobs", "error", err)
		return
	}

	for _, j := range jobs {
		if _, err := s.orch.Advance(ctx, j.ID); err != nil {
			slog.Error("scheduler: advance job", "job", j.ID, "error", err)
		}
	}
}
