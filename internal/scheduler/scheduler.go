// Package scheduler provides cron-based scheduling for the in-process sweep
// jobs. Sweeps can also run as standalone binaries under an external cron;
// this wrapper serves deployments that keep everything in one process.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs functions on cron expressions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a scheduler using the standard five-field
// cron syntax. Panicking jobs are recovered so one bad run never kills the
// schedule.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task on the given cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "expr", expr)
	return nil
}

// Stop stops the scheduler; running jobs finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
