package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration returns the duration from now until the next fire time
// of sched. Never negative.
func nextCronDuration(sched cron.Schedule, now time.Time) time.Duration {
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Janitor periodically closes threads that have been idle for too long.
type Janitor struct {
	resolver  *Resolver
	schedule  cron.Schedule
	idleAfter time.Duration
	now       func() time.Time
}

// JanitorOpts configures a Janitor.
type JanitorOpts struct {
	Resolver  *Resolver
	Schedule  string // 5-field cron expression
	IdleAfter time.Duration
	Now       func() time.Time
}

// NewJanitor validates opts and returns a Janitor.
func NewJanitor(opts JanitorOpts) (*Janitor, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("conversation: resolver is required")
	}
	if opts.IdleAfter <= 0 {
		return nil, fmt.Errorf("conversation: idle_after must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("conversation: parse schedule %q: %w", opts.Schedule, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Janitor{resolver: opts.Resolver, schedule: sched, idleAfter: opts.IdleAfter, now: now}, nil
}

// Sweep closes idle threads once.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	return j.resolver.CloseIdle(ctx, j.now().Add(-j.idleAfter))
}

// Run sweeps on every schedule tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	timer := time.NewTimer(nextCronDuration(j.schedule, j.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("janitor sweep")
			} else if n > 0 {
				log.Info().Int64("closed", n).Msg("janitor closed idle threads")
			}
			timer.Reset(nextCronDuration(j.schedule, j.now()))
		}
	}
}
