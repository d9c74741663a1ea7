package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@hourly".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// job is a maintenance task run on a cron schedule.
type job struct {
	name string
	expr string
	run  func(ctx context.Context) error
}

// nextCronDuration returns the duration from now until the next fire time
// of expr. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// validateJobs rejects unparseable schedules before anything starts.
func validateJobs(jobs []job) error {
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if _, err := cronParser.Parse(j.expr); err != nil {
			return fmt.Errorf("server: schedule %s %q: %w", j.name, j.expr, err)
		}
	}
	return nil
}

// runJobs starts one timer loop per job. Jobs with an empty schedule are
// skipped. The loops exit when ctx is cancelled.
func runJobs(ctx context.Context, log zerolog.Logger, jobs []job) {
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		go runJob(ctx, log, j)
	}
}

func runJob(ctx context.Context, log zerolog.Logger, j job) {
	d := nextCronDuration(j.expr, time.Now())
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			if err := j.run(ctx); err != nil {
				log.Warn().Err(err).Str("job", j.name).Msg("maintenance job failed")
			} else {
				log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("maintenance job done")
			}
			d = nextCronDuration(j.expr, time.Now())
			if d <= 0 {
				return
			}
			timer.Reset(d)
		}
	}
}
