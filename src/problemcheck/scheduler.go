package problemcheck

import (
	"context"
	"fmt"
	"time"

	"git.handmade.network/hmn/reviewq/src/jobs"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/utils"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// Cross-process mutual exclusion. *kv.Locker satisfies this.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

const defaultLockTTL = 10 * time.Minute

/*
Runs every ready (check, target) pair. Each pair is locked first so two
processes never run the same check at once, and at most Concurrency pairs
run at the same time.
*/
type Scheduler struct {
	Alarm       *Alarm
	Locker      Locker // optional
	Concurrency int

	// Replaced in tests to skip the retry delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

type RunSummary struct {
	Ran      int
	Problems int
	Skipped  int
}

func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	logger := logging.ExtractLogger(ctx).With().Str("run", uuid.NewString()).Logger()
	ctx = logging.AttachLoggerToContext(&logger, ctx)

	type work struct {
		check  *Check
		target string
	}
	var todo []work
	var summary RunSummary

	now := s.Alarm.now()
	for _, check := range s.Alarm.Registry.All() {
		targets, err := check.targets(ctx)
		if err != nil {
			logger.Error().Err(err).Str("check", check.Identifier).Msg("failed to list problem check targets")
			continue
		}
		for _, target := range targets {
			tracker, err := s.Alarm.Store.Tracker(ctx, check.Identifier, target)
			if err != nil {
				return summary, err
			}
			if !tracker.Ready(now) {
				summary.Skipped++
				continue
			}
			todo = append(todo, work{check: check, target: target})
		}
	}

	results := make([]bool, len(todo)) // true when a problem was recorded
	ran := make([]bool, len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(utils.OrDefault(s.Concurrency, 1))
	for i, w := range todo {
		i, w := i, w
		g.Go(func() error {
			var err error
			ran[i], results[i], err = s.runLocked(gctx, w.check, w.target)
			return err
		})
	}
	err := g.Wait()

	for i := range todo {
		if ran[i] {
			summary.Ran++
		} else {
			summary.Skipped++
		}
		if results[i] {
			summary.Problems++
		}
	}
	logger.Debug().Int("ran", summary.Ran).Int("problems", summary.Problems).Int("skipped", summary.Skipped).Msg("problem checks done")
	return summary, err
}

func (s *Scheduler) runLocked(ctx context.Context, check *Check, target string) (ran bool, problem bool, err error) {
	if s.Locker != nil {
		ttl := check.PerformEvery
		if ttl <= 0 {
			ttl = defaultLockTTL
		}
		release, ok, err := s.Locker.Acquire(ctx, fmt.Sprintf("problem_check:%s:%s", check.Identifier, target), ttl)
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, false, nil
		}
		defer release()
	}

	problem, err = s.Run(ctx, check, target)
	return true, problem, err
}

/*
Runs one check against one target, retrying a failing run, and records the
outcome. Returns whether a problem was recorded. Only errors from recording
are returned; a check that errors is recorded as a problem.
*/
func (s *Scheduler) Run(ctx context.Context, check *Check, target string) (bool, error) {
	logger := logging.ExtractLogger(ctx).With().Str("check", check.Identifier).Str("target", target).Logger()

	b := &backoff.Backoff{
		Min:    check.RetryAfter,
		Max:    10 * check.RetryAfter,
		Factor: 2,
		Jitter: true,
	}

	var problem *Problem
	for attempt := 0; ; attempt++ {
		var err error
		problem, err = runCheck(ctx, check, target)
		if err != nil {
			metrics.ProblemCheckRuns.WithLabelValues(check.Identifier, "error").Inc()
			logger.Warn().Err(err).Int("attempt", attempt).Msg("problem check errored")
			problem = &Problem{Message: err.Error(), Details: map[string]any{"error": true}}
		}
		if problem == nil || attempt >= check.MaxRetries {
			break
		}
		if err := s.sleep(ctx, b.Duration()); err != nil {
			return false, err
		}
	}

	if problem == nil {
		metrics.ProblemCheckRuns.WithLabelValues(check.Identifier, "ok").Inc()
		_, err := s.Alarm.RecordSuccess(ctx, check.Identifier, target)
		return false, err
	}

	metrics.ProblemCheckRuns.WithLabelValues(check.Identifier, "problem").Inc()
	logger.Info().Str("problem", problem.Message).Msg("problem check failed")
	_, err := s.Alarm.RecordProblem(ctx, check.Identifier, target, *problem)
	return true, err
}

func runCheck(ctx context.Context, check *Check, target string) (problem *Problem, err error) {
	defer utils.RecoverPanicAsError(&err)
	return check.Run(ctx, target)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return utils.SleepContext(ctx, d)
}

func (s *Scheduler) Job(interval time.Duration) *jobs.Job {
	return jobs.Periodic("problem checks", interval, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}
