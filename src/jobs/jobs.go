package jobs

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/utils"
	"github.com/rs/zerolog"
)

/*
Background work in reviewq (the problem-check scheduler, the counter
reconciler, the metrics server) runs as Jobs. A Job owns a cancelable context
with a logger attached, and signals through Finished when its goroutine has
actually returned. Shutdown cancels every job and waits for them, with a
timeout, via Jobs.CancelAndWait.
*/
type Job struct {
	Name   string
	Ctx    context.Context
	Logger *zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string) *Job {
	logger := logging.With().Str("job", name).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.AttachLoggerToContext(&logger, ctx)
	return &Job{
		Name:   name,
		Ctx:    ctx,
		Logger: &logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// A job that has already finished. Handy when a feature is disabled by config
// but the caller still wants something to put in its Jobs list.
func Noop() *Job {
	job := New("noop")
	job.Finish()
	return job
}

// Tells the job to wrap up. Called from outside the job.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) Canceled() <-chan struct{} {
	return j.Ctx.Done()
}

// Called by the job's own goroutine once it is completely done.
func (j *Job) Finish() *Job {
	close(j.done)
	return j
}

func (j *Job) Finished() <-chan struct{} {
	return j.done
}

/*
Runs fn immediately and then once per interval until the job is canceled.
Panics inside fn are recovered and logged like errors; neither stops the loop.
*/
func Periodic(name string, interval time.Duration, fn func(ctx context.Context) error) *Job {
	job := New(name)
	go func() {
		defer job.Finish()
		job.Logger.Debug().Dur("interval", interval).Msg("starting periodic job")

		ticker := utils.NewInstaTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				err := runOnce(job.Ctx, fn)
				if err != nil && job.Ctx.Err() == nil {
					job.Logger.Error().Err(err).Msg("periodic job run failed")
				}
			case <-job.Canceled():
				job.Logger.Debug().Msg("shutting down periodic job")
				return
			}
		}
	}()
	return job
}

func runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer utils.RecoverPanicAsError(&err)
	return fn(ctx)
}

// Slice syntax works for building one of these.
type Jobs []*Job

// Cancels every job and waits until they all finish or the timeout expires.
// Returns the names of the jobs that did not finish in time.
func (jobs Jobs) CancelAndWait(timeout time.Duration) []string {
	for _, job := range jobs {
		job.Cancel()
	}

	allDone := make(chan struct{})
	go func() {
		for _, job := range jobs {
			<-job.Finished()
		}
		close(allDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-allDone:
		return nil
	case <-timer.C:
		return jobs.ListUnfinished()
	}
}

func (jobs Jobs) ListUnfinished() []string {
	var unfinished []string
	for _, job := range jobs {
		select {
		case <-job.Finished():
		default:
			unfinished = append(unfinished, job.Name)
		}
	}
	return unfinished
}
