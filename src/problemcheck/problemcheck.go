package problemcheck

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/notify"
)

var (
	ErrUnknownCheck   = errors.New("no problem check with that identifier")
	ErrDuplicateCheck = errors.New("a problem check with that identifier is already registered")
)

// What a failing check found.
type Problem struct {
	Message string
	Details map[string]any
}

/*
A health check that raises an admin notice once it has failed more than
MaxBlips times in a row. A run that finds a problem is retried up to
MaxRetries times, RetryAfter apart (backing off), before the failure counts
as a blip.
*/
type Check struct {
	Identifier   string
	MaxBlips     int
	PerformEvery time.Duration
	MaxRetries   int
	RetryAfter   time.Duration
	Priority     models.NoticePriority

	// The targets to run against, e.g. one per queue. Nil runs once with an
	// empty target.
	Targets func(ctx context.Context) ([]string, error)
	// Returns nil when all is well. An error means the check itself could
	// not run and is treated like a problem.
	Run func(ctx context.Context, target string) (*Problem, error)
}

func (c *Check) targets(ctx context.Context) ([]string, error) {
	if c.Targets == nil {
		return []string{""}, nil
	}
	return c.Targets(ctx)
}

type Registry struct {
	mu     sync.RWMutex
	checks map[string]*Check
	order  []string
}

func NewRegistry(checks ...*Check) (*Registry, error) {
	r := &Registry{checks: make(map[string]*Check)}
	for _, c := range checks {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c *Check) error {
	if c.Identifier == "" || c.Run == nil {
		return fmt.Errorf("problem check needs an identifier and a Run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[c.Identifier]; exists {
		return ErrDuplicateCheck
	}
	r.checks[c.Identifier] = c
	r.order = append(r.order, c.Identifier)
	return nil
}

func (r *Registry) Get(identifier string) (*Check, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[identifier]
	if !ok {
		return nil, ErrUnknownCheck
	}
	return c, nil
}

// In registration order.
func (r *Registry) All() []*Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Check, len(r.order))
	for i, id := range r.order {
		res[i] = r.checks[id]
	}
	return res
}

/*
Tracks consecutive failures per (check, target) and raises or clears the
matching admin notice. Blips are counted in the database with a single
statement per run, so concurrent runs cannot lose one.
*/
type Alarm struct {
	Store    Store
	Registry *Registry
	Notify   notify.Dispatcher // optional
	Now      func() time.Time
}

func (a *Alarm) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// Records a failed run. Once blips exceed the check's threshold an admin
// notice exists for the pair; recording more problems does not duplicate it.
func (a *Alarm) RecordProblem(ctx context.Context, identifier, target string, problem Problem) (*models.ProblemCheckTracker, error) {
	check, err := a.Registry.Get(identifier)
	if err != nil {
		return nil, err
	}

	now := a.now()
	details := maps.Clone(problem.Details)
	if details == nil {
		details = map[string]any{}
	}
	if problem.Message != "" {
		details["message"] = problem.Message
	}

	tracker, err := a.Store.RecordProblem(ctx, identifier, target, details, now, now.Add(check.PerformEvery))
	if err != nil {
		return nil, err
	}

	if tracker.Blips > check.MaxBlips {
		created, err := a.Store.CreateNotice(ctx, &models.AdminNotice{
			Subject:    "problem",
			Priority:   check.Priority,
			Identifier: identifier,
			Target:     target,
			Details:    details,
		})
		if err != nil {
			return nil, err
		}
		if created {
			metrics.AdminNoticesRaised.WithLabelValues(identifier).Inc()
			logging.ExtractLogger(ctx).Warn().
				Str("check", identifier).
				Str("target", target).
				Int("blips", tracker.Blips).
				Str("problem", problem.Message).
				Msg("raised admin notice")
			notify.Fire(ctx, a.Notify, notify.Event{
				Type:    notify.AdminNoticeRaised,
				Channel: notify.ChannelAdminNotices,
				Subject: identifier,
				Data:    map[string]any{"target": target, "details": details},
			})
		}
	}
	return tracker, nil
}

// Records a passing run and clears any open notice.
func (a *Alarm) RecordSuccess(ctx context.Context, identifier, target string) (*models.ProblemCheckTracker, error) {
	check, err := a.Registry.Get(identifier)
	if err != nil {
		return nil, err
	}

	now := a.now()
	tracker, err := a.Store.RecordSuccess(ctx, identifier, target, now, now.Add(check.PerformEvery))
	if err != nil {
		return nil, err
	}

	deleted, err := a.Store.DeleteNotice(ctx, identifier, target)
	if err != nil {
		return nil, err
	}
	if deleted {
		logging.ExtractLogger(ctx).Info().Str("check", identifier).Str("target", target).Msg("cleared admin notice")
		notify.Fire(ctx, a.Notify, notify.Event{
			Type:    notify.AdminNoticeCleared,
			Channel: notify.ChannelAdminNotices,
			Subject: identifier,
			Data:    map[string]any{"target": target},
		})
	}
	return tracker, nil
}

func (a *Alarm) Notices(ctx context.Context) ([]*models.AdminNotice, error) {
	return a.Store.Notices(ctx)
}
