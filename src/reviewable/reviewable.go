package reviewable

import (
	"context"
	"errors"
	"strconv"
	"time"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/flags"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/notify"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/scoring"
	"git.handmade.network/hmn/reviewq/src/validation"
)

var (
	ErrNotFound         = errors.New("reviewable not found")
	ErrForbidden        = errors.New("only staff can review")
	ErrInvalidAction    = errors.New("unknown reviewable action")
	ErrAlreadyClaimed   = errors.New("reviewable is claimed by someone else")
	ErrNotClaimer       = errors.New("reviewable is not claimed by you")
	ErrClaimingDisabled = errors.New("claiming is disabled")
	ErrFlagNotAllowed   = errors.New("that flag cannot be used here")
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionIgnore  Action = "ignore"
)

var actionStatuses = map[Action]models.ReviewableStatus{
	ActionApprove: models.ReviewableApproved,
	ActionReject:  models.ReviewableRejected,
	ActionIgnore:  models.ReviewableIgnored,
}

var actionAudits = map[Action]string{
	ActionApprove: auditlog.ActionApproveReviewable,
	ActionReject:  auditlog.ActionRejectReviewable,
	ActionIgnore:  auditlog.ActionIgnoreReviewable,
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actionStatuses[a]; !ok {
		return "", ErrInvalidAction
	}
	return a, nil
}

// What pending scores become when their reviewable reaches a final status.
var ScoreTransitions = map[models.ReviewableStatus]models.ScoreStatus{
	models.ReviewableApproved: models.ScoreAgreed,
	models.ReviewableRejected: models.ScoreDisagreed,
	models.ReviewableIgnored:  models.ScoreIgnored,
}

// The per-day flag limit. *counters.DailyLimiter satisfies this.
type Limiter interface {
	Hit(ctx context.Context, user *models.User) error
	Rollback(ctx context.Context, user *models.User) error
}

/*
The moderation queue. A reviewable starts pending and leaves pending only
through Perform. Every write to status or claimed_by is a conditional UPDATE,
so two moderators acting on the same item at once cannot both succeed: one
wins and the other gets queuegate.ErrStaleTransition and should re-read.
*/
type Machine struct {
	Store    Store
	Catalog  *flags.Catalog
	Handlers map[models.TargetKind]TargetHandler

	// Optional.
	Limiter Limiter
	Notify  notify.Dispatcher
	Audit   auditlog.Sink

	Claiming    config.ClaimingMode
	Sensitivity scoring.Sensitivity
	Thresholds  scoring.Thresholds

	Now func() time.Time
}

func NewMachine(store Store, catalog *flags.Catalog, cfg config.ModerationConfig) (*Machine, error) {
	sensitivity, err := scoring.ParseSensitivity(cfg.HidePostSensitivity)
	if err != nil {
		return nil, err
	}
	return &Machine{
		Store:       store,
		Catalog:     catalog,
		Handlers:    DefaultHandlers(),
		Claiming:    cfg.Claiming,
		Sensitivity: sensitivity,
		Thresholds: scoring.Thresholds{
			Medium: cfg.MediumPriorityMinScore,
			High:   cfg.HighPriorityMinScore,
		},
	}, nil
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) Get(ctx context.Context, id int64) (*models.Reviewable, error) {
	return m.Store.Get(ctx, id)
}

// Pending reviewables at or above a priority, highest score first.
func (m *Machine) Pending(ctx context.Context, minPriority scoring.Priority, limit int) ([]*models.Reviewable, error) {
	status := models.ReviewablePending
	return m.Store.List(ctx, Filter{
		Status:   &status,
		MinScore: m.Thresholds.MinScore(minPriority),
		Limit:    limit,
	})
}

func (m *Machine) History(ctx context.Context, id int64) ([]*models.ReviewableHistory, error) {
	return m.Store.History(ctx, id)
}

type FlagOptions struct {
	Message *string
	// Staff only. Adds the take-action bonus and hides the post right away.
	TakeAction bool
}

type FlagResult struct {
	Reviewable *models.Reviewable
	Score      *models.ReviewableScore
	Created    bool
	Hidden     bool
}

/*
Records a flag against a target. The reviewable for the target is found or
created, the flagger's score is recorded, and the aggregate score is
recomputed. A flag with the auto-action capability hides a post once the
aggregate reaches the hide threshold. A flag on an already reviewed item puts
it back in the queue.

Returns scoring.ErrDuplicateScore if the user already has a pending flag of
the same kind on the target, and counters.ErrRateLimited when the user is out
of flags for the day.
*/
func (m *Machine) Flag(ctx context.Context, actor *models.User, target models.Target, flagKey string, opts FlagOptions) (*FlagResult, error) {
	flag, err := m.Catalog.Lookup(flagKey)
	if err != nil {
		return nil, err
	}
	if err := m.checkFlag(actor, target, flag, opts); err != nil {
		return nil, err
	}

	if m.Limiter != nil {
		if err := m.Limiter.Hit(ctx, actor); err != nil {
			return nil, err
		}
	}

	now := m.now()
	res := &FlagResult{}
	reopened := false
	err = m.Store.InTx(ctx, func(tx Store) error {
		r, created, err := tx.FindOrCreate(ctx, target, actor.ID)
		if err != nil {
			return err
		}
		res.Reviewable, res.Created = r, created

		if created {
			err := tx.AppendHistory(ctx, &models.ReviewableHistory{
				ReviewableID: r.ID,
				HistoryType:  models.HistoryCreated,
				Status:       models.ReviewablePending,
				CreatedByID:  actor.ID,
			})
			if err != nil {
				return err
			}
		} else if r.Status != models.ReviewablePending {
			if err := m.reopen(ctx, tx, r, actor); err != nil {
				return err
			}
			reopened = true
		}

		stats, err := tx.UserStats(ctx, actor.ID)
		if err != nil {
			return err
		}
		total, bonus := scoring.CalculateScore(actor, stats, flag.ScoreBonus, opts.TakeAction)
		score, err := scoring.RecordScore(ctx, tx, r.ID, actor.ID, flag.ID, flag.Key, total-bonus, bonus, opts.Message)
		if err != nil {
			return err
		}
		res.Score = score

		scores, err := tx.ListScores(ctx, r.ID)
		if err != nil {
			return err
		}
		r.Score = scoring.Aggregate(scores)
		r.LatestScoreAt = &now
		if err := tx.SetScore(ctx, r.ID, r.Score, now); err != nil {
			return err
		}

		if target.Kind == models.TargetPost && flag.Has(flags.AutoActionType) &&
			(opts.TakeAction || r.Score >= m.ScoreToHide()) {
			hidden, err := tx.HidePost(ctx, target.ID, now)
			if err != nil {
				return err
			}
			res.Hidden = hidden
		}
		return nil
	})
	if err != nil {
		if m.Limiter != nil {
			if rbErr := m.Limiter.Rollback(ctx, actor); rbErr != nil {
				logging.ExtractLogger(ctx).Error().Err(rbErr).Msg("failed to roll back flag limit")
			}
		}
		return nil, err
	}

	r := res.Reviewable
	subject := subjectOf(r)
	if res.Created {
		notify.Fire(ctx, m.Notify, notify.Event{
			Type:    notify.ReviewableCreated,
			ActorID: actor.ID,
			Subject: subject,
			Data:    map[string]any{"target": r.Target().String(), "score": r.Score},
		})
	}
	if reopened {
		notify.Fire(ctx, m.Notify, notify.Event{
			Type:    notify.ReviewableTransitioned,
			ActorID: actor.ID,
			Subject: subject,
			Data:    map[string]any{"status": models.ReviewablePending.String()},
		})
	}
	notify.Fire(ctx, m.Notify, notify.Event{
		Type:    notify.ReviewableScored,
		ActorID: actor.ID,
		Subject: subject,
		Data: map[string]any{
			"flag":     flag.Key,
			"score":    r.Score,
			"priority": m.Thresholds.PriorityFor(r.Score).String(),
		},
	})
	if res.Hidden {
		metrics.PostsAutoHidden.Inc()
		notify.Fire(ctx, m.Notify, notify.Event{
			Type:    notify.PostHidden,
			ActorID: actor.ID,
			Subject: r.Target().String(),
		})
	}
	return res, nil
}

// The aggregate score at which auto-action flags hide a post.
func (m *Machine) ScoreToHide() float64 {
	return scoring.ScoreToHide(m.Thresholds.High, m.Sensitivity)
}

func (m *Machine) checkFlag(actor *models.User, target models.Target, flag flags.Descriptor, opts FlagOptions) error {
	if !flag.Enabled || !flag.AppliesToKind(target.Kind) {
		return ErrFlagNotAllowed
	}
	if flag.ScoreType && !actor.IsSystem() {
		return ErrFlagNotAllowed
	}

	var errs validation.Errors
	if flag.RequireMessage && (opts.Message == nil || *opts.Message == "") {
		errs.Add("message", "can't be blank")
	}
	if opts.TakeAction && !actor.Staff {
		errs.Add("take_action", "is only available to staff")
	}
	return errs.Err()
}

func (m *Machine) reopen(ctx context.Context, tx Store, r *models.Reviewable, actor *models.User) error {
	err := tx.UpdateStatus(ctx, StatusChange{
		ID:              r.ID,
		From:            r.Status,
		To:              models.ReviewablePending,
		ExpectedVersion: r.Version,
	})
	if err != nil {
		return err
	}
	r.Status = models.ReviewablePending
	r.Version++
	r.UpdatedAt = m.now()
	return tx.AppendHistory(ctx, &models.ReviewableHistory{
		ReviewableID: r.ID,
		HistoryType:  models.HistoryTransitioned,
		Status:       models.ReviewablePending,
		CreatedByID:  actor.ID,
	})
}

/*
Approves, rejects, or ignores a pending reviewable. expectedVersion is the
version the moderator was looking at; if anything moved the reviewable since,
the call fails with queuegate.ErrStaleTransition and nothing is written.

The status change, the score transitions, the flaggers' stats, the history
entry, and the target's side effect commit together. The audit entry and the
notification follow the commit and never undo it.
*/
func (m *Machine) Perform(ctx context.Context, actor *models.User, id int64, action Action, expectedVersion int) (*models.Reviewable, error) {
	r, err := m.perform(ctx, actor, id, action, expectedVersion)
	metrics.ReviewableTransitions.WithLabelValues(string(action), resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	if c, ok := m.Handlers[r.TargetType].(Committer); ok {
		c.Committed(ctx, r, actor, action)
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       actionAudits[action],
		ActingUserID: actor.ID,
		SubjectType:  "Reviewable",
		SubjectID:    r.ID,
		Details:      map[string]any{"target": r.Target().String(), "version": r.Version},
	})
	notify.Fire(ctx, m.Notify, notify.Event{
		Type:    notify.ReviewableTransitioned,
		ActorID: actor.ID,
		Subject: subjectOf(r),
		Data:    map[string]any{"status": r.Status.String(), "version": r.Version},
	})
	return r, nil
}

func (m *Machine) perform(ctx context.Context, actor *models.User, id int64, action Action, expectedVersion int) (*models.Reviewable, error) {
	if !actor.Staff {
		return nil, ErrForbidden
	}
	to, ok := actionStatuses[action]
	if !ok {
		return nil, ErrInvalidAction
	}

	now := m.now()
	var res *models.Reviewable
	err := m.Store.InTx(ctx, func(tx Store) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		change := StatusChange{
			ID:              id,
			From:            models.ReviewablePending,
			To:              to,
			ExpectedVersion: expectedVersion,
		}
		if m.Claiming == config.ClaimingRequired {
			if !r.ClaimedBy(actor.ID) {
				return ErrNotClaimer
			}
			change.ClaimedBy = &actor.ID
		}
		if err := tx.UpdateStatus(ctx, change); err != nil {
			return err
		}
		r.Status = to
		r.Version = expectedVersion + 1
		r.UpdatedAt = now

		scoreStatus := ScoreTransitions[to]
		flaggers, err := tx.TransitionScores(ctx, id, scoreStatus, actor.ID, now)
		if err != nil {
			return err
		}
		if err := tx.BumpFlagStats(ctx, scoreStatus, flaggers); err != nil {
			return err
		}

		scores, err := tx.ListScores(ctx, id)
		if err != nil {
			return err
		}
		if score := scoring.Aggregate(scores); score != r.Score {
			r.Score = score
			if err := tx.SetScore(ctx, id, score, now); err != nil {
				return err
			}
		}

		err = tx.AppendHistory(ctx, &models.ReviewableHistory{
			ReviewableID: id,
			HistoryType:  models.HistoryTransitioned,
			Status:       to,
			CreatedByID:  actor.ID,
		})
		if err != nil {
			return err
		}

		if h, ok := m.Handlers[r.TargetType]; ok {
			if err := h.Transitioned(ctx, tx, r, actor, action); err != nil {
				return err
			}
		}

		res = r
		return nil
	})
	return res, err
}

// Marks the reviewable as being handled by actor. Fails with
// ErrAlreadyClaimed if someone else holds it; claiming an item you already
// hold returns it unchanged.
func (m *Machine) Claim(ctx context.Context, actor *models.User, id int64) (*models.Reviewable, error) {
	r, changed, err := m.claim(ctx, actor, id)
	metrics.ReviewableTransitions.WithLabelValues("claim", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionClaimReviewable,
		ActingUserID: actor.ID,
		SubjectType:  "Reviewable",
		SubjectID:    id,
	})
	notify.Fire(ctx, m.Notify, notify.Event{
		Type:    notify.ReviewableClaimed,
		ActorID: actor.ID,
		Subject: subjectOf(r),
	})
	return r, nil
}

func (m *Machine) claim(ctx context.Context, actor *models.User, id int64) (*models.Reviewable, bool, error) {
	if !actor.Staff {
		return nil, false, ErrForbidden
	}
	if m.Claiming == config.ClaimingDisabled {
		return nil, false, ErrClaimingDisabled
	}

	var res *models.Reviewable
	changed := false
	err := m.Store.InTx(ctx, func(tx Store) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status == models.ReviewablePending && r.ClaimedBy(actor.ID) {
			res = r
			return nil
		}
		if err := tx.SetClaim(ctx, id, actor.ID); errors.Is(err, queuegate.ErrStaleTransition) {
			if r.ClaimedByID != nil && !r.ClaimedBy(actor.ID) {
				return ErrAlreadyClaimed
			}
			return err
		} else if err != nil {
			return err
		}
		r.ClaimedByID = &actor.ID

		err = tx.AppendHistory(ctx, &models.ReviewableHistory{
			ReviewableID: id,
			HistoryType:  models.HistoryClaimed,
			Status:       r.Status,
			CreatedByID:  actor.ID,
		})
		if err != nil {
			return err
		}
		res = r
		changed = true
		return nil
	})
	return res, changed, err
}

// Releases actor's claim. Fails with ErrNotClaimer if actor does not hold it.
func (m *Machine) Unclaim(ctx context.Context, actor *models.User, id int64) (*models.Reviewable, error) {
	r, err := m.unclaim(ctx, actor, id)
	metrics.ReviewableTransitions.WithLabelValues("unclaim", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionUnclaimReviewable,
		ActingUserID: actor.ID,
		SubjectType:  "Reviewable",
		SubjectID:    id,
	})
	notify.Fire(ctx, m.Notify, notify.Event{
		Type:    notify.ReviewableUnclaimed,
		ActorID: actor.ID,
		Subject: subjectOf(r),
	})
	return r, nil
}

func (m *Machine) unclaim(ctx context.Context, actor *models.User, id int64) (*models.Reviewable, error) {
	if !actor.Staff {
		return nil, ErrForbidden
	}

	var res *models.Reviewable
	err := m.Store.InTx(ctx, func(tx Store) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.ClearClaim(ctx, id, actor.ID); errors.Is(err, queuegate.ErrStaleTransition) {
			return ErrNotClaimer
		} else if err != nil {
			return err
		}
		r.ClaimedByID = nil

		err = tx.AppendHistory(ctx, &models.ReviewableHistory{
			ReviewableID: id,
			HistoryType:  models.HistoryUnclaimed,
			Status:       r.Status,
			CreatedByID:  actor.ID,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

/*
Records an edit. The changes are kept in the history entry as-is, and the
target's handler applies them if it knows how. Bumps the version, so anyone
about to act on the old version gets a stale transition.
*/
func (m *Machine) Edit(ctx context.Context, actor *models.User, id int64, expectedVersion int, changes map[string]any) (*models.Reviewable, error) {
	r, err := m.edit(ctx, actor, id, expectedVersion, changes)
	metrics.ReviewableTransitions.WithLabelValues("edit", resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	auditlog.Record(ctx, m.Audit, auditlog.Entry{
		Action:       auditlog.ActionEditReviewable,
		ActingUserID: actor.ID,
		SubjectType:  "Reviewable",
		SubjectID:    id,
		Details:      changes,
	})
	return r, nil
}

func (m *Machine) edit(ctx context.Context, actor *models.User, id int64, expectedVersion int, changes map[string]any) (*models.Reviewable, error) {
	if !actor.Staff {
		return nil, ErrForbidden
	}
	if len(changes) == 0 {
		var errs validation.Errors
		errs.Add("changes", "can't be empty")
		return nil, errs.Err()
	}

	var res *models.Reviewable
	err := m.Store.InTx(ctx, func(tx Store) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.BumpVersion(ctx, id, expectedVersion); err != nil {
			return err
		}
		r.Version = expectedVersion + 1
		r.UpdatedAt = m.now()

		if h, ok := m.Handlers[r.TargetType].(Editor); ok {
			if err := h.Edited(ctx, tx, r, actor, changes); err != nil {
				return err
			}
		}

		err = tx.AppendHistory(ctx, &models.ReviewableHistory{
			ReviewableID: id,
			HistoryType:  models.HistoryEdited,
			Status:       r.Status,
			CreatedByID:  actor.ID,
			Edited:       changes,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queuegate.ErrStaleTransition):
		return "stale"
	case errors.Is(err, ErrNotClaimer), errors.Is(err, ErrAlreadyClaimed):
		return "not_claimer"
	}
	return "error"
}

func subjectOf(r *models.Reviewable) string {
	return "Reviewable#" + strconv.FormatInt(r.ID, 10)
}
