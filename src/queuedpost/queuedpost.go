package queuedpost

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/notify"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"git.handmade.network/hmn/reviewq/src/validation"
	"mvdan.cc/xurls/v2"
)

var (
	ErrNotFound               = errors.New("queued post not found")
	ErrForbidden              = errors.New("only staff can review queued posts")
	ErrInvalidStateTransition = errors.New("queued post is already in that state")
)

// Why a post was queued.
const (
	ReasonContainsLinks = "contains_links"
	ReasonNewUser       = "new_user"
)

var reLinks = xurls.Relaxed()

// Makes the post for an approved queued post, inside the approving
// transaction.
type PostCreator interface {
	CreatePost(ctx context.Context, tx Store, qp *models.QueuedPost) (*models.Post, error)
}

/*
The legacy approval queue. A queued post starts new and is approved or
rejected by staff. Each change is one conditional UPDATE that only matches if
the post is not already in the target state, so approving twice fails instead
of creating two posts.
*/
type Service struct {
	Store Store
	Posts PostCreator

	// Users below this trust level always get queued.
	ApproveBelowTrustLevel int

	// Optional. When set, every queued post also gets a reviewable so it
	// shows up in the moderation queue.
	Reviewables *reviewable.Machine
	Notify      notify.Dispatcher
	Audit       auditlog.Sink

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

/*
The automatic reasons a post by user would be queued: the author is below the
approval trust level, or the post links somewhere and the author is new
enough that links are suspicious. Staff are never queued.
*/
func (s *Service) Reasons(user *models.User, raw string) []string {
	if user.Staff || user.IsSystem() {
		return nil
	}
	var reasons []string
	if user.TrustLevel < s.ApproveBelowTrustLevel {
		reasons = append(reasons, ReasonNewUser)
	}
	if user.TrustLevel < 2 && reLinks.MatchString(raw) {
		reasons = append(reasons, ReasonContainsLinks)
	}
	return reasons
}

type Submission struct {
	Queue       string // DefaultQueue if empty
	Raw         string
	TopicID     *int64
	PostOptions map[string]any
	// Added to the automatic reasons.
	Reasons []string
}

func (s *Service) Enqueue(ctx context.Context, author *models.User, sub Submission) (*models.QueuedPost, error) {
	var errs validation.Errors
	if strings.TrimSpace(sub.Raw) == "" {
		errs.Add("raw", "can't be blank")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	reasons := s.Reasons(author, sub.Raw)
	for _, r := range sub.Reasons {
		if !slices.Contains(reasons, r) {
			reasons = append(reasons, r)
		}
	}

	qp := &models.QueuedPost{
		Queue:       sub.Queue,
		State:       models.QueuedPostNew,
		UserID:      author.ID,
		Raw:         sub.Raw,
		TopicID:     sub.TopicID,
		PostOptions: sub.PostOptions,
		Reasons:     reasons,
	}
	if qp.Queue == "" {
		qp.Queue = models.DefaultQueue
	}
	if qp.PostOptions == nil {
		qp.PostOptions = map[string]any{}
	}
	if qp.Reasons == nil {
		qp.Reasons = []string{}
	}

	if err := s.Store.Insert(ctx, qp); err != nil {
		return nil, err
	}

	if s.Reviewables != nil {
		system := &models.User{ID: models.SystemUserID, Staff: true}
		_, err := s.Reviewables.Flag(ctx, system, models.Target{Kind: models.TargetQueuedPost, ID: qp.ID}, "needs_approval", reviewable.FlagOptions{})
		if err != nil {
			logging.ExtractLogger(ctx).Error().Err(err).Int64("queued_post", qp.ID).Msg("failed to add queued post to the review queue")
		}
	}

	s.PublishCounts(ctx, qp.Queue)
	return qp, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.QueuedPost, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) Visible(ctx context.Context, queue string, limit int) ([]*models.QueuedPost, error) {
	return s.Store.List(ctx, queue, models.QueuedPostNew, limit)
}

// Approves the queued post and creates the real post, together.
func (s *Service) Approve(ctx context.Context, actor *models.User, id int64) (*models.QueuedPost, *models.Post, error) {
	if !actor.Staff {
		return nil, nil, ErrForbidden
	}

	var qp *models.QueuedPost
	var post *models.Post
	err := s.Store.InTx(ctx, func(tx Store) error {
		var err error
		qp, post, err = s.approveIn(ctx, tx, actor, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.QueuedPostTransitions.WithLabelValues(qp.State.String()).Inc()
	s.announce(ctx, actor, qp, auditlog.ActionApproveQueuedPost, notify.QueuedPostApproved, map[string]any{"post_id": post.ID})
	return qp, post, nil
}

func (s *Service) Reject(ctx context.Context, actor *models.User, id int64) (*models.QueuedPost, error) {
	if !actor.Staff {
		return nil, ErrForbidden
	}

	var qp *models.QueuedPost
	err := s.Store.InTx(ctx, func(tx Store) error {
		var err error
		qp, err = s.rejectIn(ctx, tx, actor, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.QueuedPostTransitions.WithLabelValues(qp.State.String()).Inc()
	s.announce(ctx, actor, qp, auditlog.ActionRejectQueuedPost, notify.QueuedPostRejected, nil)
	return qp, nil
}

func (s *Service) approveIn(ctx context.Context, tx Store, actor *models.User, id int64) (*models.QueuedPost, *models.Post, error) {
	qp, err := tx.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if err := tx.Transition(ctx, id, models.QueuedPostApproved, actor.ID, now); err != nil {
		if errors.Is(err, queuegate.ErrStaleTransition) {
			return nil, nil, ErrInvalidStateTransition
		}
		return nil, nil, err
	}
	qp.State = models.QueuedPostApproved
	qp.ApprovedByID = &actor.ID
	qp.ApprovedAt = &now
	qp.UpdatedAt = now

	post, err := s.Posts.CreatePost(ctx, tx, qp)
	if err != nil {
		return nil, nil, err
	}
	return qp, post, nil
}

func (s *Service) rejectIn(ctx context.Context, tx Store, actor *models.User, id int64) (*models.QueuedPost, error) {
	qp, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := tx.Transition(ctx, id, models.QueuedPostRejected, actor.ID, now); err != nil {
		if errors.Is(err, queuegate.ErrStaleTransition) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	qp.State = models.QueuedPostRejected
	qp.RejectedByID = &actor.ID
	qp.RejectedAt = &now
	qp.UpdatedAt = now

	return qp, nil
}

func (s *Service) announce(ctx context.Context, actor *models.User, qp *models.QueuedPost, action string, ev notify.EventType, data map[string]any) {
	auditlog.Record(ctx, s.Audit, auditlog.Entry{
		Action:       action,
		ActingUserID: actor.ID,
		SubjectType:  "QueuedPost",
		SubjectID:    qp.ID,
		Details:      data,
	})
	notify.Fire(ctx, s.Notify, notify.Event{
		Type:    ev,
		ActorID: actor.ID,
		Subject: "QueuedPost#" + strconv.FormatInt(qp.ID, 10),
		Data:    data,
	})
	s.PublishCounts(ctx, qp.Queue)
}

// Publishes how many posts are waiting in the queue.
func (s *Service) PublishCounts(ctx context.Context, queue string) {
	if s.Notify == nil {
		return
	}
	n, err := s.Store.CountVisible(ctx, queue)
	if err != nil {
		logging.ExtractLogger(ctx).Warn().Err(err).Msg("failed to count queued posts")
		return
	}
	notify.Fire(ctx, s.Notify, notify.Event{
		Type:    notify.QueueCounts,
		Channel: notify.ChannelQueueCounts,
		Subject: queue,
		Data:    map[string]any{"queued_posts": n},
	})
}
