package queuedpost

import (
	"context"
	"errors"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"git.handmade.network/hmn/reviewq/src/validation"
)

/*
Lets the moderation queue drive queued posts: approving the reviewable
approves the queued post and creates the post, rejecting it rejects the queued
post. Both happen in the reviewable's transaction.
*/
type Handler struct {
	Service *Service
	// Picks the queued post store for a reviewable transaction. Defaults to
	// a PgStore on the transaction's connection.
	StoreFor func(tx reviewable.Store) Store
}

var (
	_ reviewable.TargetHandler = &Handler{}
	_ reviewable.Editor        = &Handler{}
	_ reviewable.Committer     = &Handler{}
)

func (h *Handler) store(tx reviewable.Store) Store {
	if h.StoreFor != nil {
		return h.StoreFor(tx)
	}
	return &PgStore{Conn: tx.DB()}
}

func (h *Handler) Transitioned(ctx context.Context, tx reviewable.Store, r *models.Reviewable, actor *models.User, action reviewable.Action) error {
	switch action {
	case reviewable.ActionApprove:
		_, _, err := h.Service.approveIn(ctx, h.store(tx), actor, r.TargetID)
		return err
	case reviewable.ActionReject:
		_, err := h.Service.rejectIn(ctx, h.store(tx), actor, r.TargetID)
		return err
	}
	return nil
}

// Counts the queued post transition and republishes the queue size once the
// reviewable's transaction has committed.
func (h *Handler) Committed(ctx context.Context, r *models.Reviewable, actor *models.User, action reviewable.Action) {
	var state models.QueuedPostState
	switch action {
	case reviewable.ActionApprove:
		state = models.QueuedPostApproved
	case reviewable.ActionReject:
		state = models.QueuedPostRejected
	default:
		return
	}
	metrics.QueuedPostTransitions.WithLabelValues(state.String()).Inc()

	qp, err := h.Service.Get(ctx, r.TargetID)
	if err != nil {
		logging.ExtractLogger(ctx).Warn().Err(err).Int64("queued_post", r.TargetID).Msg("failed to reload queued post")
		return
	}
	h.Service.PublishCounts(ctx, qp.Queue)
}

// Accepts a new "raw" while the queued post is still waiting.
func (h *Handler) Edited(ctx context.Context, tx reviewable.Store, r *models.Reviewable, actor *models.User, changes map[string]any) error {
	v, ok := changes["raw"]
	if !ok {
		return nil
	}
	raw, ok := v.(string)
	if !ok || raw == "" {
		var errs validation.Errors
		errs.Add("raw", "must be non-empty text")
		return errs.Err()
	}

	err := h.store(tx).UpdateRaw(ctx, r.TargetID, raw)
	if errors.Is(err, queuegate.ErrStaleTransition) {
		return ErrInvalidStateTransition
	}
	return err
}

// Registers the handler on the machine.
func (h *Handler) Register(m *reviewable.Machine) {
	if m.Handlers == nil {
		m.Handlers = reviewable.DefaultHandlers()
	}
	m.Handlers[models.TargetQueuedPost] = h
}
