package reviewable

import (
	"context"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/models"
)

/*
Applies a transition to the thing under review. Runs inside the transaction
that changed the reviewable's status, so a handler error rolls the whole
transition back. r already carries the new status and version.
*/
type TargetHandler interface {
	Transitioned(ctx context.Context, tx Store, r *models.Reviewable, actor *models.User, action Action) error
}

// Implemented by handlers whose targets can be edited through the queue.
type Editor interface {
	Edited(ctx context.Context, tx Store, r *models.Reviewable, actor *models.User, changes map[string]any) error
}

// Implemented by handlers with work that must wait until the transition has
// committed. Runs only after a successful Perform.
type Committer interface {
	Committed(ctx context.Context, r *models.Reviewable, actor *models.User, action Action)
}

// Handlers for posts and users. Queued posts are handled by the queuedpost
// package, which registers its own.
func DefaultHandlers() map[models.TargetKind]TargetHandler {
	return map[models.TargetKind]TargetHandler{
		models.TargetPost: PostHandler{},
		models.TargetUser: UserHandler{},
	}
}

// Rejecting the flags on a post restores it if flagging hid it. Approving
// them leaves the post as it is.
type PostHandler struct{}

func (PostHandler) Transitioned(ctx context.Context, tx Store, r *models.Reviewable, actor *models.User, action Action) error {
	if action != ActionReject {
		return nil
	}
	unhidden, err := tx.UnhidePost(ctx, r.TargetID)
	if err != nil {
		return err
	}
	if unhidden {
		logging.ExtractLogger(ctx).Info().Int64("post", r.TargetID).Msg("restored post after flags were rejected")
	}
	return nil
}

// Approving a user reviewable approves the account.
type UserHandler struct{}

func (UserHandler) Transitioned(ctx context.Context, tx Store, r *models.Reviewable, actor *models.User, action Action) error {
	if action != ActionApprove {
		return nil
	}
	return tx.ApproveUser(ctx, r.TargetID, actor.ID, r.UpdatedAt)
}
