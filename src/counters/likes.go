package counters

import (
	"context"

	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/models"
)

// Counter names written to daily_counters.
const (
	PostLikes       = "post_likes"
	ReviewableViews = "reviewable_views"
)

/*
Per-post daily like counts. Each user's likes are capped per day by Limiter,
and liking the same post again on the same day does not count twice.
*/
type Likes struct {
	Limiter *DailyLimiter
	Views   *ViewTracker
}

// Returns whether the like counted. A repeat like gives its limiter hit back.
func (l *Likes) Like(ctx context.Context, user *models.User, postID int64) (bool, error) {
	if err := l.Limiter.Hit(ctx, user); err != nil {
		return false, err
	}

	counted, err := l.Views.Track(ctx, PostLikes, postID, user.ID)
	if err != nil || !counted {
		if rbErr := l.Limiter.Rollback(ctx, user); rbErr != nil {
			logging.ExtractLogger(ctx).Warn().Err(rbErr).Int64("user", user.ID).Msg("failed to give back like limit")
		}
		return false, err
	}
	return true, nil
}
