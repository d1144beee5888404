package scoring

import (
	"context"
	"errors"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/jackc/pgx/v5"
)

// The same user has a pending score for the same flag on the same reviewable.
var ErrDuplicateScore = errors.New("user has already flagged this for the same reason")

type Store interface {
	// Fills in s.ID and s.CreatedAt. Returns ErrDuplicateScore when a pending
	// row for (reviewable, user, flag) exists.
	InsertScore(ctx context.Context, s *models.ReviewableScore) error
	// Zero stats for users who have never had a flag reviewed.
	UserStats(ctx context.Context, userID int64) (models.UserStats, error)
	// Adds one to the agreed, disagreed, or ignored count of each user. A user
	// listed twice is counted once.
	BumpFlagStats(ctx context.Context, status models.ScoreStatus, userIDs []int64) error
}

/*
Inserts an immutable score row. The score is weight + bonus, and bonus is also
kept as take_action_bonus.
*/
func RecordScore(ctx context.Context, store Store, reviewableID, userID int64, flagID int, flagKey string, weight, bonus float64, reason *string) (*models.ReviewableScore, error) {
	s := &models.ReviewableScore{
		ReviewableID:    reviewableID,
		UserID:          userID,
		FlagID:          flagID,
		Score:           weight + bonus,
		TakeActionBonus: bonus,
		Status:          models.ScorePending,
		Reason:          reason,
	}
	if err := store.InsertScore(ctx, s); err != nil {
		return nil, err
	}
	metrics.ScoresRecorded.WithLabelValues(flagKey).Inc()
	return s, nil
}

type PgStore struct {
	Conn db.ConnOrTx
}

var _ Store = &PgStore{}

func (s *PgStore) InsertScore(ctx context.Context, sc *models.ReviewableScore) error {
	err := s.Conn.QueryRow(ctx,
		`
		---- Insert reviewable score
		INSERT INTO reviewable_scores (reviewable_id, user_id, flag_id, score, take_action_bonus, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (reviewable_id, user_id, flag_id) WHERE status = 0 DO NOTHING
		RETURNING id, created_at
		`,
		sc.ReviewableID,
		sc.UserID,
		sc.FlagID,
		sc.Score,
		sc.TakeActionBonus,
		sc.Status,
		sc.Reason,
	).Scan(&sc.ID, &sc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateScore
	} else if err != nil {
		return oops.New(err, "failed to insert score for reviewable %d", sc.ReviewableID)
	}
	return nil
}

func (s *PgStore) UserStats(ctx context.Context, userID int64) (models.UserStats, error) {
	stats, err := db.QueryOne[models.UserStats](ctx, s.Conn,
		`
		---- User flag stats
		SELECT $columns
		FROM user_stats
		WHERE user_id = $1
		`,
		userID,
	)
	if errors.Is(err, db.NotFound) {
		return models.UserStats{UserID: userID}, nil
	} else if err != nil {
		return models.UserStats{}, oops.New(err, "failed to fetch stats for user %d", userID)
	}
	return *stats, nil
}

func (s *PgStore) BumpFlagStats(ctx context.Context, status models.ScoreStatus, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	var query string
	switch status {
	case models.ScoreAgreed:
		query = `
		---- Bump flags agreed
		INSERT INTO user_stats (user_id, flags_agreed)
		SELECT DISTINCT u, 1 FROM unnest($1::bigint[]) AS u
		ON CONFLICT (user_id) DO UPDATE SET flags_agreed = user_stats.flags_agreed + 1
		`
	case models.ScoreDisagreed:
		query = `
		---- Bump flags disagreed
		INSERT INTO user_stats (user_id, flags_disagreed)
		SELECT DISTINCT u, 1 FROM unnest($1::bigint[]) AS u
		ON CONFLICT (user_id) DO UPDATE SET flags_disagreed = user_stats.flags_disagreed + 1
		`
	case models.ScoreIgnored:
		query = `
		---- Bump flags ignored
		INSERT INTO user_stats (user_id, flags_ignored)
		SELECT DISTINCT u, 1 FROM unnest($1::bigint[]) AS u
		ON CONFLICT (user_id) DO UPDATE SET flags_ignored = user_stats.flags_ignored + 1
		`
	default:
		return oops.New(nil, "no flag stat for score status %s", status)
	}

	if _, err := s.Conn.Exec(ctx, query, userIDs); err != nil {
		return oops.New(err, "failed to update flag stats")
	}
	return nil
}
