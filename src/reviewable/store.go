package reviewable

import (
	"context"
	"errors"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/scoring"
	"github.com/jackc/pgx/v5"
)

// A conditional status write. It only lands if the reviewable is still in
// From at ExpectedVersion and, when ClaimedBy is set, claimed by that user.
type StatusChange struct {
	ID              int64
	From            models.ReviewableStatus
	To              models.ReviewableStatus
	ExpectedVersion int
	ClaimedBy       *int64
}

type Filter struct {
	Status      *models.ReviewableStatus
	TargetKind  models.TargetKind // empty for all
	MinScore    float64
	ClaimedByID *int64
	Limit       int // zero for no limit
}

type PendingStats struct {
	Count  int
	Oldest *time.Time
}

/*
Persistence for reviewables and the things their transitions touch. Every
method that writes status or claimed_by is conditional and reports
queuegate.ErrStaleTransition when its expectations did not hold.
*/
type Store interface {
	scoring.Store

	// Runs fn against a transactional view of the store. fn's error is
	// returned as-is.
	InTx(ctx context.Context, fn func(tx Store) error) error
	// The connection or transaction behind the store, for target handlers
	// that write to tables of their own. Nil for stores not backed by
	// Postgres.
	DB() db.ConnOrTx

	// Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id int64) (*models.Reviewable, error)
	// Concurrent creators for the same target end up with the same row; only
	// one of them sees created == true.
	FindOrCreate(ctx context.Context, target models.Target, createdByID int64) (r *models.Reviewable, created bool, err error)
	List(ctx context.Context, f Filter) ([]*models.Reviewable, error)
	PendingStats(ctx context.Context) (PendingStats, error)

	UpdateStatus(ctx context.Context, c StatusChange) error
	// Claims a pending, unclaimed reviewable.
	SetClaim(ctx context.Context, id, userID int64) error
	// Releases a claim held by userID.
	ClearClaim(ctx context.Context, id, userID int64) error
	BumpVersion(ctx context.Context, id int64, expectedVersion int) error
	// The aggregate score is derived data and is written unconditionally.
	SetScore(ctx context.Context, id int64, score float64, at time.Time) error

	ListScores(ctx context.Context, reviewableID int64) ([]*models.ReviewableScore, error)
	// Moves every pending score of the reviewable to status. Returns the
	// flaggers whose scores moved.
	TransitionScores(ctx context.Context, reviewableID int64, status models.ScoreStatus, reviewerID int64, at time.Time) ([]int64, error)

	AppendHistory(ctx context.Context, h *models.ReviewableHistory) error
	History(ctx context.Context, reviewableID int64) ([]*models.ReviewableHistory, error)

	// Target side effects.
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	// Both report whether anything changed.
	HidePost(ctx context.Context, postID int64, at time.Time) (bool, error)
	UnhidePost(ctx context.Context, postID int64) (bool, error)
	ApproveUser(ctx context.Context, userID, approverID int64, at time.Time) error
}

var guard = queuegate.Guard{
	Table:           "reviewables",
	StatusColumn:    "status",
	VersionColumn:   "version",
	TimestampColumn: "updated_at",
}

type PgStore struct {
	scoring.PgStore
}

var _ Store = &PgStore{}

func NewPgStore(conn db.ConnOrTx) *PgStore {
	return &PgStore{scoring.PgStore{Conn: conn}}
}

func (s *PgStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return db.InTx(ctx, s.Conn, func(tx pgx.Tx) error {
		return fn(NewPgStore(tx))
	})
}

func (s *PgStore) DB() db.ConnOrTx {
	return s.Conn
}

func (s *PgStore) Get(ctx context.Context, id int64) (*models.Reviewable, error) {
	r, err := db.QueryOne[models.Reviewable](ctx, s.Conn,
		`
		---- Get reviewable
		SELECT $columns
		FROM reviewables
		WHERE id = $1
		`,
		id,
	)
	if errors.Is(err, db.NotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.New(err, "failed to fetch reviewable %d", id)
	}
	return r, nil
}

func (s *PgStore) FindOrCreate(ctx context.Context, target models.Target, createdByID int64) (*models.Reviewable, bool, error) {
	r, err := db.QueryOne[models.Reviewable](ctx, s.Conn,
		`
		---- Create reviewable
		INSERT INTO reviewables (target_type, target_id, created_by_id, status, score, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, NOW(), NOW())
		ON CONFLICT (target_type, target_id) DO NOTHING
		RETURNING $columns
		`,
		target.Kind, target.ID, createdByID, models.ReviewablePending,
	)
	if err == nil {
		return r, true, nil
	} else if !errors.Is(err, db.NotFound) {
		return nil, false, oops.New(err, "failed to create reviewable for %s", target)
	}

	// Lost the race, or it already existed.
	r, err = db.QueryOne[models.Reviewable](ctx, s.Conn,
		`
		---- Find reviewable by target
		SELECT $columns
		FROM reviewables
		WHERE target_type = $1 AND target_id = $2
		`,
		target.Kind, target.ID,
	)
	if err != nil {
		return nil, false, oops.New(err, "failed to find reviewable for %s", target)
	}
	return r, false, nil
}

func (s *PgStore) List(ctx context.Context, f Filter) ([]*models.Reviewable, error) {
	var qb db.QueryBuilder
	qb.Add(
		`
		---- List reviewables
		SELECT $columns
		FROM reviewables
		WHERE score >= $?
		`,
		f.MinScore,
	)
	if f.Status != nil {
		qb.Add(`AND status = $?`, *f.Status)
	}
	if f.TargetKind != "" {
		qb.Add(`AND target_type = $?`, f.TargetKind)
	}
	if f.ClaimedByID != nil {
		qb.Add(`AND claimed_by_id = $?`, *f.ClaimedByID)
	}
	qb.Add(`ORDER BY score DESC, created_at ASC`)
	if f.Limit > 0 {
		qb.Add(`LIMIT $?`, f.Limit)
	}

	rs, err := db.Query[models.Reviewable](ctx, s.Conn, qb.String(), qb.Args()...)
	if err != nil {
		return nil, oops.New(err, "failed to list reviewables")
	}
	return rs, nil
}

func (s *PgStore) PendingStats(ctx context.Context) (PendingStats, error) {
	type row struct {
		Count  int        `db:"count"`
		Oldest *time.Time `db:"oldest"`
	}
	r, err := db.QueryOne[row](ctx, s.Conn,
		`
		---- Pending reviewable stats
		SELECT COUNT(*) AS count, MIN(created_at) AS oldest
		FROM reviewables
		WHERE status = $1
		`,
		models.ReviewablePending,
	)
	if err != nil {
		return PendingStats{}, oops.New(err, "failed to count pending reviewables")
	}
	return PendingStats{Count: r.Count, Oldest: r.Oldest}, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, c StatusChange) error {
	change := queuegate.Change{
		ID:              c.ID,
		From:            c.From,
		To:              c.To,
		ExpectedVersion: &c.ExpectedVersion,
	}
	if c.ClaimedBy != nil {
		change.Where = append(change.Where, queuegate.Eq("claimed_by_id", *c.ClaimedBy))
	}
	return guard.Transition(ctx, s.Conn, change)
}

func (s *PgStore) SetClaim(ctx context.Context, id, userID int64) error {
	return guard.Write(ctx, s.Conn, queuegate.Write{
		ID:  id,
		Set: []queuegate.Assignment{{Column: "claimed_by_id", Value: userID}},
		Where: []queuegate.Predicate{
			queuegate.IsNull("claimed_by_id"),
			queuegate.Eq("status", models.ReviewablePending),
		},
	})
}

func (s *PgStore) ClearClaim(ctx context.Context, id, userID int64) error {
	return guard.Write(ctx, s.Conn, queuegate.Write{
		ID:    id,
		Set:   []queuegate.Assignment{{Column: "claimed_by_id", Value: nil}},
		Where: []queuegate.Predicate{queuegate.Eq("claimed_by_id", userID)},
	})
}

func (s *PgStore) BumpVersion(ctx context.Context, id int64, expectedVersion int) error {
	return guard.Write(ctx, s.Conn, queuegate.Write{
		ID:          id,
		Where:       []queuegate.Predicate{queuegate.Eq("version", expectedVersion)},
		BumpVersion: true,
	})
}

func (s *PgStore) SetScore(ctx context.Context, id int64, score float64, at time.Time) error {
	_, err := s.Conn.Exec(ctx,
		`
		---- Set reviewable score
		UPDATE reviewables SET score = $2, latest_score_at = $3 WHERE id = $1
		`,
		id, score, at,
	)
	if err != nil {
		return oops.New(err, "failed to update score of reviewable %d", id)
	}
	return nil
}

func (s *PgStore) ListScores(ctx context.Context, reviewableID int64) ([]*models.ReviewableScore, error) {
	scores, err := db.Query[models.ReviewableScore](ctx, s.Conn,
		`
		---- List reviewable scores
		SELECT $columns
		FROM reviewable_scores
		WHERE reviewable_id = $1
		ORDER BY id
		`,
		reviewableID,
	)
	if err != nil {
		return nil, oops.New(err, "failed to list scores of reviewable %d", reviewableID)
	}
	return scores, nil
}

func (s *PgStore) TransitionScores(ctx context.Context, reviewableID int64, status models.ScoreStatus, reviewerID int64, at time.Time) ([]int64, error) {
	userIDs, err := db.QueryScalar[int64](ctx, s.Conn,
		`
		---- Transition pending scores
		UPDATE reviewable_scores
		SET status = $2, reviewed_by_id = $3, reviewed_at = $4
		WHERE reviewable_id = $1 AND status = $5
		RETURNING user_id
		`,
		reviewableID, status, reviewerID, at, models.ScorePending,
	)
	if err != nil {
		return nil, oops.New(err, "failed to transition scores of reviewable %d", reviewableID)
	}
	return userIDs, nil
}

func (s *PgStore) AppendHistory(ctx context.Context, h *models.ReviewableHistory) error {
	err := s.Conn.QueryRow(ctx,
		`
		---- Append reviewable history
		INSERT INTO reviewable_histories (reviewable_id, history_type, status, created_by_id, edited, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
		`,
		h.ReviewableID, h.HistoryType, h.Status, h.CreatedByID, h.Edited,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return oops.New(err, "failed to append %s history to reviewable %d", h.HistoryType, h.ReviewableID)
	}
	return nil
}

func (s *PgStore) History(ctx context.Context, reviewableID int64) ([]*models.ReviewableHistory, error) {
	hs, err := db.Query[models.ReviewableHistory](ctx, s.Conn,
		`
		---- Reviewable history
		SELECT $columns
		FROM reviewable_histories
		WHERE reviewable_id = $1
		ORDER BY id
		`,
		reviewableID,
	)
	if err != nil {
		return nil, oops.New(err, "failed to fetch history of reviewable %d", reviewableID)
	}
	return hs, nil
}

func (s *PgStore) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	p, err := db.QueryOne[models.Post](ctx, s.Conn,
		`
		---- Get post
		SELECT $columns
		FROM posts
		WHERE id = $1
		`,
		id,
	)
	if errors.Is(err, db.NotFound) {
		return nil, db.NotFound
	} else if err != nil {
		return nil, oops.New(err, "failed to fetch post %d", id)
	}
	return p, nil
}

func (s *PgStore) HidePost(ctx context.Context, postID int64, at time.Time) (bool, error) {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Hide post
		UPDATE posts
		SET
			hidden = TRUE,
			hidden_reason_id = CASE WHEN hidden_at IS NULL THEN $2::int ELSE $3::int END,
			hidden_at = $4
		WHERE id = $1 AND NOT hidden
		`,
		postID, models.HiddenReasonFlagThreshold, models.HiddenReasonFlagThresholdAgain, at,
	)
	if err != nil {
		return false, oops.New(err, "failed to hide post %d", postID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) UnhidePost(ctx context.Context, postID int64) (bool, error) {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Unhide post
		UPDATE posts SET hidden = FALSE, hidden_reason_id = NULL WHERE id = $1 AND hidden
		`,
		postID,
	)
	if err != nil {
		return false, oops.New(err, "failed to unhide post %d", postID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ApproveUser(ctx context.Context, userID, approverID int64, at time.Time) error {
	_, err := s.Conn.Exec(ctx,
		`
		---- Approve user
		UPDATE users
		SET approved = TRUE, approved_by_id = $2, approved_at = $3
		WHERE id = $1 AND NOT approved
		`,
		userID, approverID, at,
	)
	if err != nil {
		return oops.New(err, "failed to approve user %d", userID)
	}
	return nil
}
