package queuedpost

import (
	"context"
	"errors"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"github.com/jackc/pgx/v5"
)

type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error
	DB() db.ConnOrTx

	// Fills in qp.ID, qp.CreatedAt, and qp.UpdatedAt.
	Insert(ctx context.Context, qp *models.QueuedPost) error
	// Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id int64) (*models.QueuedPost, error)
	List(ctx context.Context, queue string, state models.QueuedPostState, limit int) ([]*models.QueuedPost, error)
	// Queued posts in the new state.
	CountVisible(ctx context.Context, queue string) (int, error)
	OldestVisible(ctx context.Context) (*time.Time, error)

	// Moves the post to state unless it is already there. Returns
	// queuegate.ErrStaleTransition when it was.
	Transition(ctx context.Context, id int64, state models.QueuedPostState, actorID int64, at time.Time) error
	// Only while the post is new.
	UpdateRaw(ctx context.Context, id int64, raw string) error
}

var guard = queuegate.Guard{
	Table:           "queued_posts",
	StatusColumn:    "state",
	TimestampColumn: "updated_at",
}

type PgStore struct {
	Conn db.ConnOrTx
}

var _ Store = &PgStore{}

func (s *PgStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return db.InTx(ctx, s.Conn, func(tx pgx.Tx) error {
		return fn(&PgStore{Conn: tx})
	})
}

func (s *PgStore) DB() db.ConnOrTx {
	return s.Conn
}

func (s *PgStore) Insert(ctx context.Context, qp *models.QueuedPost) error {
	err := s.Conn.QueryRow(ctx,
		`
		---- Queue post
		INSERT INTO queued_posts (queue, state, user_id, raw, topic_id, post_options, reasons, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at
		`,
		qp.Queue, qp.State, qp.UserID, qp.Raw, qp.TopicID, qp.PostOptions, qp.Reasons,
	).Scan(&qp.ID, &qp.CreatedAt, &qp.UpdatedAt)
	if err != nil {
		return oops.New(err, "failed to queue post for user %d", qp.UserID)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id int64) (*models.QueuedPost, error) {
	qp, err := db.QueryOne[models.QueuedPost](ctx, s.Conn,
		`
		---- Get queued post
		SELECT $columns
		FROM queued_posts
		WHERE id = $1
		`,
		id,
	)
	if errors.Is(err, db.NotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.New(err, "failed to fetch queued post %d", id)
	}
	return qp, nil
}

func (s *PgStore) List(ctx context.Context, queue string, state models.QueuedPostState, limit int) ([]*models.QueuedPost, error) {
	var qb db.QueryBuilder
	qb.Add(
		`
		---- List queued posts
		SELECT $columns
		FROM queued_posts
		WHERE queue = $? AND state = $?
		ORDER BY created_at ASC
		`,
		queue, state,
	)
	if limit > 0 {
		qb.Add(`LIMIT $?`, limit)
	}
	qps, err := db.Query[models.QueuedPost](ctx, s.Conn, qb.String(), qb.Args()...)
	if err != nil {
		return nil, oops.New(err, "failed to list queued posts")
	}
	return qps, nil
}

func (s *PgStore) CountVisible(ctx context.Context, queue string) (int, error) {
	n, err := db.QueryOneScalar[int](ctx, s.Conn,
		`
		---- Count visible queued posts
		SELECT COUNT(*) FROM queued_posts WHERE queue = $1 AND state = $2
		`,
		queue, models.QueuedPostNew,
	)
	if err != nil {
		return 0, oops.New(err, "failed to count queued posts")
	}
	return n, nil
}

func (s *PgStore) OldestVisible(ctx context.Context) (*time.Time, error) {
	oldest, err := db.QueryOneScalar[*time.Time](ctx, s.Conn,
		`
		---- Oldest visible queued post
		SELECT MIN(created_at) FROM queued_posts WHERE state = $1
		`,
		models.QueuedPostNew,
	)
	if err != nil {
		return nil, oops.New(err, "failed to find oldest queued post")
	}
	return oldest, nil
}

func (s *PgStore) Transition(ctx context.Context, id int64, state models.QueuedPostState, actorID int64, at time.Time) error {
	var set []queuegate.Assignment
	switch state {
	case models.QueuedPostApproved:
		set = []queuegate.Assignment{{Column: "approved_by_id", Value: actorID}, {Column: "approved_at", Value: at}}
	case models.QueuedPostRejected:
		set = []queuegate.Assignment{{Column: "rejected_by_id", Value: actorID}, {Column: "rejected_at", Value: at}}
	default:
		return oops.New(nil, "queued posts cannot move to %s", state)
	}
	return guard.Transition(ctx, s.Conn, queuegate.Change{ID: id, To: state, Set: set})
}

func (s *PgStore) UpdateRaw(ctx context.Context, id int64, raw string) error {
	return guard.Write(ctx, s.Conn, queuegate.Write{
		ID:    id,
		Set:   []queuegate.Assignment{{Column: "raw", Value: raw}},
		Where: []queuegate.Predicate{queuegate.Eq("state", models.QueuedPostNew)},
	})
}

// Creates posts with a plain insert into the posts table of the same
// transaction.
type PgPostCreator struct{}

func (PgPostCreator) CreatePost(ctx context.Context, tx Store, qp *models.QueuedPost) (*models.Post, error) {
	if qp.TopicID == nil {
		return nil, oops.New(nil, "queued post %d has no topic", qp.ID)
	}
	post, err := db.QueryOne[models.Post](ctx, tx.DB(),
		`
		---- Create post from queue
		INSERT INTO posts (user_id, topic_id, raw, hidden, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		RETURNING $columns
		`,
		qp.UserID, *qp.TopicID, qp.Raw,
	)
	if err != nil {
		return nil, oops.New(err, "failed to create post from queued post %d", qp.ID)
	}
	return post, nil
}
