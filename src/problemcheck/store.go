package problemcheck

import (
	"context"
	"errors"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/jackc/pgx/v5"
)

type Store interface {
	// Finds or creates the tracker for (identifier, target).
	Tracker(ctx context.Context, identifier, target string) (*models.ProblemCheckTracker, error)
	Trackers(ctx context.Context) ([]*models.ProblemCheckTracker, error)

	// Adds a blip in a single statement, creating the tracker if needed.
	// Returns the tracker as written.
	RecordProblem(ctx context.Context, identifier, target string, details map[string]any, now, nextRunAt time.Time) (*models.ProblemCheckTracker, error)
	// Resets blips to zero.
	RecordSuccess(ctx context.Context, identifier, target string, now, nextRunAt time.Time) (*models.ProblemCheckTracker, error)

	// Does nothing if a notice for (identifier, target) exists. Reports
	// whether a notice was created.
	CreateNotice(ctx context.Context, n *models.AdminNotice) (bool, error)
	// Reports whether a notice was deleted.
	DeleteNotice(ctx context.Context, identifier, target string) (bool, error)
	Notices(ctx context.Context) ([]*models.AdminNotice, error)
}

type PgStore struct {
	Conn db.ConnOrTx
}

var _ Store = &PgStore{}

func (s *PgStore) Tracker(ctx context.Context, identifier, target string) (*models.ProblemCheckTracker, error) {
	_, err := s.Conn.Exec(ctx,
		`
		---- Ensure problem check tracker
		INSERT INTO problem_check_trackers (identifier, target, blips, details)
		VALUES ($1, $2, 0, '{}'::jsonb)
		ON CONFLICT (identifier, target) DO NOTHING
		`,
		identifier, target,
	)
	if err != nil {
		return nil, oops.New(err, "failed to create tracker for %s/%s", identifier, target)
	}

	t, err := db.QueryOne[models.ProblemCheckTracker](ctx, s.Conn,
		`
		---- Get problem check tracker
		SELECT $columns
		FROM problem_check_trackers
		WHERE identifier = $1 AND target = $2
		`,
		identifier, target,
	)
	if err != nil {
		return nil, oops.New(err, "failed to fetch tracker for %s/%s", identifier, target)
	}
	return t, nil
}

func (s *PgStore) Trackers(ctx context.Context) ([]*models.ProblemCheckTracker, error) {
	ts, err := db.Query[models.ProblemCheckTracker](ctx, s.Conn,
		`
		---- List problem check trackers
		SELECT $columns
		FROM problem_check_trackers
		ORDER BY identifier, target
		`,
	)
	if err != nil {
		return nil, oops.New(err, "failed to list problem check trackers")
	}
	return ts, nil
}

func (s *PgStore) RecordProblem(ctx context.Context, identifier, target string, details map[string]any, now, nextRunAt time.Time) (*models.ProblemCheckTracker, error) {
	if details == nil {
		details = map[string]any{}
	}
	t, err := db.QueryOne[models.ProblemCheckTracker](ctx, s.Conn,
		`
		---- Record problem
		INSERT INTO problem_check_trackers (identifier, target, blips, details, last_run_at, last_problem_at, next_run_at)
		VALUES ($1, $2, 1, $3, $4, $4, $5)
		ON CONFLICT (identifier, target) DO UPDATE SET
			blips = problem_check_trackers.blips + 1,
			details = EXCLUDED.details,
			last_run_at = EXCLUDED.last_run_at,
			last_problem_at = EXCLUDED.last_problem_at,
			next_run_at = EXCLUDED.next_run_at
		RETURNING $columns
		`,
		identifier, target, details, now, nextRunAt,
	)
	if err != nil {
		return nil, oops.New(err, "failed to record problem for %s/%s", identifier, target)
	}
	return t, nil
}

func (s *PgStore) RecordSuccess(ctx context.Context, identifier, target string, now, nextRunAt time.Time) (*models.ProblemCheckTracker, error) {
	t, err := db.QueryOne[models.ProblemCheckTracker](ctx, s.Conn,
		`
		---- Record success
		INSERT INTO problem_check_trackers (identifier, target, blips, details, last_run_at, last_success_at, next_run_at)
		VALUES ($1, $2, 0, '{}'::jsonb, $3, $3, $4)
		ON CONFLICT (identifier, target) DO UPDATE SET
			blips = 0,
			details = EXCLUDED.details,
			last_run_at = EXCLUDED.last_run_at,
			last_success_at = EXCLUDED.last_success_at,
			next_run_at = EXCLUDED.next_run_at
		RETURNING $columns
		`,
		identifier, target, now, nextRunAt,
	)
	if err != nil {
		return nil, oops.New(err, "failed to record success for %s/%s", identifier, target)
	}
	return t, nil
}

func (s *PgStore) CreateNotice(ctx context.Context, n *models.AdminNotice) (bool, error) {
	err := s.Conn.QueryRow(ctx,
		`
		---- Create admin notice
		INSERT INTO admin_notices (subject, priority, identifier, target, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (identifier, target) DO NOTHING
		RETURNING id, created_at
		`,
		n.Subject, n.Priority, n.Identifier, n.Target, n.Details,
	).Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, oops.New(err, "failed to create admin notice for %s/%s", n.Identifier, n.Target)
	}
	return true, nil
}

func (s *PgStore) DeleteNotice(ctx context.Context, identifier, target string) (bool, error) {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Delete admin notice
		DELETE FROM admin_notices WHERE identifier = $1 AND target = $2
		`,
		identifier, target,
	)
	if err != nil {
		return false, oops.New(err, "failed to delete admin notice for %s/%s", identifier, target)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) Notices(ctx context.Context) ([]*models.AdminNotice, error) {
	ns, err := db.Query[models.AdminNotice](ctx, s.Conn,
		`
		---- List admin notices
		SELECT $columns
		FROM admin_notices
		ORDER BY priority DESC, created_at ASC
		`,
	)
	if err != nil {
		return nil, oops.New(err, "failed to list admin notices")
	}
	return ns, nil
}
