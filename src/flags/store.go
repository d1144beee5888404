package flags

import (
	"context"
	"errors"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
)

type Store interface {
	UsageChecker

	ListFlags(ctx context.Context) ([]*models.Flag, error)
	// Returns db.NotFound for unknown ids.
	GetFlag(ctx context.Context, id int) (*models.Flag, error)
	// Assigns a custom id and the next free position. Fills in f.ID and
	// f.Position.
	InsertFlag(ctx context.Context, f *models.Flag) error
	UpdateFlag(ctx context.Context, f *models.Flag) error
	SetEnabled(ctx context.Context, id int, enabled bool) error
	SwapPositions(ctx context.Context, a, b int) error
	DeleteFlag(ctx context.Context, id int) error
	// True when another flag has the same name (case-insensitively) or the
	// same name_key. exceptID is ignored when checking.
	NameTaken(ctx context.Context, name, nameKey string, exceptID int) (bool, error)
}

type PgStore struct {
	Conn db.ConnOrTx
}

var _ Store = &PgStore{}

func (s *PgStore) ListFlags(ctx context.Context) ([]*models.Flag, error) {
	rows, err := db.Query[models.Flag](ctx, s.Conn,
		`
		---- List flags
		SELECT $columns
		FROM flags
		ORDER BY position, id
		`,
	)
	if err != nil {
		return nil, oops.New(err, "failed to list flags")
	}
	return rows, nil
}

func (s *PgStore) GetFlag(ctx context.Context, id int) (*models.Flag, error) {
	f, err := db.QueryOne[models.Flag](ctx, s.Conn,
		`
		---- Get flag
		SELECT $columns
		FROM flags
		WHERE id = $1
		`,
		id,
	)
	if errors.Is(err, db.NotFound) {
		return nil, db.NotFound
	} else if err != nil {
		return nil, oops.New(err, "failed to fetch flag %d", id)
	}
	return f, nil
}

func (s *PgStore) InsertFlag(ctx context.Context, f *models.Flag) error {
	err := s.Conn.QueryRow(ctx,
		`
		---- Insert custom flag
		INSERT INTO flags (
			name, name_key, description, applies_to, position, enabled, require_message,
			score_type, auto_action_type, notify_type, custom_type, topic_type, score_bonus,
			created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, (SELECT COALESCE(MAX(position), -1) + 1 FROM flags), $5, $6,
			$7, $8, $9, $10, $11, $12,
			NOW(), NOW()
		)
		RETURNING id, position, created_at, updated_at
		`,
		f.Name, f.NameKey, f.Description, f.AppliesTo, f.Enabled, f.RequireMessage,
		f.ScoreType, f.AutoActionType, f.NotifyType, f.CustomType, f.TopicType, f.ScoreBonus,
	).Scan(&f.ID, &f.Position, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return oops.New(err, "failed to insert flag %q", f.Name)
	}
	return nil
}

func (s *PgStore) UpdateFlag(ctx context.Context, f *models.Flag) error {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Update flag
		UPDATE flags
		SET
			name = $2,
			name_key = $3,
			description = $4,
			applies_to = $5,
			require_message = $6,
			auto_action_type = $7,
			notify_type = $8,
			custom_type = $9,
			topic_type = $10,
			score_bonus = $11,
			updated_at = NOW()
		WHERE id = $1
		`,
		f.ID, f.Name, f.NameKey, f.Description, f.AppliesTo, f.RequireMessage,
		f.AutoActionType, f.NotifyType, f.CustomType, f.TopicType, f.ScoreBonus,
	)
	if err != nil {
		return oops.New(err, "failed to update flag %d", f.ID)
	}
	if tag.RowsAffected() == 0 {
		return db.NotFound
	}
	return nil
}

func (s *PgStore) SetEnabled(ctx context.Context, id int, enabled bool) error {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Toggle flag
		UPDATE flags SET enabled = $2, updated_at = NOW() WHERE id = $1
		`,
		id, enabled,
	)
	if err != nil {
		return oops.New(err, "failed to toggle flag %d", id)
	}
	if tag.RowsAffected() == 0 {
		return db.NotFound
	}
	return nil
}

func (s *PgStore) SwapPositions(ctx context.Context, a, b int) error {
	tag, err := s.Conn.Exec(ctx,
		`
		---- Swap flag positions
		UPDATE flags AS f
		SET position = other.position, updated_at = NOW()
		FROM flags AS other
		WHERE
			(f.id = $1 AND other.id = $2)
			OR (f.id = $2 AND other.id = $1)
		`,
		a, b,
	)
	if err != nil {
		return oops.New(err, "failed to swap positions of flags %d and %d", a, b)
	}
	if tag.RowsAffected() != 2 {
		return db.NotFound
	}
	return nil
}

func (s *PgStore) DeleteFlag(ctx context.Context, id int) error {
	_, err := s.Conn.Exec(ctx,
		`
		---- Delete flag
		DELETE FROM flags WHERE id = $1 AND id >= $2
		`,
		id, models.FirstCustomFlagID,
	)
	if err != nil {
		return oops.New(err, "failed to delete flag %d", id)
	}
	return nil
}

func (s *PgStore) NameTaken(ctx context.Context, name, nameKey string, exceptID int) (bool, error) {
	taken, err := db.QueryOneScalar[bool](ctx, s.Conn,
		`
		---- Flag name taken
		SELECT EXISTS (
			SELECT 1
			FROM flags
			WHERE
				(LOWER(name) = LOWER($1) OR name_key = $2)
				AND id <> $3
		)
		`,
		name, nameKey, exceptID,
	)
	if err != nil {
		return false, oops.New(err, "failed to check flag name")
	}
	return taken, nil
}

func (s *PgStore) FlagUsed(ctx context.Context, flagID int) (bool, error) {
	used, err := db.QueryOneScalar[bool](ctx, s.Conn,
		`
		---- Flag used
		SELECT EXISTS (SELECT 1 FROM reviewable_scores WHERE flag_id = $1)
		`,
		flagID,
	)
	if err != nil {
		return false, oops.New(err, "failed to check flag usage")
	}
	return used, nil
}

// Builds the process-wide catalog from the flags table.
func LoadCatalog(ctx context.Context, store Store) (*Catalog, error) {
	rows, err := store.ListFlags(ctx)
	if err != nil {
		return nil, err
	}
	c := NewCatalog(store)
	c.Reload(rows)
	return c, nil
}
