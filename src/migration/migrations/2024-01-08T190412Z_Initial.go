package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/migration/types"
	"git.handmade.network/hmn/reviewq/src/models"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(Initial{})
}

type Initial struct{}

func (m Initial) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 1, 8, 19, 4, 12, 0, time.UTC))
}

func (m Initial) Name() string {
	return "Initial"
}

func (m Initial) Description() string {
	return "Users, posts, and the system user"
}

func (m Initial) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE TABLE users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			trust_level INT NOT NULL DEFAULT 0 CHECK (trust_level BETWEEN 0 AND 4),
			staff BOOLEAN NOT NULL DEFAULT FALSE,
			approved BOOLEAN NOT NULL DEFAULT FALSE,
			approved_by_id BIGINT REFERENCES users (id) ON DELETE SET NULL,
			approved_at TIMESTAMP WITH TIME ZONE,
			silenced_till TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX users_username ON users (LOWER(username));

		CREATE TABLE user_stats (
			user_id BIGINT PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
			flags_agreed INT NOT NULL DEFAULT 0,
			flags_disagreed INT NOT NULL DEFAULT 0,
			flags_ignored INT NOT NULL DEFAULT 0
		);

		CREATE TABLE posts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			topic_id BIGINT NOT NULL,
			raw TEXT NOT NULL,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			hidden_at TIMESTAMP WITH TIME ZONE,
			hidden_reason_id INT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX posts_topic ON posts (topic_id);
		`,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`
		INSERT INTO users (id, username, trust_level, staff, approved, created_at)
		VALUES ($1, 'system', 4, TRUE, TRUE, NOW())
		`,
		models.SystemUserID,
	)
	return err
}

func (m Initial) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE posts;
		DROP TABLE user_stats;
		DROP TABLE users;
		`,
	)
	return err
}
