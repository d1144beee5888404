package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/migration/types"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(AddReviewables{})
}

type AddReviewables struct{}

func (m AddReviewables) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 1, 11, 22, 30, 50, 0, time.UTC))
}

func (m AddReviewables) Name() string {
	return "AddReviewables"
}

func (m AddReviewables) Description() string {
	return "Add reviewables, their scores and history, and the queued post queue"
}

func (m AddReviewables) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE TABLE reviewables (
			id BIGSERIAL PRIMARY KEY,
			target_type VARCHAR(32) NOT NULL,
			target_id BIGINT NOT NULL,
			created_by_id BIGINT NOT NULL REFERENCES users (id),
			status INT NOT NULL DEFAULT 0,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			latest_score_at TIMESTAMP WITH TIME ZONE,
			claimed_by_id BIGINT REFERENCES users (id) ON DELETE SET NULL,
			version INT NOT NULL DEFAULT 0,
			force_review BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT reviewables_target UNIQUE (target_type, target_id)
		);
		CREATE INDEX reviewables_pending ON reviewables (score DESC, created_at) WHERE status = 0;

		CREATE TABLE reviewable_scores (
			id BIGSERIAL PRIMARY KEY,
			reviewable_id BIGINT NOT NULL REFERENCES reviewables (id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users (id),
			flag_id INT NOT NULL REFERENCES flags (id),
			score DOUBLE PRECISION NOT NULL,
			take_action_bonus DOUBLE PRECISION NOT NULL DEFAULT 0,
			status INT NOT NULL DEFAULT 0,
			reason TEXT,
			reviewed_by_id BIGINT REFERENCES users (id) ON DELETE SET NULL,
			reviewed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX reviewable_scores_pending
			ON reviewable_scores (reviewable_id, user_id, flag_id)
			WHERE status = 0;
		CREATE INDEX reviewable_scores_flag ON reviewable_scores (flag_id);

		CREATE TABLE reviewable_histories (
			id BIGSERIAL PRIMARY KEY,
			reviewable_id BIGINT NOT NULL REFERENCES reviewables (id) ON DELETE CASCADE,
			history_type INT NOT NULL,
			status INT NOT NULL,
			created_by_id BIGINT NOT NULL REFERENCES users (id),
			edited JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX reviewable_histories_reviewable ON reviewable_histories (reviewable_id, id);

		CREATE TABLE queued_posts (
			id BIGSERIAL PRIMARY KEY,
			queue VARCHAR(255) NOT NULL DEFAULT 'default',
			state INT NOT NULL DEFAULT 1,
			user_id BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			raw TEXT NOT NULL,
			topic_id BIGINT,
			post_options JSONB NOT NULL DEFAULT '{}'::jsonb,
			reasons TEXT[] NOT NULL DEFAULT '{}',
			approved_by_id BIGINT REFERENCES users (id) ON DELETE SET NULL,
			approved_at TIMESTAMP WITH TIME ZONE,
			rejected_by_id BIGINT REFERENCES users (id) ON DELETE SET NULL,
			rejected_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX queued_posts_visible ON queued_posts (queue, created_at) WHERE state = 1;
		`,
	)
	return err
}

func (m AddReviewables) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE queued_posts;
		DROP TABLE reviewable_histories;
		DROP TABLE reviewable_scores;
		DROP TABLE reviewables;
		`,
	)
	return err
}
