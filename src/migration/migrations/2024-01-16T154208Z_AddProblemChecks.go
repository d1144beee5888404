package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/migration/types"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(AddProblemChecks{})
}

type AddProblemChecks struct{}

func (m AddProblemChecks) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 1, 16, 15, 42, 8, 0, time.UTC))
}

func (m AddProblemChecks) Name() string {
	return "AddProblemChecks"
}

func (m AddProblemChecks) Description() string {
	return "Add problem check trackers and admin notices"
}

func (m AddProblemChecks) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE TABLE problem_check_trackers (
			id BIGSERIAL PRIMARY KEY,
			identifier VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL DEFAULT '',
			blips INT NOT NULL DEFAULT 0,
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_run_at TIMESTAMP WITH TIME ZONE,
			next_run_at TIMESTAMP WITH TIME ZONE,
			last_problem_at TIMESTAMP WITH TIME ZONE,
			last_success_at TIMESTAMP WITH TIME ZONE,
			CONSTRAINT problem_check_trackers_identifier_target UNIQUE (identifier, target)
		);

		CREATE TABLE admin_notices (
			id BIGSERIAL PRIMARY KEY,
			subject VARCHAR(64) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			identifier VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL DEFAULT '',
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT admin_notices_identifier_target UNIQUE (identifier, target)
		);
		`,
	)
	return err
}

func (m AddProblemChecks) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE admin_notices;
		DROP TABLE problem_check_trackers;
		`,
	)
	return err
}
