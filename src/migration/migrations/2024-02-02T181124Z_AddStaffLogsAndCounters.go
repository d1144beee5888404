package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/migration/types"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(AddStaffLogsAndCounters{})
}

type AddStaffLogsAndCounters struct{}

func (m AddStaffLogsAndCounters) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 2, 2, 18, 11, 24, 0, time.UTC))
}

func (m AddStaffLogsAndCounters) Name() string {
	return "AddStaffLogsAndCounters"
}

func (m AddStaffLogsAndCounters) Description() string {
	return "Add the staff action log and durable daily counters"
}

func (m AddStaffLogsAndCounters) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE TABLE staff_action_logs (
			id BIGSERIAL PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			acting_user_id BIGINT NOT NULL REFERENCES users (id),
			subject_type VARCHAR(64) NOT NULL,
			subject_id BIGINT NOT NULL,
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX staff_action_logs_created ON staff_action_logs (created_at DESC, id DESC);

		CREATE TABLE daily_counters (
			name VARCHAR(64) NOT NULL,
			subject_id BIGINT NOT NULL,
			day DATE NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (name, subject_id, day)
		);
		`,
	)
	return err
}

func (m AddStaffLogsAndCounters) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE daily_counters;
		DROP TABLE staff_action_logs;
		`,
	)
	return err
}
