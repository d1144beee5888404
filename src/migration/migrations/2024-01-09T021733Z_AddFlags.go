package migrations

import (
	"context"
	"time"

	"git.handmade.network/hmn/reviewq/src/migration/types"
	"github.com/jackc/pgx/v5"
)

func init() {
	registerMigration(AddFlags{})
}

type AddFlags struct{}

func (m AddFlags) Version() types.MigrationVersion {
	return types.MigrationVersion(time.Date(2024, 1, 9, 2, 17, 33, 0, time.UTC))
}

func (m AddFlags) Name() string {
	return "AddFlags"
}

func (m AddFlags) Description() string {
	return "Add the flags table and seed the built-in flags"
}

func (m AddFlags) Up(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		CREATE SEQUENCE flags_custom_id_seq START WITH 1001;

		CREATE TABLE flags (
			id INT PRIMARY KEY DEFAULT nextval('flags_custom_id_seq'),
			name VARCHAR(200) NOT NULL,
			name_key VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			applies_to TEXT[] NOT NULL,
			position INT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			require_message BOOLEAN NOT NULL DEFAULT FALSE,
			score_type BOOLEAN NOT NULL DEFAULT FALSE,
			auto_action_type BOOLEAN NOT NULL DEFAULT FALSE,
			notify_type BOOLEAN NOT NULL DEFAULT FALSE,
			custom_type BOOLEAN NOT NULL DEFAULT FALSE,
			topic_type BOOLEAN NOT NULL DEFAULT FALSE,
			score_bonus DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		ALTER SEQUENCE flags_custom_id_seq OWNED BY flags.id;
		CREATE UNIQUE INDEX flags_name_key ON flags (name_key);
		CREATE UNIQUE INDEX flags_name ON flags (LOWER(name));

		INSERT INTO flags (
			id, name, name_key, description, applies_to, position, enabled, require_message,
			score_type, auto_action_type, notify_type, custom_type, topic_type
		)
		VALUES
			(6, 'Send the author a message', 'notify_user',
				'Contact the author of this post privately.',
				'{Post}', 0, TRUE, TRUE, FALSE, FALSE, FALSE, TRUE, FALSE),
			(3, 'It''s off-topic', 'off_topic',
				'This post is not relevant to the current discussion.',
				'{Post}', 1, TRUE, FALSE, FALSE, TRUE, TRUE, FALSE, FALSE),
			(4, 'It''s inappropriate', 'inappropriate',
				'This content would be considered offensive, abusive, or a violation of the community guidelines.',
				'{Post,User}', 2, TRUE, FALSE, FALSE, TRUE, TRUE, FALSE, TRUE),
			(8, 'It''s spam', 'spam',
				'This is an advertisement or vandalism.',
				'{Post,User}', 3, TRUE, FALSE, FALSE, TRUE, TRUE, FALSE, TRUE),
			(10, 'It''s illegal', 'illegal',
				'This post requires staff attention because it may break the law.',
				'{Post,User}', 4, TRUE, TRUE, FALSE, FALSE, TRUE, TRUE, TRUE),
			(7, 'Something else', 'notify_moderators',
				'This needs staff attention for another reason not listed above.',
				'{Post,User}', 5, TRUE, TRUE, FALSE, FALSE, TRUE, TRUE, TRUE),
			(9, 'Needs approval', 'needs_approval',
				'Queued by the system for staff approval.',
				'{QueuedPost,User}', 6, TRUE, FALSE, TRUE, FALSE, FALSE, FALSE, FALSE);
		`,
	)
	return err
}

func (m AddFlags) Down(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`
		DROP TABLE flags;
		`,
	)
	return err
}
