package models

import "time"

// A row of the flags table. System flags have ids below 1000 and are seeded
// by migrations; custom flags start at 1001.
type Flag struct {
	ID             int       `db:"id"`
	Name           string    `db:"name"`
	NameKey        string    `db:"name_key"`
	Description    string    `db:"description"`
	AppliesTo      []string  `db:"applies_to"`
	Position       int       `db:"position"`
	Enabled        bool      `db:"enabled"`
	RequireMessage bool      `db:"require_message"`
	ScoreType      bool      `db:"score_type"`
	AutoActionType bool      `db:"auto_action_type"`
	NotifyType     bool      `db:"notify_type"`
	CustomType     bool      `db:"custom_type"`
	TopicType      bool      `db:"topic_type"`
	ScoreBonus     float64   `db:"score_bonus"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const (
	MaxSystemFlagID   = 1000
	FirstCustomFlagID = 1001
)
