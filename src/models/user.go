package models

import (
	"time"
)

// Automated actions (auto-hiding, problem checks) are attributed to this user.
const SystemUserID int64 = -1

const MaxTrustLevel = 4

type User struct {
	ID         int64  `db:"id"`
	Username   string `db:"username"`
	TrustLevel int    `db:"trust_level"`
	Staff      bool   `db:"staff"`

	Approved     bool       `db:"approved"`
	ApprovedByID *int64     `db:"approved_by_id"`
	ApprovedAt   *time.Time `db:"approved_at"`
	SilencedTill *time.Time `db:"silenced_till"`

	CreatedAt time.Time `db:"created_at"`
}

func (u *User) IsSystem() bool {
	return u.ID == SystemUserID
}

func (u *User) IsSilenced(now time.Time) bool {
	return u.SilencedTill != nil && u.SilencedTill.After(now)
}

// Flagging history, used for the accuracy bonus.
type UserStats struct {
	UserID         int64 `db:"user_id"`
	FlagsAgreed    int   `db:"flags_agreed"`
	FlagsDisagreed int   `db:"flags_disagreed"`
	FlagsIgnored   int   `db:"flags_ignored"`
}

func (s UserStats) FlagsTotal() int {
	return s.FlagsAgreed + s.FlagsDisagreed + s.FlagsIgnored
}
