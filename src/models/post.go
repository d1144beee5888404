package models

import "time"

type HiddenReason int

const (
	HiddenReasonFlagThreshold      HiddenReason = 1
	HiddenReasonFlagThresholdAgain HiddenReason = 2
	HiddenReasonNewUserSpam        HiddenReason = 3
	HiddenReasonStaff              HiddenReason = 4
)

type Post struct {
	ID             int64         `db:"id"`
	UserID         int64         `db:"user_id"`
	TopicID        int64         `db:"topic_id"`
	Raw            string        `db:"raw"`
	Hidden         bool          `db:"hidden"`
	HiddenAt       *time.Time    `db:"hidden_at"`
	HiddenReasonID *HiddenReason `db:"hidden_reason_id"`
	CreatedAt      time.Time     `db:"created_at"`
}
