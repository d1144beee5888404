package models

import (
	"fmt"
	"time"
)

type QueuedPostState int

const (
	QueuedPostNew      QueuedPostState = 1
	QueuedPostApproved QueuedPostState = 2
	QueuedPostRejected QueuedPostState = 3
)

func (s QueuedPostState) String() string {
	switch s {
	case QueuedPostNew:
		return "new"
	case QueuedPostApproved:
		return "approved"
	case QueuedPostRejected:
		return "rejected"
	}
	return fmt.Sprintf("QueuedPostState(%d)", int(s))
}

const DefaultQueue = "default"

type QueuedPost struct {
	ID           int64           `db:"id"`
	Queue        string          `db:"queue"`
	State        QueuedPostState `db:"state"`
	UserID       int64           `db:"user_id"`
	Raw          string          `db:"raw"`
	TopicID      *int64          `db:"topic_id"`
	PostOptions  map[string]any  `db:"post_options"`
	Reasons      []string        `db:"reasons"`
	ApprovedByID *int64          `db:"approved_by_id"`
	ApprovedAt   *time.Time      `db:"approved_at"`
	RejectedByID *int64          `db:"rejected_by_id"`
	RejectedAt   *time.Time      `db:"rejected_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}
