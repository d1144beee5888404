package models

import (
	"fmt"
	"time"
)

type ReviewableStatus int

const (
	ReviewablePending  ReviewableStatus = 0
	ReviewableApproved ReviewableStatus = 1
	ReviewableRejected ReviewableStatus = 2
	ReviewableIgnored  ReviewableStatus = 3
)

func (s ReviewableStatus) String() string {
	switch s {
	case ReviewablePending:
		return "pending"
	case ReviewableApproved:
		return "approved"
	case ReviewableRejected:
		return "rejected"
	case ReviewableIgnored:
		return "ignored"
	}
	return fmt.Sprintf("ReviewableStatus(%d)", int(s))
}

func (s ReviewableStatus) Terminal() bool {
	return s != ReviewablePending
}

type ScoreStatus int

const (
	ScorePending   ScoreStatus = 0
	ScoreAgreed    ScoreStatus = 1
	ScoreDisagreed ScoreStatus = 2
	ScoreIgnored   ScoreStatus = 3
)

func (s ScoreStatus) String() string {
	switch s {
	case ScorePending:
		return "pending"
	case ScoreAgreed:
		return "agreed"
	case ScoreDisagreed:
		return "disagreed"
	case ScoreIgnored:
		return "ignored"
	}
	return fmt.Sprintf("ScoreStatus(%d)", int(s))
}

type HistoryType int

const (
	HistoryCreated      HistoryType = 0
	HistoryTransitioned HistoryType = 1
	HistoryEdited       HistoryType = 2
	HistoryClaimed      HistoryType = 3
	HistoryUnclaimed    HistoryType = 4
)

func (t HistoryType) String() string {
	switch t {
	case HistoryCreated:
		return "created"
	case HistoryTransitioned:
		return "transitioned"
	case HistoryEdited:
		return "edited"
	case HistoryClaimed:
		return "claimed"
	case HistoryUnclaimed:
		return "unclaimed"
	}
	return fmt.Sprintf("HistoryType(%d)", int(t))
}

type Reviewable struct {
	ID            int64            `db:"id"`
	TargetType    TargetKind       `db:"target_type"`
	TargetID      int64            `db:"target_id"`
	CreatedByID   int64            `db:"created_by_id"`
	Status        ReviewableStatus `db:"status"`
	Score         float64          `db:"score"`
	LatestScoreAt *time.Time       `db:"latest_score_at"`
	ClaimedByID   *int64           `db:"claimed_by_id"`
	Version       int              `db:"version"`
	ForceReview   bool             `db:"force_review"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

func (r *Reviewable) Target() Target {
	return Target{Kind: r.TargetType, ID: r.TargetID}
}

func (r *Reviewable) ClaimedBy(userID int64) bool {
	return r.ClaimedByID != nil && *r.ClaimedByID == userID
}

type ReviewableScore struct {
	ID              int64       `db:"id"`
	ReviewableID    int64       `db:"reviewable_id"`
	UserID          int64       `db:"user_id"`
	FlagID          int         `db:"flag_id"`
	Score           float64     `db:"score"`
	TakeActionBonus float64     `db:"take_action_bonus"`
	Status          ScoreStatus `db:"status"`
	Reason          *string     `db:"reason"`
	ReviewedByID    *int64      `db:"reviewed_by_id"`
	ReviewedAt      *time.Time  `db:"reviewed_at"`
	CreatedAt       time.Time   `db:"created_at"`
}

type ReviewableHistory struct {
	ID           int64            `db:"id"`
	ReviewableID int64            `db:"reviewable_id"`
	HistoryType  HistoryType      `db:"history_type"`
	Status       ReviewableStatus `db:"status"`
	CreatedByID  int64            `db:"created_by_id"`
	Edited       map[string]any   `db:"edited"`
	CreatedAt    time.Time        `db:"created_at"`
}
