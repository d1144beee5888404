package models

import "time"

type ProblemCheckTracker struct {
	ID            int64          `db:"id"`
	Identifier    string         `db:"identifier"`
	Target        string         `db:"target"`
	Blips         int            `db:"blips"`
	Details       map[string]any `db:"details"`
	LastRunAt     *time.Time     `db:"last_run_at"`
	NextRunAt     *time.Time     `db:"next_run_at"`
	LastProblemAt *time.Time     `db:"last_problem_at"`
	LastSuccessAt *time.Time     `db:"last_success_at"`
}

// True when the next run is unset or due.
func (t *ProblemCheckTracker) Ready(now time.Time) bool {
	return t.NextRunAt == nil || !t.NextRunAt.After(now)
}

// True when the most recent run found a problem.
func (t *ProblemCheckTracker) Failing() bool {
	return t.LastProblemAt != nil && t.LastRunAt != nil && t.LastProblemAt.Equal(*t.LastRunAt)
}

func (t *ProblemCheckTracker) Passing() bool {
	return t.LastSuccessAt != nil && t.LastRunAt != nil && t.LastSuccessAt.Equal(*t.LastRunAt)
}

type NoticePriority int

const (
	NoticeLow  NoticePriority = 0
	NoticeHigh NoticePriority = 1
)

type AdminNotice struct {
	ID         int64          `db:"id"`
	Subject    string         `db:"subject"`
	Priority   NoticePriority `db:"priority"`
	Identifier string         `db:"identifier"`
	Target     string         `db:"target"`
	Details    map[string]any `db:"details"`
	CreatedAt  time.Time      `db:"created_at"`
}

type StaffActionLog struct {
	ID           int64          `db:"id"`
	Action       string         `db:"action"`
	ActingUserID int64          `db:"acting_user_id"`
	SubjectType  string         `db:"subject_type"`
	SubjectID    int64          `db:"subject_id"`
	Details      map[string]any `db:"details"`
	CreatedAt    time.Time      `db:"created_at"`
}
