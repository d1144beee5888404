package auditlog

import (
	"context"
	"sync"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/oops"
)

const (
	ActionApproveReviewable = "reviewable_approve"
	ActionRejectReviewable  = "reviewable_reject"
	ActionIgnoreReviewable  = "reviewable_ignore"
	ActionClaimReviewable   = "reviewable_claim"
	ActionUnclaimReviewable = "reviewable_unclaim"
	ActionEditReviewable    = "reviewable_edit"

	ActionApproveQueuedPost = "queued_post_approve"
	ActionRejectQueuedPost  = "queued_post_reject"

	ActionCreateFlag  = "flag_create"
	ActionUpdateFlag  = "flag_update"
	ActionToggleFlag  = "flag_toggle"
	ActionReorderFlag = "flag_reorder"
	ActionDestroyFlag = "flag_destroy"
)

type Entry struct {
	Action       string
	ActingUserID int64
	SubjectType  string
	SubjectID    int64
	Details      map[string]any
}

// Append-only record of privileged changes. Callers append after their own
// transaction has committed and only log a failure.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

type PgSink struct {
	Conn db.ConnOrTx
}

var _ Sink = &PgSink{}

func (s *PgSink) Append(ctx context.Context, entry Entry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.Conn.Exec(ctx,
		`
		---- Append staff action
		INSERT INTO staff_action_logs (action, acting_user_id, subject_type, subject_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		`,
		entry.Action,
		entry.ActingUserID,
		entry.SubjectType,
		entry.SubjectID,
		details,
	)
	if err != nil {
		return oops.New(err, "failed to append staff action %s", entry.Action)
	}
	return nil
}

func (s *PgSink) Recent(ctx context.Context, limit int) ([]*models.StaffActionLog, error) {
	entries, err := db.Query[models.StaffActionLog](ctx, s.Conn,
		`
		---- Recent staff actions
		SELECT $columns
		FROM staff_action_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
		`,
		limit,
	)
	if err != nil {
		return nil, oops.New(err, "failed to fetch staff action logs")
	}
	return entries, nil
}

// Writes entries to the log only. Used when there is nowhere durable to put
// them, e.g. dry runs from the admin CLI.
type LogSink struct{}

func (LogSink) Append(ctx context.Context, entry Entry) error {
	logging.ExtractLogger(ctx).Info().
		Str("action", entry.Action).
		Int64("acting_user_id", entry.ActingUserID).
		Str("subject_type", entry.SubjectType).
		Int64("subject_id", entry.SubjectID).
		Interface("details", entry.Details).
		Msg("staff action")
	return nil
}

// Keeps entries in memory. Handy for tests of anything that audits.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemorySink) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, len(s.entries))
	for i, e := range s.entries {
		actions[i] = e.Action
	}
	return actions
}

// Appends and logs any failure. For use after a commit, where a failed audit
// write must not undo the change.
func Record(ctx context.Context, sink Sink, entry Entry) {
	if sink == nil {
		return
	}
	if err := sink.Append(ctx, entry); err != nil {
		logging.ExtractLogger(ctx).Error().Err(err).Str("action", entry.Action).Msg("failed to write audit log entry")
	}
}
