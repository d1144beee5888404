package auditlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingSink struct{ calls int }

func (s *failingSink) Append(ctx context.Context, entry Entry) error {
	s.calls++
	return errors.New("database is down")
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("memory sink keeps order", func(t *testing.T) {
		var sink MemorySink
		Record(ctx, &sink, Entry{Action: ActionClaimReviewable, ActingUserID: 1, SubjectType: "Reviewable", SubjectID: 9})
		Record(ctx, &sink, Entry{Action: ActionUnclaimReviewable, ActingUserID: 1, SubjectType: "Reviewable", SubjectID: 9})
		assert.Equal(t, []string{ActionClaimReviewable, ActionUnclaimReviewable}, sink.Actions())
		assert.Equal(t, int64(9), sink.Entries()[1].SubjectID)
	})
	t.Run("failures are swallowed", func(t *testing.T) {
		sink := &failingSink{}
		assert.NotPanics(t, func() {
			Record(ctx, sink, Entry{Action: ActionApproveReviewable})
		})
		assert.Equal(t, 1, sink.calls)
	})
	t.Run("nil sink", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Record(ctx, nil, Entry{Action: ActionApproveReviewable})
		})
	})
}
