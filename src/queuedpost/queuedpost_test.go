package queuedpost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/notify"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"git.handmade.network/hmn/reviewq/src/utils"
	"git.handmade.network/hmn/reviewq/src/validation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	nextID int64
	posts  map[int64]models.QueuedPost
}

var _ Store = &memStore{}

func newMemStore() *memStore {
	return &memStore{posts: map[int64]models.QueuedPost{}}
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[int64]models.QueuedPost, len(s.posts))
	for k, v := range s.posts {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.posts = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) DB() db.ConnOrTx { return nil }

func (s *memStore) Insert(ctx context.Context, qp *models.QueuedPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	qp.ID = s.nextID
	qp.CreatedAt = time.Now().UTC()
	qp.UpdatedAt = qp.CreatedAt
	s.posts[qp.ID] = *qp
	return nil
}

func (s *memStore) Get(ctx context.Context, id int64) (*models.QueuedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qp, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &qp, nil
}

func (s *memStore) List(ctx context.Context, queue string, state models.QueuedPostState, limit int) ([]*models.QueuedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*models.QueuedPost
	for id := int64(1); id <= s.nextID; id++ {
		qp, ok := s.posts[id]
		if ok && qp.Queue == queue && qp.State == state {
			res = append(res, &qp)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memStore) CountVisible(ctx context.Context, queue string) (int, error) {
	qps, err := s.List(ctx, queue, models.QueuedPostNew, 0)
	return len(qps), err
}

func (s *memStore) OldestVisible(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *time.Time
	for _, qp := range s.posts {
		if qp.State == models.QueuedPostNew && (oldest == nil || qp.CreatedAt.Before(*oldest)) {
			created := qp.CreatedAt
			oldest = &created
		}
	}
	return oldest, nil
}

func (s *memStore) Transition(ctx context.Context, id int64, state models.QueuedPostState, actorID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qp, ok := s.posts[id]
	if !ok || qp.State == state {
		return queuegate.ErrStaleTransition
	}
	qp.State = state
	switch state {
	case models.QueuedPostApproved:
		qp.ApprovedByID, qp.ApprovedAt = &actorID, &at
	case models.QueuedPostRejected:
		qp.RejectedByID, qp.RejectedAt = &actorID, &at
	}
	s.posts[id] = qp
	return nil
}

func (s *memStore) UpdateRaw(ctx context.Context, id int64, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qp, ok := s.posts[id]
	if !ok || qp.State != models.QueuedPostNew {
		return queuegate.ErrStaleTransition
	}
	qp.Raw = raw
	s.posts[id] = qp
	return nil
}

type fakeCreator struct {
	mu      sync.Mutex
	created []models.Post
	err     error
}

func (c *fakeCreator) CreatePost(ctx context.Context, tx Store, qp *models.QueuedPost) (*models.Post, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	p := models.Post{ID: int64(1000 + len(c.created)), UserID: qp.UserID, Raw: qp.Raw}
	if qp.TopicID != nil {
		p.TopicID = *qp.TopicID
	}
	c.created = append(c.created, p)
	return &p, nil
}

func (c *fakeCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

var (
	staff    = &models.User{ID: 1, Staff: true, TrustLevel: 4}
	newbie   = &models.User{ID: 20, TrustLevel: 0}
	basic    = &models.User{ID: 21, TrustLevel: 1}
	regular  = &models.User{ID: 22, TrustLevel: 3}
	aTopicID = utils.Ptr(int64(7))
)

func newService() (*Service, *memStore, *fakeCreator, *notify.Recorder, *auditlog.MemorySink) {
	store := newMemStore()
	creator := &fakeCreator{}
	events := &notify.Recorder{}
	audit := &auditlog.MemorySink{}
	return &Service{
		Store:                  store,
		Posts:                  creator,
		ApproveBelowTrustLevel: 1,
		Notify:                 events,
		Audit:                  audit,
	}, store, creator, events, audit
}

func TestReasons(t *testing.T) {
	s, _, _, _, _ := newService()

	assert.Equal(t, []string{ReasonNewUser}, s.Reasons(newbie, "hello"))
	assert.Equal(t, []string{ReasonNewUser, ReasonContainsLinks}, s.Reasons(newbie, "check out https://example.com/deal"))
	assert.Equal(t, []string{ReasonContainsLinks}, s.Reasons(basic, "see www.example.com"))
	assert.Empty(t, s.Reasons(basic, "no links here"))
	assert.Empty(t, s.Reasons(regular, "https://example.com"))
	assert.Empty(t, s.Reasons(&models.User{ID: 2, Staff: true}, "https://example.com"))
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	s, store, _, events, _ := newService()

	qp, err := s.Enqueue(ctx, newbie, Submission{
		Raw:     "my first post https://example.com",
		TopicID: aTopicID,
		Reasons: []string{"watched_word", ReasonNewUser},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostNew, qp.State)
	assert.Equal(t, models.DefaultQueue, qp.Queue)
	assert.Equal(t, []string{ReasonNewUser, ReasonContainsLinks, "watched_word"}, qp.Reasons)
	assert.NotNil(t, qp.PostOptions)

	stored, err := store.Get(ctx, qp.ID)
	require.NoError(t, err)
	assert.Equal(t, qp.Raw, stored.Raw)

	evs := events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, notify.QueueCounts, evs[0].Type)
	assert.Equal(t, notify.ChannelQueueCounts, evs[0].Channel)
	assert.Equal(t, 1, evs[0].Data["queued_posts"])

	_, err = s.Enqueue(ctx, newbie, Submission{Raw: "   "})
	var verrs *validation.Errors
	assert.ErrorAs(t, err, &verrs)
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	s, store, creator, events, audit := newService()
	qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "hello", TopicID: aTopicID})
	require.NoError(t, err)

	approved, post, err := s.Approve(ctx, staff, qp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostApproved, approved.State)
	require.NotNil(t, approved.ApprovedByID)
	assert.Equal(t, staff.ID, *approved.ApprovedByID)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, "hello", post.Raw)
	assert.Equal(t, int64(7), post.TopicID)

	stored, err := store.Get(ctx, qp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostApproved, stored.State)

	_, _, err = s.Approve(ctx, staff, qp.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, 1, creator.count(), "approving twice creates one post")

	assert.Equal(t, []string{auditlog.ActionApproveQueuedPost}, audit.Actions())
	types := events.Types()
	assert.Contains(t, types, notify.QueuedPostApproved)
	last := events.Events()[len(types)-1]
	assert.Equal(t, notify.QueueCounts, last.Type)
	assert.Equal(t, 0, last.Data["queued_posts"])
}

func TestApproveConcurrently(t *testing.T) {
	ctx := context.Background()
	s, _, creator, _, _ := newService()
	qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "hello", TopicID: aTopicID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.Approve(ctx, staff, qp.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidStateTransition)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, creator.count())
}

func TestApproveRollsBackWhenPostCreationFails(t *testing.T) {
	ctx := context.Background()
	s, store, creator, _, audit := newService()
	qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "hello"})
	require.NoError(t, err)

	boom := errors.New("no topic")
	creator.err = boom
	_, _, err = s.Approve(ctx, staff, qp.ID)
	assert.ErrorIs(t, err, boom)

	stored, err := store.Get(ctx, qp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostNew, stored.State)
	assert.Empty(t, audit.Actions())
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	s, _, creator, _, audit := newService()
	qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "spam spam"})
	require.NoError(t, err)

	_, err = s.Reject(ctx, basic, qp.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	rejected, err := s.Reject(ctx, staff, qp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostRejected, rejected.State)
	require.NotNil(t, rejected.RejectedByID)

	_, err = s.Reject(ctx, staff, qp.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = s.Reject(ctx, staff, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, creator.count())
	assert.Equal(t, []string{auditlog.ActionRejectQueuedPost}, audit.Actions())
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	s, store, creator, _, _ := newService()
	h := &Handler{Service: s, StoreFor: func(reviewable.Store) Store { return store }}

	first, err := s.Enqueue(ctx, newbie, Submission{Raw: "one", TopicID: aTopicID})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, newbie, Submission{Raw: "two", TopicID: aTopicID})
	require.NoError(t, err)

	r := &models.Reviewable{TargetType: models.TargetQueuedPost, TargetID: first.ID}
	require.NoError(t, h.Edited(ctx, nil, r, staff, map[string]any{"raw": "one, edited"}))
	require.NoError(t, h.Transitioned(ctx, nil, r, staff, reviewable.ActionApprove))
	require.Equal(t, 1, creator.count())
	assert.Equal(t, "one, edited", creator.created[0].Raw)

	err = h.Edited(ctx, nil, r, staff, map[string]any{"raw": "too late"})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	err = h.Edited(ctx, nil, r, staff, map[string]any{"raw": 12})
	var verrs *validation.Errors
	assert.ErrorAs(t, err, &verrs)
	assert.NoError(t, h.Edited(ctx, nil, r, staff, map[string]any{"note": "unrelated"}))

	r2 := &models.Reviewable{TargetType: models.TargetQueuedPost, TargetID: second.ID}
	require.NoError(t, h.Transitioned(ctx, nil, r2, staff, reviewable.ActionIgnore))
	require.NoError(t, h.Transitioned(ctx, nil, r2, staff, reviewable.ActionReject))
	stored, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedPostRejected, stored.State)

	m := &reviewable.Machine{}
	h.Register(m)
	assert.Equal(t, h, m.Handlers[models.TargetQueuedPost])
	assert.NotNil(t, m.Handlers[models.TargetPost])
}

func TestTransitionsCountedAfterCommit(t *testing.T) {
	ctx := context.Background()
	approved := metrics.QueuedPostTransitions.WithLabelValues("approved")
	rejected := metrics.QueuedPostTransitions.WithLabelValues("rejected")

	t.Run("rolled back approval is not counted", func(t *testing.T) {
		s, _, creator, _, _ := newService()
		qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "hello"})
		require.NoError(t, err)

		before := testutil.ToFloat64(approved)
		creator.err = errors.New("no topic")
		_, _, err = s.Approve(ctx, staff, qp.ID)
		require.Error(t, err)
		assert.Equal(t, before, testutil.ToFloat64(approved))

		creator.err = nil
		_, _, err = s.Approve(ctx, staff, qp.ID)
		require.NoError(t, err)
		assert.Equal(t, before+1, testutil.ToFloat64(approved))
	})

	t.Run("handler counts only on commit", func(t *testing.T) {
		s, store, _, events, _ := newService()
		h := &Handler{Service: s, StoreFor: func(reviewable.Store) Store { return store }}
		qp, err := s.Enqueue(ctx, newbie, Submission{Raw: "nope", TopicID: aTopicID})
		require.NoError(t, err)
		r := &models.Reviewable{TargetType: models.TargetQueuedPost, TargetID: qp.ID}

		before := testutil.ToFloat64(rejected)
		require.NoError(t, h.Transitioned(ctx, nil, r, staff, reviewable.ActionReject))
		assert.Equal(t, before, testutil.ToFloat64(rejected))

		h.Committed(ctx, r, staff, reviewable.ActionReject)
		assert.Equal(t, before+1, testutil.ToFloat64(rejected))
		last := events.Events()[len(events.Events())-1]
		assert.Equal(t, notify.QueueCounts, last.Type)
		assert.Equal(t, 0, last.Data["queued_posts"])

		h.Committed(ctx, r, staff, reviewable.ActionIgnore)
		assert.Equal(t, before+1, testutil.ToFloat64(rejected))
	})
}
