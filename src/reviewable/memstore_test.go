package reviewable

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/queuegate"
	"git.handmade.network/hmn/reviewq/src/scoring"
)

type memData struct {
	nextID      int64
	reviewables map[int64]models.Reviewable
	scores      []models.ReviewableScore
	histories   []models.ReviewableHistory
	posts       map[int64]models.Post
	users       map[int64]models.User
	stats       map[int64]models.UserStats
}

func (d *memData) clone() *memData {
	res := &memData{
		nextID:      d.nextID,
		reviewables: make(map[int64]models.Reviewable, len(d.reviewables)),
		scores:      append([]models.ReviewableScore(nil), d.scores...),
		histories:   append([]models.ReviewableHistory(nil), d.histories...),
		posts:       make(map[int64]models.Post, len(d.posts)),
		users:       make(map[int64]models.User, len(d.users)),
		stats:       make(map[int64]models.UserStats, len(d.stats)),
	}
	for k, v := range d.reviewables {
		res.reviewables[k] = v
	}
	for k, v := range d.posts {
		res.posts[k] = v
	}
	for k, v := range d.users {
		res.users[k] = v
	}
	for k, v := range d.stats {
		res.stats[k] = v
	}
	return res
}

// An in-memory Store with the same conditional-write contract as PgStore.
// Transactions are serialized and roll back on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *memData
}

var _ Store = &memStore{}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		reviewables: map[int64]models.Reviewable{},
		posts:       map[int64]models.Post{},
		users:       map[int64]models.User{},
		stats:       map[int64]models.UserStats{},
	}}
}

func (s *memStore) id() int64 {
	s.data.nextID++
	return s.data.nextID
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) DB() db.ConnOrTx { return nil }

func (s *memStore) Get(ctx context.Context, id int64) (*models.Reviewable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.reviewables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *memStore) FindOrCreate(ctx context.Context, target models.Target, createdByID int64) (*models.Reviewable, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.data.reviewables {
		if r.Target() == target {
			return &r, false, nil
		}
	}
	now := time.Now().UTC()
	r := models.Reviewable{
		ID:          s.id(),
		TargetType:  target.Kind,
		TargetID:    target.ID,
		CreatedByID: createdByID,
		Status:      models.ReviewablePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.data.reviewables[r.ID] = r
	return &r, true, nil
}

func (s *memStore) List(ctx context.Context, f Filter) ([]*models.Reviewable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*models.Reviewable
	for _, r := range s.data.reviewables {
		r := r
		if r.Score < f.MinScore {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.TargetKind != "" && r.TargetType != f.TargetKind {
			continue
		}
		if f.ClaimedByID != nil && !r.ClaimedBy(*f.ClaimedByID) {
			continue
		}
		res = append(res, &r)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		return res[i].ID < res[j].ID
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *memStore) PendingStats(ctx context.Context) (PendingStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats PendingStats
	for _, r := range s.data.reviewables {
		if r.Status != models.ReviewablePending {
			continue
		}
		stats.Count++
		if stats.Oldest == nil || r.CreatedAt.Before(*stats.Oldest) {
			created := r.CreatedAt
			stats.Oldest = &created
		}
	}
	return stats, nil
}

func (s *memStore) update(id int64, cond func(r *models.Reviewable) bool, apply func(r *models.Reviewable)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.reviewables[id]
	if !ok || !cond(&r) {
		return queuegate.ErrStaleTransition
	}
	apply(&r)
	r.UpdatedAt = time.Now().UTC()
	s.data.reviewables[id] = r
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, c StatusChange) error {
	return s.update(c.ID,
		func(r *models.Reviewable) bool {
			return r.Status == c.From && r.Version == c.ExpectedVersion &&
				(c.ClaimedBy == nil || r.ClaimedBy(*c.ClaimedBy))
		},
		func(r *models.Reviewable) {
			r.Status = c.To
			r.Version++
		},
	)
}

func (s *memStore) SetClaim(ctx context.Context, id, userID int64) error {
	return s.update(id,
		func(r *models.Reviewable) bool {
			return r.ClaimedByID == nil && r.Status == models.ReviewablePending
		},
		func(r *models.Reviewable) { r.ClaimedByID = &userID },
	)
}

func (s *memStore) ClearClaim(ctx context.Context, id, userID int64) error {
	return s.update(id,
		func(r *models.Reviewable) bool { return r.ClaimedBy(userID) },
		func(r *models.Reviewable) { r.ClaimedByID = nil },
	)
}

func (s *memStore) BumpVersion(ctx context.Context, id int64, expectedVersion int) error {
	return s.update(id,
		func(r *models.Reviewable) bool { return r.Version == expectedVersion },
		func(r *models.Reviewable) { r.Version++ },
	)
}

func (s *memStore) SetScore(ctx context.Context, id int64, score float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.data.reviewables[id]
	r.Score = score
	r.LatestScoreAt = &at
	s.data.reviewables[id] = r
	return nil
}

func (s *memStore) InsertScore(ctx context.Context, sc *models.ReviewableScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.scores {
		if existing.ReviewableID == sc.ReviewableID && existing.UserID == sc.UserID &&
			existing.FlagID == sc.FlagID && existing.Status == models.ScorePending {
			return scoring.ErrDuplicateScore
		}
	}
	sc.ID = s.id()
	sc.CreatedAt = time.Now().UTC()
	s.data.scores = append(s.data.scores, *sc)
	return nil
}

func (s *memStore) UserStats(ctx context.Context, userID int64) (models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.data.stats[userID]
	if !ok {
		stats.UserID = userID
	}
	return stats, nil
}

func (s *memStore) BumpFlagStats(ctx context.Context, status models.ScoreStatus, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		stats := s.data.stats[id]
		stats.UserID = id
		switch status {
		case models.ScoreAgreed:
			stats.FlagsAgreed++
		case models.ScoreDisagreed:
			stats.FlagsDisagreed++
		case models.ScoreIgnored:
			stats.FlagsIgnored++
		default:
			return errors.New("no flag stat for status")
		}
		s.data.stats[id] = stats
	}
	return nil
}

func (s *memStore) ListScores(ctx context.Context, reviewableID int64) ([]*models.ReviewableScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*models.ReviewableScore
	for _, sc := range s.data.scores {
		if sc.ReviewableID == reviewableID {
			sc := sc
			res = append(res, &sc)
		}
	}
	return res, nil
}

func (s *memStore) TransitionScores(ctx context.Context, reviewableID int64, status models.ScoreStatus, reviewerID int64, at time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var userIDs []int64
	for i := range s.data.scores {
		sc := &s.data.scores[i]
		if sc.ReviewableID != reviewableID || sc.Status != models.ScorePending {
			continue
		}
		reviewer, reviewedAt := reviewerID, at
		sc.Status = status
		sc.ReviewedByID = &reviewer
		sc.ReviewedAt = &reviewedAt
		userIDs = append(userIDs, sc.UserID)
	}
	return userIDs, nil
}

func (s *memStore) AppendHistory(ctx context.Context, h *models.ReviewableHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.ID = s.id()
	h.CreatedAt = time.Now().UTC()
	s.data.histories = append(s.data.histories, *h)
	return nil
}

func (s *memStore) History(ctx context.Context, reviewableID int64) ([]*models.ReviewableHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*models.ReviewableHistory
	for _, h := range s.data.histories {
		if h.ReviewableID == reviewableID {
			h := h
			res = append(res, &h)
		}
	}
	return res, nil
}

func (s *memStore) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.posts[id]
	if !ok {
		return nil, db.NotFound
	}
	return &p, nil
}

func (s *memStore) HidePost(ctx context.Context, postID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.posts[postID]
	if !ok || p.Hidden {
		return false, nil
	}
	reason := models.HiddenReasonFlagThreshold
	if p.HiddenAt != nil {
		reason = models.HiddenReasonFlagThresholdAgain
	}
	p.Hidden = true
	p.HiddenAt = &at
	p.HiddenReasonID = &reason
	s.data.posts[postID] = p
	return true, nil
}

func (s *memStore) UnhidePost(ctx context.Context, postID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.posts[postID]
	if !ok || !p.Hidden {
		return false, nil
	}
	p.Hidden = false
	p.HiddenReasonID = nil
	s.data.posts[postID] = p
	return true, nil
}

func (s *memStore) ApproveUser(ctx context.Context, userID, approverID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[userID]
	if !ok || u.Approved {
		return nil
	}
	u.Approved = true
	u.ApprovedByID = &approverID
	u.ApprovedAt = &at
	s.data.users[userID] = u
	return nil
}

// Test helpers.

func (s *memStore) addPost(p models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.posts[p.ID] = p
}

func (s *memStore) post(id int64) models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.posts[id]
}

func (s *memStore) addUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[u.ID] = u
}

func (s *memStore) user(id int64) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.users[id]
}

func (s *memStore) setStats(stats models.UserStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.stats[stats.UserID] = stats
}

func (s *memStore) statsOf(id int64) models.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.stats[id]
}
