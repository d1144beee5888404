package scoring

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"git.handmade.network/hmn/reviewq/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccuracyBonus(t *testing.T) {
	t.Run("no bonus with little history", func(t *testing.T) {
		for agreed := 0; agreed <= 5; agreed++ {
			for disagreed := 0; agreed+disagreed <= 5; disagreed++ {
				ignored := 5 - agreed - disagreed
				stats := models.UserStats{FlagsAgreed: agreed, FlagsDisagreed: disagreed, FlagsIgnored: ignored}
				assert.Equal(t, 0.0, AccuracyBonus(stats), "%+v", stats)
			}
		}
		assert.Equal(t, 0.0, AccuracyBonus(models.UserStats{FlagsAgreed: 5}))
	})
	t.Run("ratio", func(t *testing.T) {
		assert.Equal(t, 4.0, AccuracyBonus(models.UserStats{FlagsAgreed: 8, FlagsDisagreed: 2}))
		assert.Equal(t, 5.0, AccuracyBonus(models.UserStats{FlagsAgreed: 6}))
		assert.Equal(t, 0.0, AccuracyBonus(models.UserStats{FlagsDisagreed: 3, FlagsIgnored: 3}))

		agreed, total := 1.0, 6.0
		assert.Equal(t, (agreed/total)*5.0, AccuracyBonus(models.UserStats{FlagsAgreed: 1, FlagsIgnored: 5}))
	})
}

func TestUserWeight(t *testing.T) {
	assert.Equal(t, 3.0, UserWeight(&models.User{TrustLevel: 2}, models.UserStats{}))
	assert.Equal(t, 1.0, UserWeight(&models.User{TrustLevel: 0}, models.UserStats{}))
	assert.Equal(t, 6.0, UserWeight(&models.User{TrustLevel: 1, Staff: true}, models.UserStats{}))
	assert.Equal(t, 1.0+3.0+4.0, UserWeight(&models.User{TrustLevel: 3}, models.UserStats{FlagsAgreed: 8, FlagsDisagreed: 2}))
}

func TestCalculateScore(t *testing.T) {
	user := &models.User{TrustLevel: 2}

	score, bonus := CalculateScore(user, models.UserStats{}, 0, false)
	assert.Equal(t, 3.0, score)
	assert.Equal(t, 0.0, bonus)

	score, bonus = CalculateScore(user, models.UserStats{}, 1.5, true)
	assert.Equal(t, 3.0+1.5+5.0, score)
	assert.Equal(t, 5.0, bonus)
}

func TestAggregate(t *testing.T) {
	scores := []*models.ReviewableScore{
		{Score: 3, Status: models.ScorePending},
		{Score: 2, Status: models.ScoreAgreed},
		{Score: 7, Status: models.ScoreDisagreed},
		{Score: 11, Status: models.ScoreIgnored},
	}
	assert.Equal(t, 5.0, Aggregate(scores))
	assert.Equal(t, 0.0, Aggregate(nil))
}

func TestScoreToHide(t *testing.T) {
	assert.True(t, math.IsInf(ScoreToHide(10, SensitivityDisabled), 1))
	assert.Equal(t, 10.0, ScoreToHide(10, SensitivityLow))
	assert.InDelta(t, 10.0*6.0/9.0, ScoreToHide(10, SensitivityMedium), 1e-12)
	assert.InDelta(t, 10.0/3.0, ScoreToHide(10, SensitivityHigh), 1e-12)

	s, err := ParseSensitivity("high")
	require.Nil(t, err)
	assert.Equal(t, SensitivityHigh, s)
	_, err = ParseSensitivity("extreme")
	assert.NotNil(t, err)
}

func TestThresholds(t *testing.T) {
	th := Thresholds{Medium: 5, High: 10}
	assert.Equal(t, PriorityLow, th.PriorityFor(4.99))
	assert.Equal(t, PriorityMedium, th.PriorityFor(5))
	assert.Equal(t, PriorityHigh, th.PriorityFor(12))
	assert.Equal(t, 10.0, th.MinScore(PriorityHigh))
	assert.Equal(t, 0.0, th.MinScore(PriorityLow))
	assert.Equal(t, "medium", PriorityMedium.String())
}

type scoreKey struct {
	reviewableID, userID int64
	flagID               int
}

type memStore struct {
	mu     sync.Mutex
	nextID int64
	scores []*models.ReviewableScore
	stats  map[int64]*models.UserStats
}

func (s *memStore) InsertScore(ctx context.Context, sc *models.ReviewableScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scoreKey{sc.ReviewableID, sc.UserID, sc.FlagID}
	for _, existing := range s.scores {
		if existing.Status == models.ScorePending && (scoreKey{existing.ReviewableID, existing.UserID, existing.FlagID}) == key {
			return ErrDuplicateScore
		}
	}
	s.nextID++
	sc.ID = s.nextID
	sc.CreatedAt = time.Now()
	copied := *sc
	s.scores = append(s.scores, &copied)
	return nil
}

func (s *memStore) UserStats(ctx context.Context, userID int64) (models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[userID]; ok {
		return *st, nil
	}
	return models.UserStats{UserID: userID}, nil
}

func (s *memStore) BumpFlagStats(ctx context.Context, status models.ScoreStatus, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		s.stats = map[int64]*models.UserStats{}
	}
	seen := map[int64]bool{}
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		st, ok := s.stats[id]
		if !ok {
			st = &models.UserStats{UserID: id}
			s.stats[id] = st
		}
		switch status {
		case models.ScoreAgreed:
			st.FlagsAgreed++
		case models.ScoreDisagreed:
			st.FlagsDisagreed++
		case models.ScoreIgnored:
			st.FlagsIgnored++
		}
	}
	return nil
}

func TestRecordScore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}

	first, err := RecordScore(ctx, store, 1, 42, 8, "spam", 3.0, 0, nil)
	require.Nil(t, err)
	assert.Equal(t, 3.0, first.Score)
	assert.Equal(t, models.ScorePending, first.Status)
	assert.NotZero(t, first.ID)

	_, err = RecordScore(ctx, store, 1, 42, 8, "spam", 3.0, 0, nil)
	assert.ErrorIs(t, err, ErrDuplicateScore)

	_, err = RecordScore(ctx, store, 1, 42, 3, "off_topic", 3.0, 0, nil)
	assert.Nil(t, err, "a different reason is a separate score")

	_, err = RecordScore(ctx, store, 2, 42, 8, "spam", 3.0, 5.0, nil)
	assert.Nil(t, err, "a different reviewable is a separate score")

	store.scores[0].Status = models.ScoreAgreed
	again, err := RecordScore(ctx, store, 1, 42, 8, "spam", 3.0, 5.0, nil)
	require.Nil(t, err, "once the first score is reviewed the user may flag again")
	assert.Equal(t, 8.0, again.Score)
	assert.Equal(t, 5.0, again.TakeActionBonus)
}
