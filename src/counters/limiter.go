package counters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"git.handmade.network/hmn/reviewq/src/kv"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/models"
)

var ErrRateLimited = errors.New("rate limited")

type RateLimitedError struct {
	Limiter    string
	Max        int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s limit of %d per day reached; try again in %s", e.Limiter, e.Max, e.RetryAfter.Round(time.Minute))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

const dayFormat = "2006-01-02"

func Day(t time.Time) string {
	return t.UTC().Format(dayFormat)
}

func untilEndOfDay(now time.Time) time.Duration {
	now = now.UTC()
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Sub(now)
}

// Trust level multipliers for the per-day flag limit.
var flagLimitMultipliers = map[int]float64{
	2: 1.5,
	3: 2,
	4: 3,
}

/*
A per-user, per-UTC-day counter with a ceiling. Hit increments first and
rolls the increment back when it went over, so concurrent hits can never leave
the stored count above the limit for long, and a rejected action costs
nothing.
*/
type DailyLimiter struct {
	Name  string
	Max   int
	Store Store
	Keys  kv.Keys
	Now   func() time.Time

	// Scales Max by trust level. Nil means everyone gets Max.
	Multipliers map[int]float64
}

func NewFlagLimiter(store Store, keys kv.Keys, maxPerDay int) *DailyLimiter {
	return &DailyLimiter{Name: "flags", Max: maxPerDay, Store: store, Keys: keys, Multipliers: flagLimitMultipliers}
}

func NewLikeLimiter(store Store, keys kv.Keys, maxPerDay int) *DailyLimiter {
	return &DailyLimiter{Name: "likes", Max: maxPerDay, Store: store, Keys: keys}
}

func (l *DailyLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// The user's ceiling for today. Staff and the system user are not limited.
func (l *DailyLimiter) LimitFor(user *models.User) (int, bool) {
	if user.Staff || user.IsSystem() {
		return 0, false
	}
	limit := l.Max
	if mult, ok := l.Multipliers[user.TrustLevel]; ok {
		limit = int(float64(limit) * mult)
	}
	return limit, true
}

func (l *DailyLimiter) key(userID int64, now time.Time) string {
	return l.Keys.Key("limit", l.Name, strconv.FormatInt(userID, 10), Day(now))
}

// Records one action, or returns a *RateLimitedError matching ErrRateLimited.
func (l *DailyLimiter) Hit(ctx context.Context, user *models.User) error {
	limit, limited := l.LimitFor(user)
	if !limited {
		return nil
	}

	now := l.now()
	key := l.key(user.ID, now)
	ttl := untilEndOfDay(now) + time.Hour

	n, err := l.Store.Incr(ctx, key, ttl)
	if err != nil {
		return err
	}
	if n > int64(limit) {
		if _, err := l.Store.Decr(ctx, key); err != nil {
			return err
		}
		metrics.RateLimited.WithLabelValues(l.Name).Inc()
		return &RateLimitedError{Limiter: l.Name, Max: limit, RetryAfter: untilEndOfDay(now)}
	}
	return nil
}

// Gives back a hit, for when the action failed after Hit succeeded.
func (l *DailyLimiter) Rollback(ctx context.Context, user *models.User) error {
	if _, limited := l.LimitFor(user); !limited {
		return nil
	}
	_, err := l.Store.Decr(ctx, l.key(user.ID, l.now()))
	return err
}

// How many hits the user has left today. Unlimited users get -1.
func (l *DailyLimiter) Remaining(ctx context.Context, user *models.User) (int, error) {
	limit, limited := l.LimitFor(user)
	if !limited {
		return -1, nil
	}
	n, err := l.Store.Get(ctx, l.key(user.ID, l.now()))
	if err != nil {
		return 0, err
	}
	return max(0, limit-int(n)), nil
}
