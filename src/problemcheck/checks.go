package problemcheck

import (
	"context"
	"fmt"
	"time"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"github.com/redis/go-redis/v9"
)

const (
	ReviewableBacklog = "reviewable_backlog"
	QueuedPostBacklog = "queued_post_backlog"
	RedisReachable    = "redis_reachable"
	CounterBacklog    = "counter_backlog"
)

type ReviewableStats interface {
	PendingStats(ctx context.Context) (reviewable.PendingStats, error)
}

type QueuedPostStats interface {
	OldestVisible(ctx context.Context) (*time.Time, error)
}

type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type BacklogSizer func(ctx context.Context) (int64, error)

// Everything the built-in checks look at. Nil fields leave their check out.
type Sources struct {
	Reviewables    ReviewableStats
	QueuedPosts    QueuedPostStats
	Redis          Pinger
	CounterBacklog BacklogSizer
}

type Thresholds struct {
	MaxPendingReviewables int
	MaxPendingAge         time.Duration
	// Pending counter keys beyond this mean the reconciler is not keeping up.
	MaxCounterBacklog int64
}

func ThresholdsFromConfig(cfg config.ReviewQConfig) Thresholds {
	return Thresholds{
		MaxPendingReviewables: cfg.ProblemChecks.BacklogMaxPending,
		MaxPendingAge:         cfg.ProblemChecks.BacklogMaxAge,
		MaxCounterBacklog:     int64(cfg.Counters.FlushThreshold) * 10,
	}
}

func BuiltinChecks(src Sources, th Thresholds, now func() time.Time) []*Check {
	if now == nil {
		now = time.Now
	}

	var checks []*Check
	if src.Reviewables != nil {
		checks = append(checks, &Check{
			Identifier:   ReviewableBacklog,
			MaxBlips:     2,
			PerformEvery: 10 * time.Minute,
			Priority:     models.NoticeLow,
			Run: func(ctx context.Context, _ string) (*Problem, error) {
				stats, err := src.Reviewables.PendingStats(ctx)
				if err != nil {
					return nil, err
				}
				if stats.Count > th.MaxPendingReviewables {
					return &Problem{
						Message: fmt.Sprintf("%d items are waiting for review", stats.Count),
						Details: map[string]any{"pending": stats.Count},
					}, nil
				}
				if stats.Oldest != nil && now().Sub(*stats.Oldest) > th.MaxPendingAge {
					return &Problem{
						Message: fmt.Sprintf("the oldest item has waited more than %s", th.MaxPendingAge),
						Details: map[string]any{"pending": stats.Count, "oldest": stats.Oldest.UTC().Format(time.RFC3339)},
					}, nil
				}
				return nil, nil
			},
		})
	}

	if src.QueuedPosts != nil {
		checks = append(checks, &Check{
			Identifier:   QueuedPostBacklog,
			MaxBlips:     2,
			PerformEvery: 10 * time.Minute,
			Priority:     models.NoticeLow,
			Run: func(ctx context.Context, _ string) (*Problem, error) {
				oldest, err := src.QueuedPosts.OldestVisible(ctx)
				if err != nil {
					return nil, err
				}
				if oldest != nil && now().Sub(*oldest) > th.MaxPendingAge {
					return &Problem{
						Message: fmt.Sprintf("queued posts have waited more than %s for approval", th.MaxPendingAge),
						Details: map[string]any{"oldest": oldest.UTC().Format(time.RFC3339)},
					}, nil
				}
				return nil, nil
			},
		})
	}

	if src.Redis != nil {
		checks = append(checks, &Check{
			Identifier:   RedisReachable,
			MaxBlips:     0,
			PerformEvery: time.Minute,
			MaxRetries:   2,
			RetryAfter:   time.Second,
			Priority:     models.NoticeHigh,
			Run: func(ctx context.Context, _ string) (*Problem, error) {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := src.Redis.Ping(pingCtx).Err(); err != nil {
					return &Problem{
						Message: "redis is unreachable; rate limits and view counts are not being recorded",
						Details: map[string]any{"error": err.Error()},
					}, nil
				}
				return nil, nil
			},
		})
	}

	if src.CounterBacklog != nil {
		checks = append(checks, &Check{
			Identifier:   CounterBacklog,
			MaxBlips:     3,
			PerformEvery: 5 * time.Minute,
			Priority:     models.NoticeLow,
			Run: func(ctx context.Context, _ string) (*Problem, error) {
				size, err := src.CounterBacklog(ctx)
				if err != nil {
					return nil, err
				}
				if size > th.MaxCounterBacklog {
					return &Problem{
						Message: fmt.Sprintf("%d counters are waiting to be written to the database", size),
						Details: map[string]any{"backlog": size},
					}, nil
				}
				return nil, nil
			},
		})
	}

	return checks
}
