package counters

import (
	"context"
	"errors"
	"time"

	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/redis/go-redis/v9"
)

// The ephemeral keyed store behind limiters and view tracking.
type Store interface {
	// Missing keys read as zero.
	Get(ctx context.Context, key string) (int64, error)
	// Increments and (re)sets the expiry in one round trip.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// True if the key was newly set.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Atomically reads and deletes. Missing keys read as zero.
	GetDel(ctx context.Context, key string) (int64, error)

	AddToSet(ctx context.Context, set string, member string) error
	SetSize(ctx context.Context, set string) (int64, error)
	// Removes and returns up to n members.
	PopFromSet(ctx context.Context, set string, n int64) ([]string, error)
}

type RedisStore struct {
	Client *redis.Client
}

var _ Store = &RedisStore{}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, oops.New(err, "failed to read counter %s", key)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, oops.New(err, "failed to increment counter %s", key)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.Client.Decr(ctx, key).Result()
	if err != nil {
		return 0, oops.New(err, "failed to decrement counter %s", key)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.Client.Expire(ctx, key, ttl).Err(); err != nil {
		return oops.New(err, "failed to set expiry on %s", key)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.Client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, oops.New(err, "failed to set %s", key)
	}
	return set, nil
}

func (s *RedisStore) GetDel(ctx context.Context, key string) (int64, error) {
	n, err := s.Client.GetDel(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, oops.New(err, "failed to drain counter %s", key)
	}
	return n, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, set string, member string) error {
	if err := s.Client.SAdd(ctx, set, member).Err(); err != nil {
		return oops.New(err, "failed to add to %s", set)
	}
	return nil
}

func (s *RedisStore) SetSize(ctx context.Context, set string) (int64, error) {
	n, err := s.Client.SCard(ctx, set).Result()
	if err != nil {
		return 0, oops.New(err, "failed to size %s", set)
	}
	return n, nil
}

func (s *RedisStore) PopFromSet(ctx context.Context, set string, n int64) ([]string, error) {
	members, err := s.Client.SPopN(ctx, set, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, oops.New(err, "failed to pop from %s", set)
	}
	return members, nil
}
