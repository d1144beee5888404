package kv

import (
	"context"
	"strings"
	"time"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/redis/go-redis/v9"
)

/*
Connects to Redis and checks the connection with a PING. The URL may be a
full redis:// URL or a bare host:port.
*/
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, oops.New(err, "invalid redis URL")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.New(err, "failed to reach redis at %s", opts.Addr)
	}
	return client, nil
}

// Builds namespaced keys. The zero value uses no prefix.
type Keys struct {
	Prefix string
}

func NewKeys(cfg config.RedisConfig) Keys {
	return Keys{Prefix: cfg.KeyPrefix}
}

// Joins parts with colons under the prefix:
//
//	Keys{Prefix: "reviewq:"}.Key("limit", "flags", "42") == "reviewq:limit:flags:42"
func (k Keys) Key(parts ...string) string {
	return k.Prefix + strings.Join(parts, ":")
}

// Strips the prefix from a key built by Key.
func (k Keys) Trim(key string) string {
	return strings.TrimPrefix(key, k.Prefix)
}
