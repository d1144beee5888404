package notify

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/kv"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, ev Event) error {
	return errors.New("bus is down")
}

func TestFire(t *testing.T) {
	ctx := context.Background()

	var rec Recorder
	Fire(ctx, &rec, Event{Type: ReviewableClaimed, Subject: "Reviewable#3", ActorID: 2})

	events := rec.Events()
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, ChannelReviewables, events[0].Channel)

	assert.NotPanics(t, func() {
		Fire(ctx, failingDispatcher{}, Event{Type: PostHidden})
		Fire(ctx, nil, Event{Type: PostHidden})
	})
}

func TestMulti(t *testing.T) {
	var a, b Recorder
	err := Multi{&a, failingDispatcher{}, &b}.Dispatch(context.Background(), Event{Type: QueueCounts})
	assert.NotNil(t, err)
	assert.Equal(t, []EventType{QueueCounts}, a.Types())
	assert.Equal(t, []EventType{QueueCounts}, b.Types())
}

func TestRedisDispatcher(t *testing.T) {
	url := os.Getenv("REVIEWQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("REVIEWQ_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := kv.Connect(ctx, config.RedisConfig{URL: url})
	require.Nil(t, err)
	defer client.Close()

	d := &RedisDispatcher{Client: client, Keys: kv.Keys{Prefix: "reviewq-test:" + uuid.NewString() + ":"}}

	received := make(chan Event, 1)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = d.Subscribe(subCtx, func(ev Event) { received <- ev }, ChannelQueueCounts)
	}()

	// Publish until the subscription is live.
	deadline := time.After(3 * time.Second)
	for {
		Fire(ctx, d, Event{Type: QueueCounts, Channel: ChannelQueueCounts, Data: map[string]any{"count": 3}})
		select {
		case ev := <-received:
			assert.Equal(t, QueueCounts, ev.Type)
			assert.Equal(t, 3.0, ev.Data["count"])
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			require.FailNow(t, "no event received")
		}
	}
}
