package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"git.handmade.network/hmn/reviewq/src/kv"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type EventType string

const (
	ReviewableCreated      EventType = "reviewable_created"
	ReviewableScored       EventType = "reviewable_scored"
	ReviewableTransitioned EventType = "reviewable_transitioned"
	ReviewableClaimed      EventType = "reviewable_claimed"
	ReviewableUnclaimed    EventType = "reviewable_unclaimed"
	PostHidden             EventType = "post_hidden"
	QueuedPostApproved     EventType = "queued_post_approved"
	QueuedPostRejected     EventType = "queued_post_rejected"
	QueueCounts            EventType = "queue_counts"
	AdminNoticeRaised      EventType = "admin_notice_raised"
	AdminNoticeCleared     EventType = "admin_notice_cleared"
)

// Channels events are published on.
const (
	ChannelReviewables  = "/reviewables"
	ChannelQueueCounts  = "/queue_counts"
	ChannelAdminNotices = "/admin_notices"
)

type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	Channel   string         `json:"channel"`
	ActorID   int64          `json:"actor_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

/*
Stamps the event and hands it to the dispatcher. Failures are logged and
dropped; a notification never undoes the change it announces.
*/
func Fire(ctx context.Context, d Dispatcher, ev Event) {
	if d == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Channel == "" {
		ev.Channel = ChannelReviewables
	}
	if err := d.Dispatch(ctx, ev); err != nil {
		logging.ExtractLogger(ctx).Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("subject", ev.Subject).
			Msg("failed to dispatch notification")
	}
}

// Publishes events as JSON over Redis pub/sub, one Redis channel per event
// channel.
type RedisDispatcher struct {
	Client *redis.Client
	Keys   kv.Keys
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return oops.New(err, "failed to encode %s event", ev.Type)
	}
	if err := d.Client.Publish(ctx, d.Keys.Key("bus")+ev.Channel, payload).Err(); err != nil {
		return oops.New(err, "failed to publish %s event", ev.Type)
	}
	return nil
}

/*
Subscribes to the given channels and calls fn for every decoded event until
ctx is done. Undecodable payloads are logged and skipped.
*/
func (d *RedisDispatcher) Subscribe(ctx context.Context, fn func(Event), channels ...string) error {
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = d.Keys.Key("bus") + c
	}

	sub := d.Client.Subscribe(ctx, names...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return oops.New(err, "failed to subscribe")
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logging.ExtractLogger(ctx).Warn().Err(err).Str("channel", msg.Channel).Msg("bad event payload")
				continue
			}
			fn(ev)
		}
	}
}

// Logs every event at info level.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, ev Event) error {
	logging.ExtractLogger(ctx).Info().
		Str("event", string(ev.Type)).
		Str("channel", ev.Channel).
		Str("subject", ev.Subject).
		Int64("actor_id", ev.ActorID).
		Interface("data", ev.Data).
		Msg("notification")
	return nil
}

// Sends to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
