package counters

import (
	"context"
	"sync"
	"time"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/jobs"
	"git.handmade.network/hmn/reviewq/src/kv"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/oops"
	"golang.org/x/time/rate"
)

type Delta struct {
	Name      string
	SubjectID int64
	Day       string
	Count     int64
}

// The durable side of the counters.
type Sink interface {
	AddCounts(ctx context.Context, deltas []Delta) error
}

const popBatchSize = 500

/*
Moves pending counts from Redis into daily_counters. A flush happens when the
backlog reaches Threshold entries or Interval has passed since the last one,
whichever comes first.

Each pending counter is drained with GETDEL before its delta is written, so a
concurrent increment either lands before the drain (and is flushed now) or
after it (and re-registers itself for the next flush). Nothing is counted
twice. If the durable write fails the drained delta is lost; that undercount
is logged and counted in reviewq_counter_flush_errors_total.
*/
type Reconciler struct {
	Store     Store
	Keys      kv.Keys
	Sink      Sink
	Threshold int
	Interval  time.Duration
	// Caps durable writes per second during a large flush. Nil means no cap.
	WriteLimit *rate.Limiter
	Now        func() time.Time

	mu        sync.Mutex
	lastFlush time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Flushes if either trigger has fired. Returns how many counters were
// written.
func (r *Reconciler) MaybeFlush(ctx context.Context) (int, error) {
	size, err := r.Store.SetSize(ctx, r.Keys.Key(backlogSet))
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}

	r.mu.Lock()
	last := r.lastFlush
	r.mu.Unlock()

	switch {
	case r.Threshold > 0 && size >= int64(r.Threshold):
		return r.Flush(ctx, "threshold")
	case r.now().Sub(last) >= r.Interval:
		return r.Flush(ctx, "interval")
	}
	return 0, nil
}

func (r *Reconciler) Flush(ctx context.Context, trigger string) (int, error) {
	logger := logging.ExtractLogger(ctx)
	metrics.CounterFlushes.WithLabelValues(trigger).Inc()

	written := 0
	for {
		members, err := r.Store.PopFromSet(ctx, r.Keys.Key(backlogSet), popBatchSize)
		if err != nil {
			return written, err
		}
		if len(members) == 0 {
			break
		}

		deltas := make(map[pendingCounter]int64)
		for _, member := range members {
			p, err := parsePendingCounter(member)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping malformed counter backlog entry")
				continue
			}
			n, err := r.Store.GetDel(ctx, r.Keys.Key(p.key()))
			if err != nil {
				return written, err
			}
			if n != 0 {
				deltas[p] += n
			}
		}
		if len(deltas) == 0 {
			continue
		}

		batch := make([]Delta, 0, len(deltas))
		for p, n := range deltas {
			batch = append(batch, Delta{Name: p.Name, SubjectID: p.SubjectID, Day: p.Day, Count: n})
		}

		if r.WriteLimit != nil {
			if err := r.WriteLimit.Wait(ctx); err != nil {
				return written, err
			}
		}
		if err := r.Sink.AddCounts(ctx, batch); err != nil {
			metrics.CounterFlushErrors.Add(float64(len(batch)))
			logger.Error().Err(err).Int("counters", len(batch)).Msg("lost counter deltas; durable write failed")
			continue
		}
		written += len(batch)
		metrics.CounterKeysFlushed.Add(float64(len(batch)))
	}

	r.mu.Lock()
	r.lastFlush = r.now()
	r.mu.Unlock()

	if written > 0 {
		logger.Debug().Int("counters", written).Str("trigger", trigger).Msg("flushed counters")
	}
	return written, nil
}

func (r *Reconciler) Job(checkInterval time.Duration) *jobs.Job {
	return jobs.Periodic("counter reconciler", checkInterval, func(ctx context.Context) error {
		_, err := r.MaybeFlush(ctx)
		return err
	})
}

type PgSink struct {
	Conn db.ConnOrTx
}

var _ Sink = &PgSink{}

func (s *PgSink) AddCounts(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	names := make([]string, len(deltas))
	subjects := make([]int64, len(deltas))
	days := make([]string, len(deltas))
	counts := make([]int64, len(deltas))
	for i, d := range deltas {
		names[i], subjects[i], days[i], counts[i] = d.Name, d.SubjectID, d.Day, d.Count
	}

	_, err := s.Conn.Exec(ctx,
		`
		---- Add daily counts
		INSERT INTO daily_counters (name, subject_id, day, count)
		SELECT name, subject_id, day::date, count
		FROM unnest($1::text[], $2::bigint[], $3::text[], $4::bigint[]) AS t(name, subject_id, day, count)
		ON CONFLICT (name, subject_id, day) DO UPDATE SET count = daily_counters.count + EXCLUDED.count
		`,
		names, subjects, days, counts,
	)
	if err != nil {
		return oops.New(err, "failed to write %d counter deltas", len(deltas))
	}
	return nil
}

// The durable count for one day, not including anything still pending.
func (s *PgSink) Count(ctx context.Context, name string, subjectID int64, day string) (int64, error) {
	n, err := db.QueryOneScalar[int64](ctx, s.Conn,
		`
		---- Daily count
		SELECT count FROM daily_counters WHERE name = $1 AND subject_id = $2 AND day = $3::date
		`,
		name, subjectID, day,
	)
	if err == db.NotFound {
		return 0, nil
	} else if err != nil {
		return 0, oops.New(err, "failed to read daily count")
	}
	return n, nil
}

// How many counters are waiting to be flushed.
func BacklogSize(ctx context.Context, store Store, keys kv.Keys) (int64, error) {
	return store.SetSize(ctx, keys.Key(backlogSet))
}
