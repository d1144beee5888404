package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Everything in reviewq registers here rather than on the prometheus default
// registry, so tests can gather from a known set.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var ReviewableTransitions = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_reviewable_transitions_total",
	Help: "Reviewable actions by action and outcome (ok, stale, not_claimer, error).",
}, []string{"action", "result"})

var StaleTransitions = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_stale_transitions_total",
	Help: "Conditional writes that matched zero rows, by table.",
}, []string{"table"})

var ScoresRecorded = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_scores_recorded_total",
	Help: "Flag scores recorded, by flag name key.",
}, []string{"flag"})

var PostsAutoHidden = factory.NewCounter(prometheus.CounterOpts{
	Name: "reviewq_posts_auto_hidden_total",
	Help: "Posts hidden because their reviewable score crossed the hide threshold.",
})

var QueuedPostTransitions = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_queued_post_transitions_total",
	Help: "Queued post approvals and rejections, by resulting state.",
}, []string{"state"})

var RateLimited = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_rate_limited_total",
	Help: "Actions rejected by a daily limiter, by limiter name.",
}, []string{"limiter"})

var ProblemCheckRuns = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_problem_check_runs_total",
	Help: "Problem check runs by identifier and result (ok, problem, error).",
}, []string{"identifier", "result"})

var AdminNoticesRaised = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_admin_notices_raised_total",
	Help: "Problem checks that crossed their blip threshold.",
}, []string{"identifier"})

var CounterFlushes = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewq_counter_flushes_total",
	Help: "Counter reconciliation passes, by trigger (threshold, interval, manual).",
}, []string{"trigger"})

var CounterKeysFlushed = factory.NewCounter(prometheus.CounterOpts{
	Name: "reviewq_counter_keys_flushed_total",
	Help: "Ephemeral counter keys written back to Postgres.",
})

var CounterFlushErrors = factory.NewCounter(prometheus.CounterOpts{
	Name: "reviewq_counter_flush_errors_total",
	Help: "Counter deltas lost because the durable write failed.",
})

var QueryDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "reviewq_db_query_duration_seconds",
	Help:    "Postgres query latency, by query name.",
	Buckets: prometheus.DefBuckets,
}, []string{"query"})

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
