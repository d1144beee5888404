package server

import (
	"context"
	"errors"

	"git.handmade.network/hmn/reviewq/src/auditlog"
	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/counters"
	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/flags"
	"git.handmade.network/hmn/reviewq/src/kv"
	"git.handmade.network/hmn/reviewq/src/models"
	"git.handmade.network/hmn/reviewq/src/notify"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/problemcheck"
	"git.handmade.network/hmn/reviewq/src/queuedpost"
	"git.handmade.network/hmn/reviewq/src/reviewable"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Durable counter writes per second during a flush.
const counterWritesPerSecond = 20

/*
Everything the server and the admin commands share, wired together once.
Open connects to Postgres and Redis and loads the flag catalog; Close
releases both connections.
*/
type App struct {
	Conn  *pgxpool.Pool
	Redis *redis.Client
	Keys  kv.Keys

	Notify notify.Dispatcher
	Audit  *auditlog.PgSink

	Catalog     *flags.Catalog
	Flags       *flags.Manager
	Reviewables *reviewable.Machine
	QueuedPosts *queuedpost.Service

	FlagLimiter *counters.DailyLimiter
	Views       *counters.ViewTracker
	Likes       *counters.Likes
	Reconciler  *counters.Reconciler

	Checks *problemcheck.Scheduler
}

func Open(ctx context.Context, cfg config.ReviewQConfig) (*App, error) {
	app := &App{Keys: kv.NewKeys(cfg.Redis)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := db.NewConnPool(gctx)
		app.Conn = conn
		return err
	})
	g.Go(func() error {
		client, err := kv.Connect(gctx, cfg.Redis)
		app.Redis = client
		return err
	})
	if err := g.Wait(); err != nil {
		app.Close()
		return nil, err
	}

	app.Notify = notify.Multi{
		&notify.RedisDispatcher{Client: app.Redis, Keys: app.Keys},
		notify.LogDispatcher{},
	}
	app.Audit = &auditlog.PgSink{Conn: app.Conn}

	flagStore := &flags.PgStore{Conn: app.Conn}
	catalog, err := flags.LoadCatalog(ctx, flagStore)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Catalog = catalog
	app.Flags = &flags.Manager{Store: flagStore, Catalog: catalog, Audit: app.Audit}

	counterStore := &counters.RedisStore{Client: app.Redis}
	app.FlagLimiter = counters.NewFlagLimiter(counterStore, app.Keys, cfg.Moderation.MaxFlagsPerDay)
	app.Views = &counters.ViewTracker{Store: counterStore, Keys: app.Keys}
	app.Likes = &counters.Likes{
		Limiter: counters.NewLikeLimiter(counterStore, app.Keys, cfg.Moderation.MaxLikesPerDay),
		Views:   app.Views,
	}
	app.Reconciler = &counters.Reconciler{
		Store:      counterStore,
		Keys:       app.Keys,
		Sink:       &counters.PgSink{Conn: app.Conn},
		Threshold:  cfg.Counters.FlushThreshold,
		Interval:   cfg.Counters.FlushInterval,
		WriteLimit: rate.NewLimiter(counterWritesPerSecond, 1),
	}

	machine, err := reviewable.NewMachine(reviewable.NewPgStore(app.Conn), catalog, cfg.Moderation)
	if err != nil {
		app.Close()
		return nil, err
	}
	machine.Limiter = app.FlagLimiter
	machine.Notify = app.Notify
	machine.Audit = app.Audit
	app.Reviewables = machine

	queuedStore := &queuedpost.PgStore{Conn: app.Conn}
	app.QueuedPosts = &queuedpost.Service{
		Store:                  queuedStore,
		Posts:                  queuedpost.PgPostCreator{},
		ApproveBelowTrustLevel: cfg.Moderation.ApprovePostsBelowTrustLevel,
		Reviewables:            machine,
		Notify:                 app.Notify,
		Audit:                  app.Audit,
	}
	(&queuedpost.Handler{Service: app.QueuedPosts}).Register(machine)

	registry, err := problemcheck.NewRegistry(problemcheck.BuiltinChecks(problemcheck.Sources{
		Reviewables: machine.Store,
		QueuedPosts: queuedStore,
		Redis:       app.Redis,
		CounterBacklog: func(ctx context.Context) (int64, error) {
			return counters.BacklogSize(ctx, counterStore, app.Keys)
		},
	}, problemcheck.ThresholdsFromConfig(cfg), nil)...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Checks = &problemcheck.Scheduler{
		Alarm: &problemcheck.Alarm{
			Store:    &problemcheck.PgStore{Conn: app.Conn},
			Registry: registry,
			Notify:   app.Notify,
		},
		Locker:      &kv.Locker{Client: app.Redis, Keys: app.Keys},
		Concurrency: cfg.ProblemChecks.Concurrency,
	}

	return app, nil
}

func (a *App) Close() {
	if a.Conn != nil {
		a.Conn.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}

var ErrUserNotFound = errors.New("user not found")

// Looks up a user by username, case-insensitively. Admin commands act as
// the user they are given.
func (a *App) UserByName(ctx context.Context, username string) (*models.User, error) {
	u, err := db.QueryOne[models.User](ctx, a.Conn,
		`
		---- User by name
		SELECT $columns
		FROM users
		WHERE LOWER(username) = LOWER($1)
		`,
		username,
	)
	if errors.Is(err, db.NotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, oops.New(err, "failed to look up user %q", username)
	}
	return u, nil
}
