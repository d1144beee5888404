package db

import (
	"context"
	"regexp"
	"time"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/logging"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/oops"
	"git.handmade.network/hmn/reviewq/src/utils"
	zerologadapter "github.com/jackc/pgx-zerolog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// Opens a single connection, for migrations and admin commands. Not safe for
// concurrent use.
func NewConn(ctx context.Context) (*pgx.Conn, error) {
	return NewConnWithConfig(ctx, config.PostgresConfig{})
}

func NewConnWithConfig(ctx context.Context, cfg config.PostgresConfig) (*pgx.Conn, error) {
	cfg = overrideDefaultConfig(cfg)

	pgcfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, oops.New(err, "invalid postgres config")
	}
	pgcfg.Tracer = newTracer(cfg)

	conn, err := pgx.ConnectConfig(ctx, pgcfg)
	if err != nil {
		return nil, oops.New(err, "failed to connect to database")
	}
	return conn, nil
}

// Opens the connection pool used by the server. Safe for concurrent use.
func NewConnPool(ctx context.Context) (*pgxpool.Pool, error) {
	return NewConnPoolWithConfig(ctx, config.PostgresConfig{})
}

func NewConnPoolWithConfig(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	cfg = overrideDefaultConfig(cfg)

	pgcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, oops.New(err, "invalid postgres config")
	}
	pgcfg.MinConns = cfg.MinConn
	pgcfg.MaxConns = cfg.MaxConn
	pgcfg.ConnConfig.Tracer = newTracer(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return nil, oops.New(err, "failed to create database connection pool")
	}
	return pool, nil
}

// Like NewConnPool, but from a full DSN. Used by integration tests.
func NewConnPoolFromDSN(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.New(err, "invalid postgres DSN")
	}
	pgcfg.ConnConfig.Tracer = newTracer(overrideDefaultConfig(config.PostgresConfig{}))

	pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return nil, oops.New(err, "failed to create database connection pool")
	}
	return pool, nil
}

func overrideDefaultConfig(cfg config.PostgresConfig) config.PostgresConfig {
	return config.PostgresConfig{
		User:     utils.OrDefault(cfg.User, config.Config.Postgres.User),
		Password: utils.OrDefault(cfg.Password, config.Config.Postgres.Password),
		Hostname: utils.OrDefault(cfg.Hostname, config.Config.Postgres.Hostname),
		Port:     utils.OrDefault(cfg.Port, config.Config.Postgres.Port),
		DbName:   utils.OrDefault(cfg.DbName, config.Config.Postgres.DbName),
		LogLevel: utils.OrDefault(cfg.LogLevel, config.Config.Postgres.LogLevel),
		MinConn:  utils.OrDefault(cfg.MinConn, config.Config.Postgres.MinConn),
		MaxConn:  utils.OrDefault(cfg.MaxConn, config.Config.Postgres.MaxConn),
	}
}

func newTracer(cfg config.PostgresConfig) pgx.QueryTracer {
	level, err := tracelog.LogLevelFromString(cfg.LogLevel)
	if err != nil {
		level = tracelog.LogLevelWarn
	}
	return multiTracer{
		&tracelog.TraceLog{
			Logger:   zerologadapter.NewLogger(*logging.GlobalLogger()),
			LogLevel: level,
		},
		queryDurationTracer{},
	}
}

type multiTracer []pgx.QueryTracer

var _ pgx.QueryTracer = multiTracer{}

func (mt multiTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	for _, t := range mt {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

func (mt multiTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	for _, t := range mt {
		t.TraceQueryEnd(ctx, conn, data)
	}
}

var reQueryName = regexp.MustCompile("---- (.*)\n")

/*
Queries can name themselves with a first line like

	---- Pending reviewables

and the name is used as the metrics label. Unnamed queries are lumped together.
*/
func GetQueryName(sql string) (string, bool) {
	m := reQueryName.FindStringSubmatch(sql)
	if m != nil {
		return m[1], true
	}
	return "", false
}

type queryStartKey struct{}

type queryStart struct {
	name  string
	start time.Time
}

// Feeds metrics.QueryDuration.
type queryDurationTracer struct{}

var _ pgx.QueryTracer = queryDurationTracer{}

func (queryDurationTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	name, ok := GetQueryName(data.SQL)
	if !ok {
		name = "unnamed"
	}
	return context.WithValue(ctx, queryStartKey{}, queryStart{name: name, start: time.Now()})
}

func (queryDurationTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	metrics.QueryDuration.WithLabelValues(qs.name).Observe(time.Since(qs.start).Seconds())
}
