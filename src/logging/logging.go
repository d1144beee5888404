package logging

import (
	"context"

	"git.handmade.network/hmn/reviewq/src/config"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.ErrorStackMarshaler = oops.ZerologStackMarshaler
	log.Logger = log.Output(NewPrettyWriter(nil))

	level, err := zerolog.ParseLevel(config.Config.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func GlobalLogger() *zerolog.Logger {
	return &log.Logger
}

func Trace() *zerolog.Event {
	return log.Trace().Timestamp().Stack()
}

func Debug() *zerolog.Event {
	return log.Debug().Timestamp().Stack()
}

func Info() *zerolog.Event {
	return log.Info().Timestamp().Stack()
}

func Warn() *zerolog.Event {
	return log.Warn().Timestamp().Stack()
}

func Error() *zerolog.Event {
	return log.Error().Timestamp().Stack()
}

func Fatal() *zerolog.Event {
	return log.Fatal().Timestamp().Stack()
}

func With() zerolog.Context {
	return log.With().Timestamp().Stack()
}

// Returns a sub-logger tagged with a component name, e.g. a job or a store.
func Named(name string) *zerolog.Logger {
	l := With().Str("component", name).Logger()
	return &l
}

type loggerContextKey struct{}

func AttachLoggerToContext(logger *zerolog.Logger, ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// Returns the logger attached to the context, or the global logger.
func ExtractLogger(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerContextKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return GlobalLogger()
}

func LogPanics(logger *zerolog.Logger) {
	if r := recover(); r != nil {
		LogPanicValue(logger, r, "recovered from panic")
	}
}

func LogPanicValue(logger *zerolog.Logger, val interface{}, msg string) {
	if logger == nil {
		logger = GlobalLogger()
	}

	if err, ok := val.(error); ok {
		ev := logger.Error().Err(err)
		if _, isOops := err.(*oops.Error); !isOops {
			ev = ev.Interface(zerolog.ErrorStackFieldName, oops.Trace())
		}
		ev.Msg(msg)
		return
	}

	logger.Error().
		Interface("recovered", val).
		Interface(zerolog.ErrorStackFieldName, oops.Trace()).
		Msg(msg)
}
