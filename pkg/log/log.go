package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

// LoggerCtxKey is the context key the logging middleware stores the request logger under.
var LoggerCtxKey = ctxKey{}

const TimeFormat = "2006-01-02T15:04:05"

// Options controls the process logger.
type Options struct {
	Level string // zerolog level name, defaults to info
	File  string // optional rotating log file
	Group string // value of the Group field
	Out   io.Writer
	// NoColor disables ANSI colors on the console writer.
	NoColor bool
}

// New builds the process logger: a console writer on stdout, teed into a
// rotating file when Options.File is set.
func New(o Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(o.Level)
	if err != nil || o.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := o.Out
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: out, TimeFormat: TimeFormat, NoColor: o.NoColor}
	if o.File != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	group := o.Group
	if group == "" {
		group = "portmux"
	}

	return zerolog.New(w).With().Timestamp().Str("Group", group).Logger()
}

// WithContext stores logger in ctx under LoggerCtxKey.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerCtxKey, logger)
}

// FromContext returns the logger stored by WithContext, or a disabled logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return zerolog.Nop()
	}
	if l, ok := ctx.Value(LoggerCtxKey).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// Gnet adapts a zerolog logger to gnet's logging.Logger.
type Gnet struct {
	Logger zerolog.Logger
}

func (g Gnet) Debugf(format string, args ...any) { g.Logger.Debug().Msg(fmt.Sprintf(format, args...)) }
func (g Gnet) Infof(format string, args ...any)  { g.Logger.Info().Msg(fmt.Sprintf(format, args...)) }
func (g Gnet) Warnf(format string, args ...any)  { g.Logger.Warn().Msg(fmt.Sprintf(format, args...)) }
func (g Gnet) Errorf(format string, args ...any) { g.Logger.Error().Msg(fmt.Sprintf(format, args...)) }
func (g Gnet) Fatalf(format string, args ...any) { g.Logger.Fatal().Msg(fmt.Sprintf(format, args...)) }

// Ants adapts a zerolog logger to the ants pool logger.
type Ants struct {
	Logger zerolog.Logger
}

func (a Ants) Printf(format string, args ...any) {
	a.Logger.Warn().Msg(fmt.Sprintf(format, args...))
}
