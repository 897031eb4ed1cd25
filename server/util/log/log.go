package log

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	LogLevel                = flag.String("app.log_level", "info", "The desired log level. Logs with a level >= this level will be emitted. One of {'fatal', 'error', 'warn', 'info', 'debug'}")
	EnableStructuredLogging = flag.Bool("app.enable_structured_logging", false, "If true, log messages will be json-formatted.")
	IncludeShortFileName    = flag.Bool("app.log_include_short_file_name", false, "If true, log messages will include shortened originating file name.")
)

const (
	CacheNameKey = "cache_name"

	callerSkipFrameCount = 3
)

func init() {
	err := Configure()
	if err != nil {
		fmt.Printf("Error configuring logging: %v", err)
		os.Exit(1) // in case log.Fatalf does not work.
	}
}

func LocalWriter() io.Writer {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := &zerolog.ConsoleWriter{Out: os.Stderr}
	output.FormatCaller = func(i interface{}) string {
		s, ok := i.(string)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%24s >", filepath.Base(s))
	}
	output.TimeFormat = "2006/01/02 15:04:05.000"
	return output
}

func StructuredWriter() io.Writer {
	zerolog.LevelFieldName = "severity"
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return os.Stdout
}

func NewConsoleWriter() io.Writer {
	if *EnableStructuredLogging {
		return StructuredWriter()
	}
	return LocalWriter()
}

// Configure (re)builds the global logger from the current flag values. It is
// safe to call again once flags or config have been parsed.
func Configure() error {
	logger := zerolog.New(NewConsoleWriter()).With().Timestamp().Logger()
	if l, err := zerolog.ParseLevel(*LogLevel); err != nil {
		return err
	} else {
		logger = logger.Level(l)
	}
	if *IncludeShortFileName {
		// Skipping 3 frames prints the correct source file + line number,
		// rather than a line in this file or in the zerolog library.
		logger = logger.With().CallerWithSkipFrameCount(callerSkipFrameCount).Logger()
	}
	log.Logger = logger
	return nil
}

type Logger struct {
	zl zerolog.Logger
}

// Debugf logs to the DEBUG log. Arguments are handled in the manner of fmt.Printf.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// NamedSubLogger returns a logger that tags every line with the given name.
func NamedSubLogger(name string) Logger {
	return Logger{
		zl: log.Logger.With().Str("name", name).Logger(),
	}
}

// MessageHandler routes cache diagnostics into the process log. It
// satisfies interfaces.MessageHandler.
type MessageHandler struct {
	zl zerolog.Logger
}

// NewMessageHandler returns a MessageHandler whose lines carry the given
// cache name.
func NewMessageHandler(cacheName string) *MessageHandler {
	return &MessageHandler{zl: log.Logger.With().Str(CacheNameKey, cacheName).Logger()}
}

func (h *MessageHandler) Infof(format string, args ...interface{}) {
	h.zl.Info().Msgf(format, args...)
}

func (h *MessageHandler) Warningf(format string, args ...interface{}) {
	h.zl.Warn().Msgf(format, args...)
}

func (h *MessageHandler) Errorf(format string, args ...interface{}) {
	h.zl.Error().Msgf(format, args...)
}

func (h *MessageHandler) FileInfof(file string, line int, format string, args ...interface{}) {
	h.zl.Info().Str("file", file).Int("line", line).Msgf(format, args...)
}

func (h *MessageHandler) FileWarningf(file string, line int, format string, args ...interface{}) {
	h.zl.Warn().Str("file", file).Int("line", line).Msgf(format, args...)
}

func (h *MessageHandler) FileErrorf(file string, line int, format string, args ...interface{}) {
	h.zl.Error().Str("file", file).Int("line", line).Msgf(format, args...)
}

func enrichEventFromContext(ctx context.Context, e *zerolog.Event) {
	// Not supposed to happen, but let's not panic if it does.
	if ctx == nil {
		return
	}
	if m, ok := ctx.Value(logMetaKey).(*logMeta); ok {
		for m != nil {
			e.Str(m.key, m.value)
			m = m.prev
		}
	}
}

type logMeta struct {
	prev       *logMeta
	key, value string
}

type logMetaKeyType struct{}

var logMetaKey = logMetaKeyType{}

// EnrichContext returns a context whose Ctx* log lines carry key=value.
func EnrichContext(ctx context.Context, key, value string) context.Context {
	prev, _ := ctx.Value(logMetaKey).(*logMeta)
	return context.WithValue(ctx, logMetaKey, &logMeta{prev, key, value})
}

// Debugf logs to the DEBUG log. Arguments are handled in the manner of fmt.Printf.
func Debugf(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

// Info logs to the INFO log.
func Info(message string) {
	log.Info().Msg(message)
}

// Infof logs to the INFO log. Arguments are handled in the manner of fmt.Printf.
func Infof(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// CtxInfof logs to the INFO log. Arguments are handled in the manner of
// fmt.Printf.
// Logs are enriched with information from the context (e.g. cache_name).
func CtxInfof(ctx context.Context, format string, args ...interface{}) {
	e := log.Info()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Warningf logs to the WARNING log. Arguments are handled in the manner of fmt.Printf.
func Warningf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// CtxWarningf logs to the WARNING log. Arguments are handled in the manner of
// fmt.Printf.
// Logs are enriched with information from the context (e.g. cache_name).
func CtxWarningf(ctx context.Context, format string, args ...interface{}) {
	e := log.Warn()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Errorf logs to the ERROR log. Arguments are handled in the manner of fmt.Printf.
func Errorf(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}

// Fatalf logs to the FATAL log. Arguments are handled in the manner of fmt.Printf.
// It calls os.Exit() with exit code 1.
func Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
	// Make sure fatal logs will exit.
	os.Exit(1)
}

type logWriter struct {
	ctx    context.Context
	prefix string
}

func (w *logWriter) Write(b []byte) (int, error) {
	lines := strings.Split(string(b), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		CtxInfof(w.ctx, "%s%s", w.prefix, line)
	}
	return len(b), nil
}

// Writer returns a writer that outputs written data to the log with each line
// prepended with the given prefix.
func Writer(prefix string) io.Writer {
	return &logWriter{ctx: context.Background(), prefix: prefix}
}
