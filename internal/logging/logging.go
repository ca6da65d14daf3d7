// Package logging is the structured logger shared by every unit. Fields are
// slog attributes; the engine's own keys (unit, session, frame, effect)
// have dedicated constructors so every component spells them the same way.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Keys the engine attaches to records.
const (
	KeyUnit    = "unit"
	KeySession = "session_id"
	KeyFrame   = "frame"
	KeyEffect  = "effect"
	KeyError   = "error"
)

// Field is a structured logging attribute.
type Field = slog.Attr

func String(key, value string) Field                 { return slog.String(key, value) }
func Int(key string, value int) Field                { return slog.Int(key, value) }
func Uint64(key string, value uint64) Field          { return slog.Uint64(key, value) }
func Float64(key string, value float64) Field        { return slog.Float64(key, value) }
func Bool(key string, value bool) Field              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return slog.Duration(key, value) }
func Any(key string, value any) Field                { return slog.Any(key, value) }

// Unit names the execution unit that emitted a record.
func Unit(name string) Field { return slog.String(KeyUnit, name) }

// Session tags a record with the engine run it belongs to.
func Session(id string) Field { return slog.String(KeySession, id) }

// Frame is the render frame index.
func Frame(n uint64) Field { return slog.Uint64(KeyFrame, n) }

// Effect is an effect id; negative ids render as "idle".
func Effect(id int) Field {
	if id < 0 {
		return slog.String(KeyEffect, "idle")
	}
	return slog.Int(KeyEffect, id)
}

// Err records err under the "error" key. A nil error is logged as an empty
// string so call sites do not have to branch.
func Err(err error) Field {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Logger is the logging surface used across the engine.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls basic logger behaviour.
type Config struct {
	Level     string    `yaml:"level"`  // debug, info, warn, error
	Format    string    `yaml:"format"` // json or text
	AddSource bool      `yaml:"add_source"`
	Output    io.Writer `yaml:"-"` // defaults to stderr
}

// New builds a slog backed Logger. Records logged with a context carrying
// a session id get the session field unless the logger already has one.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		// stdout carries capture dumps and the stats line
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &slogger{l: slog.New(sessionHandler{next: h})}
}

// NewFromEnv builds a logger from LOG_LEVEL and LOG_FORMAT.
func NewFromEnv() Logger {
	return New(ConfigFromEnv(Config{}))
}

// ConfigFromEnv overlays LOG_LEVEL and LOG_FORMAT onto base.
func ConfigFromEnv(base Config) Config {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		base.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		base.Format = v
	}
	return base
}

func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// sessionHandler adds the context session id to records of loggers that
// were not bound to one with With.
type sessionHandler struct {
	next  slog.Handler
	bound bool
}

func (h sessionHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.bound {
		if id := SessionID(ctx); id != "" {
			r.AddAttrs(Session(id))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound
	for _, a := range attrs {
		if a.Key == KeySession {
			bound = true
		}
	}
	return sessionHandler{next: h.next.WithAttrs(attrs), bound: bound}
}

func (h sessionHandler) WithGroup(name string) slog.Handler {
	return sessionHandler{next: h.next.WithGroup(name), bound: h.bound}
}

type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return s
	}
	return &slogger{l: slog.New(s.l.Handler().WithAttrs(fields))}
}

func (s *slogger) log(ctx context.Context, lvl slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.l.Enabled(ctx, lvl) {
		return
	}
	s.l.LogAttrs(ctx, lvl, msg, fields...)
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

// Noop returns a logger that drops all logs.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

type ctxKey int

const (
	sessionKey ctxKey = iota
	loggerKey
)

// NewSessionID returns a fresh identifier for one engine run.
func NewSessionID() string {
	return uuid.NewString()
}

// ContextWithSession stores the engine session id in ctx.
func ContextWithSession(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionKey, id)
}

// SessionID extracts the session id from ctx, or "" when absent.
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// ForUnit binds base to a unit and, when ctx carries one, a session. The
// unit keeps the session for records logged without that context.
func ForUnit(ctx context.Context, base Logger, unit string) Logger {
	if base == nil {
		base = Noop()
	}
	if id := SessionID(ctx); id != "" {
		return base.With(Unit(unit), Session(id))
	}
	return base.With(Unit(unit))
}

// ContextWithLogger stores a logger on the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromContext returns the logger stored on ctx, or nil.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(loggerKey).(Logger)
	return l
}
