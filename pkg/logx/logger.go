package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Field writes one key onto an event. Later fields overwrite earlier ones
// with the same key.
type Field func(e *zerolog.Event)

func field[T any](key string, v T, put func(*zerolog.Event, string, T) *zerolog.Event) Field {
	return func(e *zerolog.Event) { put(e, key, v) }
}

func String(k, v string) Field                 { return field(k, v, (*zerolog.Event).Str) }
func Int(k string, v int) Field                { return field(k, v, (*zerolog.Event).Int) }
func Int64(k string, v int64) Field            { return field(k, v, (*zerolog.Event).Int64) }
func Bool(k string, v bool) Field              { return field(k, v, (*zerolog.Event).Bool) }
func Duration(k string, v time.Duration) Field { return field(k, v, (*zerolog.Event).Dur) }
func Time(k string, v time.Time) Field         { return field(k, v, (*zerolog.Event).Time) }
func Any(k string, v any) Field                { return field(k, v, (*zerolog.Event).Interface) }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// source yields the zerolog logger a Logger writes through.
type source interface {
	zl() zerolog.Logger
}

type fixed struct{ l zerolog.Logger }

func (f fixed) zl() zerolog.Logger { return f.l }

// Logger is a value type; copies are cheap and With never mutates the
// receiver. The zero Logger discards everything.
type Logger struct {
	src    source
	fields []Field
}

func Nop() Logger { return Logger{src: fixed{zerolog.Nop()}} }

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{src: fixed{zerolog.New(w).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger()}}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.zl()
}

func (l Logger) Enabled(level Level) bool {
	return l.target().GetLevel() <= level
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := Logger{src: l.src, fields: make([]Field, 0, len(l.fields)+len(fields))}
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// 2 = emit + the exported level method.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func parseLevel(s string, def Level) Level {
	switch s = trimLower(s); s {
	case "":
		return def
	case "warning":
		return LevelWarn
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel || lvl > LevelError {
		return def
	}
	return lvl
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:          os.Stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
