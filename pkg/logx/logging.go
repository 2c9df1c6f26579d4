package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and the sinks. With no sink enabled, output goes
// to the console.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./crmnotify.log
	// Level optionally raises the minimum level written to the file.
	Level string
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to an event. Later fields overwrite earlier ones.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field       { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a goroutine stack, skipping blank ones.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger writes through its Service, so a reload reaches every derived
// logger. The zero value discards everything.
type Logger struct {
	svc    *Service
	nop    bool
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{nop: true} }

func (l Logger) IsZero() bool { return l.svc == nil && !l.nop && len(l.fields) == 0 }

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	if l.svc == nil {
		return
	}
	zl := l.svc.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// Service owns the sinks. Apply swaps them while loggers are in use.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
	out  io.Writer
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

var globals sync.Once

func newService(cfg Config, console io.Writer) (*Service, Logger) {
	globals.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
	s := &Service{out: console}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Close releases the log file, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply reopens the sinks for cfg. A file that cannot be opened is reported
// on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(s.out))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./crmnotify.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			var w io.Writer = zerolog.SyncWriter(f)
			if fl := strings.TrimSpace(cfg.File.Level); fl != "" {
				w = &levelFloor{w: w, min: parseLevel(fl, lvl)}
			}
			sinks = append(sinks, w)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(s.out))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// levelFloor drops events below min for one sink.
type levelFloor struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFloor) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *levelFloor) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
