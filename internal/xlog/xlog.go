// Package xlog is the processor's structured logger: leveled,
// key-value call sites in the teacher's convention
// (xlog.Info("message", "key", value, ...)), an optional
// $color/$timestamp/$message/$error/$severity format template
// (spec.md's LOG_FORMAT), colorized terminal output and optional file
// rotation.
package xlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors spec.md's LOG_LEVEL (0..5): the lower the number the
// more verbose.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCrit:
		return "crit"
	default:
		return "unknown"
	}
}

func levelColor(l Level) *color.Color {
	switch l {
	case LevelTrace, LevelDebug:
		return color.New(color.FgHiBlack)
	case LevelInfo:
		return color.New(color.FgCyan)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed)
	case LevelCrit:
		return color.New(color.FgHiRed, color.Bold)
	default:
		return color.New()
	}
}

// Redactor replaces any configured secret substrings with "***" before a
// message reaches a sink. Shared between xlog and errsink so every sink
// scrubs consistently (spec.md section 5: "Secrets ... must be redacted
// from any logged exception text").
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor builds a Redactor over a fixed set of secret values.
// Empty strings are ignored so an unset secret never matches everything.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Set(secrets...)
	return r
}

// Set replaces the secret set.
func (r *Redactor) Set(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = r.secrets[:0]
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
}

// Redact returns s with every configured secret replaced by "***".
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

// Logger is a leveled, key-value, optionally-colorized, optionally
// file-rotated logger.
type Logger struct {
	mu       sync.Mutex
	level    Level
	format   string
	color    bool
	out      io.Writer
	redactor *Redactor
}

// Config configures a Logger.
type Config struct {
	Level Level
	// Format is a template using the tokens $color, $timestamp,
	// $message, $error, $severity (spec.md's LOG_FORMAT). Empty means
	// the built-in default layout.
	Format string
	// FilePath, if set, rotates logs through lumberjack instead of
	// writing to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	Redactor   *Redactor
}

const defaultFormat = "$timestamp $severity $message $error"

// New builds a Logger from cfg. Output goes to stderr (colorized if it's
// a TTY) unless cfg.FilePath is set, in which case it rotates through
// lumberjack and is never colorized (color codes in a log file on disk
// are just noise).
func New(cfg Config) *Logger {
	format := cfg.Format
	if format == "" {
		format = defaultFormat
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = NewRedactor()
	}

	l := &Logger{
		level:    cfg.Level,
		format:   format,
		redactor: redactor,
	}

	if cfg.FilePath != "" {
		l.out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxInt(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
		}
		l.color = false
		return l
	}

	stderr := os.Stderr
	l.color = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	if l.color {
		l.out = colorable.NewColorable(stderr)
	} else {
		l.out = stderr
	}
	return l
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (l *Logger) log(level Level, msg string, err error, kv ...any) {
	if level < l.level {
		return
	}
	line := l.render(level, msg, err, kv...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

func (l *Logger) render(level Level, msg string, err error, kv ...any) string {
	msg = l.redactor.Redact(msg)
	errText := ""
	if err != nil {
		errText = l.redactor.Redact(err.Error())
	}
	sev := level.String()

	out := l.format
	out = strings.ReplaceAll(out, "$timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	out = strings.ReplaceAll(out, "$message", msg)
	out = strings.ReplaceAll(out, "$error", errText)
	out = strings.ReplaceAll(out, "$severity", sev)

	if l.color {
		c := levelColor(level)
		out = strings.ReplaceAll(out, "$color", "")
		out = c.Sprint(out)
	} else {
		out = strings.ReplaceAll(out, "$color", "")
	}

	if len(kv) > 0 {
		out += " " + formatKV(l.redactor, kv...)
	}
	return out
}

func formatKV(r *Redactor, kv ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		key, _ := kv[i].(string)
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(r.Redact(formatValue(kv[i+1])))
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case error:
		return strconv.Quote(t.Error())
	case fmt.Stringer:
		return strconv.Quote(t.String())
	default:
		return fmt.Sprint(t)
	}
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, nil, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, nil, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, nil, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, nil, kv...) }

// Error logs at LevelError. The first key-value pair whose key is
// "err"/"error" and whose value is an error is surfaced through $error too.
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, extractErr(kv), kv...) }

// Crit logs at LevelCrit — reserved for stay-down and unhandled-panic
// conditions (spec.md section 7).
func (l *Logger) Crit(msg string, kv ...any) { l.log(LevelCrit, msg, extractErr(kv), kv...) }

func extractErr(kv []any) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, _ := kv[i].(string); k == "err" || k == "error" {
			if e, ok := kv[i+1].(error); ok {
				return e
			}
		}
	}
	return nil
}

// Redactor exposes the logger's redactor so other sinks (errsink) can
// share it.
func (l *Logger) Redactor() *Redactor { return l.redactor }
