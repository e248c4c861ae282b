// Package logger configures the process-wide slog logger used by the
// server binary: level parsing, a compact human-oriented text format with
// terminal colors, and suppression of third-party library log lines unless
// debugging.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

// modulePrefix identifies this module's frames when deciding whether a log
// record came from our own code or a dependency.
const modulePrefix = "github.com/loopcore/loopcore"

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
)

// ParseLevel converts a level string (debug, info, warn/warning, error) to
// its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
	}
}

// Init installs the process-wide logger: records below level are dropped,
// records emitted by dependencies are dropped unless level is debug, and
// output is colored when writing to a terminal. format is "simple" (level
// and message) or "verbose" (adds a timestamp).
func Init(level slog.Level, output *os.File, format string) {
	h := &handler{
		out:     output,
		level:   level,
		color:   isTerminal(output),
		verbose: format == "verbose",
	}
	mu.Lock()
	defaultLogger = slog.New(h)
	mu.Unlock()
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the installed logger, initializing a default one (info
// level, simple format, stderr) on first use.
func GetLogger() *slog.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
		return slog.Default()
	}
	return l
}

// OpenLogFile opens (appending, creating if needed) a log file for use as
// Init's output, returning a cleanup func that closes it.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// handler is a minimal slog.Handler: one line per record, level colored on
// terminals, attrs as key=value pairs.
type handler struct {
	out     *os.File
	level   slog.Level
	color   bool
	verbose bool
	attrs   []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	// Dependencies (the provider SDKs, MCP clients) log through the
	// default logger too; keep their chatter out unless debugging.
	if h.level > slog.LevelDebug && !fromThisModule(r.PC) {
		return nil
	}

	var b strings.Builder
	if h.verbose && !r.Time.IsZero() {
		b.WriteString(r.Time.Format("2006/01/02 15:04:05 "))
	}
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	_, err := h.out.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *handler) WithGroup(string) slog.Handler { return h }

func (h *handler) levelTag(level slog.Level) string {
	tag := level.String()
	if tag == "WARNING" {
		tag = "WARN"
	}
	if !h.color {
		return tag
	}
	var code string
	switch {
	case level >= slog.LevelError:
		code = "\033[31m"
	case level >= slog.LevelWarn:
		code = "\033[33m"
	case level >= slog.LevelInfo:
		code = "\033[36m"
	default:
		code = "\033[90m"
	}
	return code + tag + "\033[0m"
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

// fromThisModule reports whether the record's call site is in this module.
func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.HasPrefix(fn.Name(), modulePrefix)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
