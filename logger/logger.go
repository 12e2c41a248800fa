// Package logger implements the orchestrator's structured logger: multi-level
// namespace-filtered output, an in-memory entry store that is retained for
// the process lifetime, TTY progress rendering, and forwarding over a
// bidirectional message socket to a remote peer.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Meta is the structured payload attached to a log entry.
type Meta map[string]any

// Entry is a single retained log record. Entries are stored in insertion
// order and never evicted; the growing store backs the query API.
type Entry struct {
	Debug     string `json:"debug"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Meta      Meta   `json:"meta,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Logger is the process-wide log sink shared by all groups.
type Logger struct {
	mu           sync.Mutex
	level        Level
	namespaces   Namespaces
	entries      []Entry
	deprecations map[string]struct{}

	stdout, stderr       io.Writer
	stdoutTTY, stderrTTY bool

	lastLog         time.Time
	progressMsg     string
	progressPersist bool

	sock Socket
	env  map[string]string
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the lazily-initialized process singleton, configured from
// PERCY_DEBUG and PERCY_LOGLEVEL.
func Default() *Logger {
	defaultOnce.Do(func() { defaultLogger = New() })
	return defaultLogger
}

// Group returns a named group handle on the default logger.
func Group(name string) *GroupLogger {
	return Default().Group(name)
}

// New creates a Logger writing to the process stdio streams, configured from
// the environment. PERCY_DEBUG sets the debug namespaces and forces the debug
// level; otherwise PERCY_LOGLEVEL selects the level (default info).
func New() *Logger {
	l := NewWithOutput(os.Stdout, os.Stderr)
	l.stdoutTTY = isatty.IsTerminal(os.Stdout.Fd())
	l.stderrTTY = isatty.IsTerminal(os.Stderr.Fd())
	return l
}

// NewWithOutput creates a Logger writing to the given streams, treated as
// non-TTY. Configuration still comes from the environment.
func NewWithOutput(stdout, stderr io.Writer) *Logger {
	l := &Logger{
		level:        LevelInfo,
		namespaces:   DefaultNamespaces(),
		deprecations: make(map[string]struct{}),
		stdout:       stdout,
		stderr:       stderr,
		env:          make(map[string]string),
	}
	l.applyEnv(map[string]string{
		"PERCY_DEBUG":    os.Getenv("PERCY_DEBUG"),
		"PERCY_LOGLEVEL": os.Getenv("PERCY_LOGLEVEL"),
	})
	return l
}

// applyEnv merges env vars into the logger's view and reconfigures level and
// namespaces accordingly. Callers must not hold l.mu.
func (l *Logger) applyEnv(env map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range env {
		if v != "" {
			l.env[k] = v
		}
	}
	if debug := l.env["PERCY_DEBUG"]; debug != "" {
		l.namespaces = ParseNamespaces(debug)
		l.level = LevelDebug
	} else if lvl := l.env["PERCY_LOGLEVEL"]; lvl != "" {
		if parsed, err := ParseLevel(lvl); err == nil {
			l.level = parsed
		}
	}
}

// SetLevel overrides the current log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetNamespaces replaces the namespace filter with a parsed spec.
func (l *Logger) SetNamespaces(spec string) {
	ns := ParseNamespaces(spec)
	l.mu.Lock()
	l.namespaces = ns
	l.mu.Unlock()
}

// Level returns the current log level.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// GroupLogger is a named handle on a Logger; all packages log through one.
type GroupLogger struct {
	l    *Logger
	name string
}

// Group returns a handle that logs under the given debug namespace.
func (l *Logger) Group(name string) *GroupLogger {
	return &GroupLogger{l: l, name: name}
}

func (g *GroupLogger) Debug(msg string, meta ...Meta) { g.l.Log(g.name, LevelDebug, msg, first(meta)) }
func (g *GroupLogger) Info(msg string, meta ...Meta)  { g.l.Log(g.name, LevelInfo, msg, first(meta)) }
func (g *GroupLogger) Warn(msg string, meta ...Meta)  { g.l.Log(g.name, LevelWarn, msg, first(meta)) }
func (g *GroupLogger) Error(msg string, meta ...Meta) { g.l.Log(g.name, LevelError, msg, first(meta)) }

func (g *GroupLogger) Debugf(format string, args ...any) { g.Debug(fmt.Sprintf(format, args...)) }
func (g *GroupLogger) Infof(format string, args ...any)  { g.Info(fmt.Sprintf(format, args...)) }
func (g *GroupLogger) Warnf(format string, args ...any)  { g.Warn(fmt.Sprintf(format, args...)) }
func (g *GroupLogger) Errorf(format string, args ...any) { g.Error(fmt.Sprintf(format, args...)) }

// Err logs an error value at error level.
func (g *GroupLogger) Err(err error) {
	if err != nil {
		g.Error(err.Error())
	}
}

// Deprecated emits msg as a warning at most once per exact message for the
// logger's lifetime.
func (g *GroupLogger) Deprecated(msg string) { g.l.deprecated(g.name, msg) }

// ShouldLog reports whether a message at level would reach stdio.
func (g *GroupLogger) ShouldLog(level Level) bool { return g.l.shouldLog(g.name, level) }

// Progress renders a transient progress line. See Logger.Progress.
func (g *GroupLogger) Progress(msg string, persist bool) { g.l.Progress(msg, persist) }

// Format returns the line that a message at level would produce on stdio.
func (g *GroupLogger) Format(level Level, msg string) string {
	g.l.mu.Lock()
	defer g.l.mu.Unlock()
	return g.l.formatLocked(g.name, level, msg, false)
}

func first(meta []Meta) Meta {
	if len(meta) > 0 {
		return meta[0]
	}
	return nil
}

// Log records a message. When a remote socket is attached the message is
// forwarded instead of touching local state; otherwise the entry is retained
// unconditionally and written to stdio only when the namespace and level
// filters pass.
func (l *Logger) Log(debug string, level Level, message string, meta Meta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock != nil {
		l.sendLocked(debug, level, message, meta)
		return
	}
	l.emitLocked(debug, level, message, meta)
}

func (l *Logger) sendLocked(debug string, level Level, message string, meta Meta) {
	m := Meta{"remote": true}
	for k, v := range meta {
		m[k] = v
	}
	b, err := json.Marshal(map[string]any{
		"log": []any{debug, level.String(), message, m},
	})
	if err != nil {
		return
	}
	_ = l.sock.WriteMessage(b)
}

// emitLocked is the local half of the log pipeline: retain, filter, write.
func (l *Logger) emitLocked(debug string, level Level, message string, meta Meta) {
	l.entries = append(l.entries, Entry{
		Debug:     debug,
		Level:     level,
		Message:   message,
		Meta:      meta,
		Timestamp: time.Now().UnixMilli(),
	})
	if !l.shouldLogLocked(debug, level) {
		return
	}
	line := l.formatLocked(debug, level, message, true)
	w := l.stderr
	if level == LevelInfo {
		w = l.stdout
	}
	l.writeLocked(w, line)
}

func (l *Logger) deprecated(debug, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.deprecations[msg]; seen {
		return
	}
	l.deprecations[msg] = struct{}{}
	if l.sock != nil {
		l.sendLocked(debug, LevelWarn, "Warning: "+msg, nil)
		return
	}
	l.emitLocked(debug, LevelWarn, "Warning: "+msg, nil)
}

func (l *Logger) shouldLog(debug string, level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldLogLocked(debug, level)
}

func (l *Logger) shouldLogLocked(debug string, level Level) bool {
	if level < l.level {
		return false
	}
	name := "percy"
	if debug != "" {
		name = "percy:" + debug
	}
	return l.namespaces.Match(name)
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

var (
	labelColor   = color.New(color.FgMagenta)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	urlColor     = color.New(color.FgBlue)
	elapsedColor = color.New(color.FgHiBlack)
)

// formatLocked renders "[percy[:debug]] message" with level coloring and, in
// debug mode, the elapsed milliseconds since the previous formatted line.
func (l *Logger) formatLocked(debug string, level Level, message string, advance bool) string {
	label := "percy"
	if debug != "" && l.level == LevelDebug {
		label += ":" + debug
	}
	switch level {
	case LevelError:
		message = errorColor.Sprint(message)
	case LevelWarn:
		message = warnColor.Sprint(message)
	default:
		message = urlPattern.ReplaceAllStringFunc(message, func(s string) string {
			return urlColor.Sprint(s)
		})
	}
	line := fmt.Sprintf("[%s] %s", labelColor.Sprint(label), message)
	if l.level == LevelDebug {
		now := time.Now()
		if !l.lastLog.IsZero() {
			line += elapsedColor.Sprintf(" (%dms)", now.Sub(l.lastLog).Milliseconds())
		}
		if advance {
			l.lastLog = now
		}
	}
	return line
}

// writeLocked writes a finished log line, clearing and optionally restoring
// an active progress line around it.
func (l *Logger) writeLocked(w io.Writer, line string) {
	if l.progressMsg != "" && l.stdoutTTY {
		fmt.Fprint(l.stdout, "\r\x1b[0K")
	}
	fmt.Fprintln(w, line)
	if l.progressMsg != "" && l.progressPersist {
		l.renderProgressLocked()
	} else {
		l.progressMsg = ""
	}
}

// Progress renders msg as the current progress line. On a TTY the line is
// rewritten in place; on a non-TTY it is written once and duplicate updates
// are suppressed until a non-progress log interleaves. With persist the line
// is re-rendered after interleaved writes.
func (l *Logger) Progress(msg string, persist bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock != nil {
		return
	}
	if msg == l.progressMsg && !l.stdoutTTY {
		l.progressPersist = persist
		return
	}
	l.progressMsg = msg
	l.progressPersist = persist
	l.renderProgressLocked()
}

func (l *Logger) renderProgressLocked() {
	if l.progressMsg == "" {
		if l.stdoutTTY {
			fmt.Fprint(l.stdout, "\r\x1b[0K")
		}
		return
	}
	if l.stdoutTTY {
		fmt.Fprintf(l.stdout, "\r\x1b[0K%s", l.progressMsg)
	} else {
		fmt.Fprintln(l.stdout, l.progressMsg)
	}
}

// QueryFilter selects entries from the retained store.
type QueryFilter func(Entry) bool

// Query returns a copy of every retained entry matching filter. A nil filter
// matches everything.
func (l *Logger) Query(filter QueryFilter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}
