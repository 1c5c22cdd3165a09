// Package log is a small structured, leveled logger in the convention the
// teacher codebase uses throughout its core packages: Info/Warn/Error take
// a message followed by alternating key/value pairs, e.g.
//
//	log.Warn("sandbox launch failed", "submission", sub.ParticipantID, "err", err)
//
// Output is colorized when stderr is a terminal (detected via
// mattn/go-isatty) and passed through mattn/go-colorable so ANSI codes
// render correctly on Windows consoles too.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key/value structured records to an output stream.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	minLevel Level
	ctx      []interface{} // key/value pairs carried by With
}

// New creates a Logger writing to w. If w is os.Stderr/os.Stdout and the
// descriptor is a terminal, output is colorized; otherwise colorization is
// disabled automatically (e.g. when piped to a file or log aggregator).
func New(w io.Writer) *Logger {
	colorize := false
	if f, ok := w.(*os.File); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return &Logger{out: w, colorize: colorize, minLevel: LevelInfo}
}

// Default is the process-wide logger, writing colorized records to stderr
// when attached to a terminal.
var Default = New(os.Stderr)

// SetLevel sets the minimum level that will be emitted.
func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = lvl
}

// With returns a child Logger that prepends ctx to every record's fields,
// e.g. log.Default.With("tournament", t.ID).Info("phase advanced").
func (l *Logger) With(ctx ...interface{}) *Logger {
	child := &Logger{out: l.out, colorize: l.colorize, minLevel: l.minLevel}
	child.ctx = append(append([]interface{}{}, l.ctx...), ctx...)
	return child
}

func (l *Logger) log(lvl Level, msg string, kv []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.minLevel {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	tag := lvl.String()
	if l.colorize {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(l.out, "%s [%s] %s", ts, tag, msg)
	all := append(append([]interface{}{}, l.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(l.out, " %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv) }

// Package-level convenience wrappers over Default, matching the teacher's
// call convention of log.Warn(...) without threading a logger everywhere.
func Debug(msg string, kv ...interface{}) { Default.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { Default.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Default.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { Default.Error(msg, kv...) }
