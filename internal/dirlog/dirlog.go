// Package dirlog provides the log15-style structured logger used across the
// consensus directory subsystem: Info(msg, "k", v, ...). It intentionally
// avoids a third log level scheme so call sites read the same whether they
// are logging a scheduler tick or a quorum rejection.
package dirlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// Logger is a minimal structured logger with a bound set of context pairs.
type Logger struct {
	ctx []interface{}
	out *sharedWriter
	lvl Lvl
}

type sharedWriter struct {
	mu     sync.Mutex
	w      io.Writer
	color  bool
	caller bool
}

var root = newRoot()

func newRoot() *Logger {
	w := os.Stderr
	sw := &sharedWriter{w: colorable.NewColorable(w), color: isatty.IsTerminal(w.Fd())}
	return &Logger{out: sw, lvl: LvlInfo}
}

// Root returns the package-level logger used by top-level helpers below.
func Root() *Logger { return root }

// SetLevel bounds the verbosity of the root logger and of loggers created
// from it afterwards; loggers already returned by New keep the level they
// were created with.
func SetLevel(l Lvl) { root.lvl = l }

// New returns a child logger with additional bound context pairs.
func New(ctx ...interface{}) *Logger {
	return root.New(ctx...)
}

func (l *Logger) New(ctx ...interface{}) *Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &Logger{ctx: nctx, out: l.out, lvl: l.lvl}
}

func (l *Logger) write(lvl Lvl, msg string, ctx []interface{}) {
	if lvl > l.lvl {
		return
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	fmt.Fprintf(l.out.w, "%s [%s] %s", time.Now().Format("2006-01-02T15:04:05.000"), lvl, msg)
	all := append(append([]interface{}{}, l.ctx...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out.w, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out.w)
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *Logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// Caller returns a "file:line" context pair for call sites that want to
// pinpoint a warning precisely, using go-stack/stack for panic-free
// caller capture.
func Caller(skip int) string {
	c := stack.Caller(skip + 1)
	return fmt.Sprintf("%+v", c)
}

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
