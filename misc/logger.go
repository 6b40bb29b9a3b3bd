package misc

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.uber.org/atomic"
)

type SwitchableWriter struct {
	w       io.Writer
	enabled *atomic.Bool
}

func NewSwitchableWriter(w io.Writer, enabled bool) *SwitchableWriter {
	return &SwitchableWriter{
		w:       w,
		enabled: atomic.NewBool(enabled),
	}
}

func (tw *SwitchableWriter) Enable(b bool) {
	tw.enabled.Store(b)
}

func (tw *SwitchableWriter) Enabled() bool {
	return tw.enabled.Load()
}

func (tw *SwitchableWriter) Write(p []byte) (int, error) {
	if tw.enabled.Load() {
		return tw.w.Write(p)
	}
	return len(p), nil
}

// ShortTimeWriter prefixes every line with a short timestamp:
// YYYYMMDD-HHMMSS(.mmm)
type ShortTimeWriter struct {
	w         io.Writer
	withMilli bool
}

func NewShortTimeWriter(w io.Writer, withMilli bool) *ShortTimeWriter {
	return &ShortTimeWriter{
		w:         w,
		withMilli: withMilli,
	}
}

func (tw *ShortTimeWriter) Write(p []byte) (int, error) {
	if sw, ok := tw.w.(*SwitchableWriter); ok && !sw.Enabled() {
		return len(p), nil
	}
	var ts string
	if tw.withMilli {
		ts = time.Now().Format("20060102-150405.000")
	} else {
		ts = time.Now().Format("20060102-150405")
	}
	return fmt.Fprintf(tw.w, "%s %s", ts, p)
}

const timeFlags = log.Ldate | log.Ltime | log.Lmicroseconds

// NewLog creates a tagged logger.
//
// 20251226-113930 [socks] listening on 127.0.0.1:1080
func NewLog(w io.Writer, tag string, flag int) *log.Logger {
	flag &^= timeFlags
	flag |= log.Lmsgprefix
	return log.New(NewShortTimeWriter(w, false), tag, flag)
}

// NewLogMilli is NewLog with millisecond timestamps.
func NewLogMilli(w io.Writer, tag string, flag int) *log.Logger {
	flag &^= timeFlags
	flag |= log.Lmsgprefix
	return log.New(NewShortTimeWriter(w, true), tag, flag)
}

var (
	infoOutput  = NewSwitchableWriter(os.Stderr, true)
	debugOutput = NewSwitchableWriter(os.Stderr, false)
)

// SetVerbose turns debug output of every Logger on or off.
func SetVerbose(b bool) {
	debugOutput.Enable(b)
}

// SetQuiet silences informational output. Debug output follows SetVerbose.
func SetQuiet(b bool) {
	infoOutput.Enable(!b)
}

// Logger is a tagged info logger paired with a debug logger that only writes
// when verbose output is on.
type Logger struct {
	*log.Logger
	debug *log.Logger
}

func NewLogger(tag string) *Logger {
	prefix := "[" + tag + "] "
	return &Logger{
		Logger: NewLog(infoOutput, prefix, 0),
		debug:  NewLogMilli(debugOutput, prefix, 0),
	}
}

func (l *Logger) Debugf(format string, v ...any) {
	l.debug.Printf(format, v...)
}
