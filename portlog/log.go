// Package portlog implements the port-mapper's logging facility.
//
// The core never owns process-wide logging -- that belongs to the
// embedding front-end -- but every component still needs somewhere
// to write diagnostics. portlog provides a small tiered-level logger
// that starts out buffered and silent until a front-end gives it a
// destination, so packages can log freely from init-time code without
// forcing an output policy on the embedder.
package portlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a bitmask of log severities. Higher tiers imply the lower
// ones are also enabled.
type Level int

// Level bits.
const (
	LevelError Level = 1 << iota
	LevelInfo
	LevelDebug
	LevelTrace

	LevelAll = LevelError | LevelInfo | LevelDebug | LevelTrace
)

func (l Level) String() string {
	switch {
	case l&LevelTrace != 0:
		return "trace"
	case l&LevelDebug != 0:
		return "debug"
	case l&LevelInfo != 0:
		return "info"
	case l&LevelError != 0:
		return "error"
	default:
		return "none"
	}
}

// normalize applies the implication rule: trace implies debug implies
// info implies error.
func normalize(l Level) Level {
	if l&LevelTrace != 0 {
		l |= LevelDebug
	}
	if l&LevelDebug != 0 {
		l |= LevelInfo
	}
	if l&LevelInfo != 0 {
		l |= LevelError
	}
	return l
}

// Logger is a tiered, optionally-buffered logger. The zero value is
// not usable; construct with New.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	level   Level
	buf     bytes.Buffer // holds lines written before out is set
	bound   bool
	nowFunc func() time.Time
}

// New creates a Logger that defaults to LevelError|LevelInfo and
// buffers output until Bind is called: nothing escapes to a stream
// the embedder didn't ask for.
func New() *Logger {
	return &Logger{
		level:   normalize(LevelError | LevelInfo),
		nowFunc: time.Now,
	}
}

// Bind directs the logger's output to w, flushing anything buffered
// so far. Calling Bind again retargets future writes; it does not
// re-flush.
func (l *Logger) Bind(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.out = w
	l.bound = true
	if l.buf.Len() > 0 {
		w.Write(l.buf.Bytes())
		l.buf.Reset()
	}
}

// BindConsole is a convenience for Bind(os.Stderr).
func (l *Logger) BindConsole() { l.Bind(os.Stderr) }

// SetLevel sets the minimum level mask that will be written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = normalize(level)
	l.mu.Unlock()
}

func (l *Logger) write(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level&level == 0 {
		return
	}

	line := fmt.Sprintf("%s [%s] %s\n",
		l.nowFunc().Format("15:04:05.000"), level.String(),
		fmt.Sprintf(format, args...))

	if l.out != nil {
		l.out.Write([]byte(line))
	} else {
		l.buf.WriteString(line)
	}
}

// Error logs at LevelError.
func (l *Logger) Error(format string, args ...interface{}) { l.write(LevelError, format, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(format string, args ...interface{}) { l.write(LevelInfo, format, args...) }

// Debug logs at LevelDebug.
func (l *Logger) Debug(format string, args ...interface{}) { l.write(LevelDebug, format, args...) }

// Trace logs at LevelTrace.
func (l *Logger) Trace(format string, args ...interface{}) { l.write(LevelTrace, format, args...) }

// Batch accumulates a group of related log lines that should appear
// together regardless of what the dispatcher or front-end logs
// concurrently in between: a single hotplug event or control transfer
// should read as one block, not be interleaved with concurrent
// dispatcher output.
type Batch struct {
	logger *Logger
	lines  []string
}

// Begin starts a new Batch bound to this logger.
func (l *Logger) Begin() *Batch {
	return &Batch{logger: l}
}

// Error appends an error-level line to the batch.
func (b *Batch) Error(format string, args ...interface{}) *Batch {
	return b.append(LevelError, format, args...)
}

// Info appends an info-level line to the batch.
func (b *Batch) Info(format string, args ...interface{}) *Batch {
	return b.append(LevelInfo, format, args...)
}

// Debug appends a debug-level line to the batch.
func (b *Batch) Debug(format string, args ...interface{}) *Batch {
	return b.append(LevelDebug, format, args...)
}

func (b *Batch) append(level Level, format string, args ...interface{}) *Batch {
	if b.logger.level&level == 0 {
		return b
	}
	b.lines = append(b.lines, fmt.Sprintf("[%s] %s", level.String(), fmt.Sprintf(format, args...)))
	return b
}

// Commit writes the accumulated batch atomically under the logger's lock.
func (b *Batch) Commit() {
	if len(b.lines) == 0 {
		return
	}

	b.logger.mu.Lock()
	defer b.logger.mu.Unlock()

	var buf bytes.Buffer
	ts := b.logger.nowFunc().Format("15:04:05.000")
	for _, line := range b.lines {
		fmt.Fprintf(&buf, "%s %s\n", ts, line)
	}

	if b.logger.out != nil {
		b.logger.out.Write(buf.Bytes())
	} else {
		b.logger.buf.Write(buf.Bytes())
	}
}
