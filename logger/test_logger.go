package logger

import (
	"sync"
	"testing"
)

var _ Logger = &Test{}

// Test is a logger.Logger implementation using testing.T instance.
//
// Entries are also recorded in memory, so tests can assert on the
// messages a component has logged.
type Test struct {
	t *testing.T

	mx      sync.Mutex
	entries []Entry
}

// Entry is a log line recorded by the Test logger.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// NewTest returns a new logger using the provided testing.T instance.
func NewTest(t *testing.T) *Test {
	return &Test{t: t}
}

func (l *Test) log(level, msg string, fields []Field) {
	l.mx.Lock()
	l.entries = append(l.entries, Entry{Level: level, Message: msg, Fields: fields})
	l.mx.Unlock()

	l.t.Logf("[%s] %s {args: %+v}\n", level, msg, fields)
}

// Debug uses t.Logf to print a debug message.
func (l *Test) Debug(msg string, fields ...Field) { l.log("debug", msg, fields) }

// Info uses t.Logf to print an info message.
func (l *Test) Info(msg string, fields ...Field) { l.log("info", msg, fields) }

// Warn uses t.Logf to print a warning message.
func (l *Test) Warn(msg string, fields ...Field) { l.log("warn", msg, fields) }

// Error uses t.Logf to print an error message.
func (l *Test) Error(msg string, fields ...Field) { l.log("error", msg, fields) }

// Entries returns a copy of the entries logged so far.
func (l *Test) Entries() []Entry {
	l.mx.Lock()
	defer l.mx.Unlock()

	return append([]Entry(nil), l.entries...)
}

// Contains reports whether a message has been logged at the given level.
func (l *Test) Contains(level, msg string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}

	return false
}
