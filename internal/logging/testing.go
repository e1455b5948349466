package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that records every entry, trace level included.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: NewFromZap(zap.New(core)), logs: logs}
}

// Entries returns everything logged so far.
func (t *TestLogger) Entries() []observer.LoggedEntry { return t.logs.All() }

// Count returns how many entries contain msg.
func (t *TestLogger) Count(msg string) int {
	return t.matching(func(e observer.LoggedEntry) bool {
		return strings.Contains(e.Message, msg)
	}).Len()
}

func (t *TestLogger) matching(keep func(observer.LoggedEntry) bool) *observer.ObservedLogs {
	return t.logs.Filter(keep)
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	n := t.matching(func(e observer.LoggedEntry) bool {
		return e.Level == level && strings.Contains(e.Message, msg)
	}).Len()
	if n == 0 {
		tb.Errorf("no %v entry containing %q; got %s", level, msg, t.summary())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	n := t.matching(func(e observer.LoggedEntry) bool {
		return e.Level == level && strings.Contains(e.Message, msg)
	}).Len()
	if n > 0 {
		tb.Errorf("unexpected %v entry containing %q", level, msg)
	}
}

// AssertField fails tb unless an entry with exactly msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		got, ok := e.ContextMap()[key]
		if ok && fieldEqual(got, want) {
			return
		}
	}
	tb.Errorf("field %q=%v not found on %q; got %s", key, want, msg, t.summary())
}

// fieldEqual compares printed forms so an int matches the int64 zap stores.
func fieldEqual(got, want any) bool {
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func (t *TestLogger) summary() string {
	var b strings.Builder
	for i, e := range t.logs.All() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Level.String() + ":" + e.Message)
	}
	return "[" + b.String() + "]"
}
