package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry in memory, from TraceLevel up.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: Wrap(zap.New(core)), logs: logs}
}

// Entries returns the recorded entries.
func (t *TestLogger) Entries() []observer.LoggedEntry {
	return t.logs.All()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return
		}
	}
	tb.Errorf("no %v entry containing %q in %d entries", level, msg, t.logs.Len())
}

// AssertField fails tb unless an entry with message msg has key set to want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			return
		}
	}
	tb.Errorf("no entry %q with %s=%v", msg, key, want)
}

// AssertNoSecrets fails tb if any raw secret appears in a message or field.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, secrets ...string) {
	tb.Helper()
	for _, e := range t.logs.All() {
		text := e.Message + " " + fmt.Sprint(e.ContextMap())
		for _, s := range secrets {
			if s != "" && strings.Contains(text, s) {
				tb.Errorf("entry %q leaks a secret", e.Message)
			}
		}
	}
}
