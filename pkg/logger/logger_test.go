package logger

import "testing"

func TestInitLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		InitLogger(level)
		if Log == nil {
			t.Fatalf("InitLogger(%q) left Log nil", level)
		}
		Log.Debug("probe", "level", level)
	}
}

func TestWithReturnsNewLogger(t *testing.T) {
	l := Log.With("component", "test")
	if l == nil {
		t.Fatal("With returned nil")
	}
	if l == Log {
		t.Fatal("With should return a derived logger")
	}
}
