package definition

import "testing"

func TestLoggerFor_SharesOneInstancePerName(t *testing.T) {
	first := LoggerFor("shared")
	second := LoggerFor("shared")
	if first != second {
		t.Fatal("the same name must return the same logger")
	}
	if LoggerFor("other") == first {
		t.Fatal("different names must not share a logger")
	}
}

func TestDefaultLogger_ToggleDebug(t *testing.T) {
	logger := NewNamedLogger("toggling")
	if !logger.ToggleDebug(true) {
		t.Fatal("expected debug to be on")
	}
	if logger.ToggleDebug(false) {
		t.Fatal("expected debug to be off")
	}
}
