package logging

import "testing"

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level to be enabled")
	}

	if _, err := New("loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}
