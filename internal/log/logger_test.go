package log

import (
	"testing"

	"trades-engine/internal/config"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "json"}, "test")
	if err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLoggerDefaultsOutputs(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Encoding: "json"}, "test")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("debug level should be enabled")
	}
}
