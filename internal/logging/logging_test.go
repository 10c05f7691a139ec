package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"", "", false},
		{"debug", "console", false},
		{"WARN", "json", false},
		{"loud", "console", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q, %q) err = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
			continue
		}
		if logger != nil {
			_ = logger.Sync()
		}
	}
}

func TestNewLevel(t *testing.T) {
	logger, err := New("warn", "console")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug enabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error disabled at warn level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l, _ := New("info", "")
	if OrNop(l) != l {
		t.Error("OrNop replaced a non-nil logger")
	}
}
