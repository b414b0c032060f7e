package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		log, err := New(Config{Level: "info", Format: "json"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if log.Level() != zapcore.InfoLevel {
			t.Errorf("Expected info level, got %s", log.Level())
		}
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("Expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "txtvec.log")
		log, err := New(Config{Level: "debug", Format: "console", File: &FileConfig{Enabled: true, Path: path}})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}

		log.WithComponent("test").Info("written to file")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), "written to file") {
			t.Errorf("Log file does not contain message: %s", data)
		}
		if !strings.Contains(string(data), `"component":"test"`) {
			t.Errorf("Log file does not contain component field: %s", data)
		}
	})
}

func TestSetLevel(t *testing.T) {
	log, err := New(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	child := log.WithRequestID("abc")
	if err := log.SetLevel("error"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}

	// Children share the atomic level
	if child.Level() != zapcore.ErrorLevel {
		t.Errorf("Expected child level error, got %s", child.Level())
	}
	if child.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Info should be disabled after raising the level")
	}

	if err := log.SetLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}
