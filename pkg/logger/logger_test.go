package logger_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	fcontext "github.com/forja/forja/pkg/context"
	"github.com/forja/forja/pkg/logger"
)

func TestCreateLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "forja.log")
	log := logger.CreateLogger(path, "info")
	if log == nil {
		t.Fatal("expected logger to be created")
	}
	log.Info("hello file")
	if err := logger.Close(log); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.CreateLoggerWithOutput(tt.level, &buf)

			log.Debug("debug-line")
			log.Info("info-line")

			output := buf.String()
			if got := strings.Contains(output, "debug-line"); got != tt.wantDebug {
				t.Errorf("debug output = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(output, "info-line"); got != tt.wantInfo {
				t.Errorf("info output = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLogger_WithTeammate(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.WithTeammate("backend").Info("launching")

	output := buf.String()
	if !strings.Contains(output, "[backend] launching") {
		t.Errorf("expected teammate prefix in output, got %q", output)
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Info("fields",
		logger.WithField("zeta", 1),
		logger.WithField("alpha", "a"),
		logger.WithError(errors.New("boom")),
	)

	output := buf.String()
	if !strings.Contains(output, "{alpha=a, error=boom, zeta=1}") {
		t.Errorf("unexpected field rendering: %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Success("wave complete")

	if !strings.Contains(buf.String(), "✅ wave complete") {
		t.Error("expected success marker in log output")
	}
}

func TestWithContextAddsRunFields(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	ctx := fcontext.WithRunID(context.Background(), "run_123")
	ctx = fcontext.WithWave(ctx, 2)
	logger.WithContext(ctx, base).WithTeammate("qa").Warn("slow")

	output := buf.String()
	for _, want := range []string{"run_id=run_123", "wave=2", "[qa] slow"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}

func TestLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("error", &buf)

	log.Debug("should not appear")
	log.Info("should not appear")
	log.Warn("should not appear")
	log.Error("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("lower level logs should not appear with error level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("error level log should appear")
	}
}
