package notifier_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/notifier"
)

type sent struct {
	title   string
	message string
}

func capture(enabled bool, err error) (*notifier.RunNotifier, *[]sent) {
	var out []sent
	n := notifier.New(notifier.Config{
		Enabled: enabled,
		Send: func(title, message string) error {
			out = append(out, sent{title, message})
			return err
		},
	}, logger.Discard())
	return n, &out
}

func TestNotifyRunComplete(t *testing.T) {
	tests := []struct {
		name      string
		passed    int
		blocked   int
		duration  time.Duration
		wantTitle string
		wantMsg   string
	}{
		{"all passed", 4, 0, 90 * time.Second, "run complete", "4/4 features completed (0 blocked) in 1m30s"},
		{"some blocked", 3, 1, 500 * time.Millisecond, "blocked features", "3/4 features completed (1 blocked) in 500ms"},
		{"long run", 4, 0, 2*time.Hour + 5*time.Minute, "run complete", "in 2h5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, out := capture(true, nil)
			n.NotifyRunComplete(tt.passed, 4, tt.blocked, tt.duration)
			if len(*out) != 1 {
				t.Fatalf("expected one notification, got %d", len(*out))
			}
			got := (*out)[0]
			if !strings.Contains(got.title, tt.wantTitle) {
				t.Errorf("title = %q, want it to contain %q", got.title, tt.wantTitle)
			}
			if !strings.Contains(got.message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", got.message, tt.wantMsg)
			}
		})
	}
}

func TestNotifyDisabled(t *testing.T) {
	n, out := capture(false, nil)
	n.NotifyRunComplete(1, 1, 0, time.Second)
	n.NotifyBlocked("api", "login", "cycle limit reached")
	n.NotifyFatal(errors.New("boom"))
	if len(*out) != 0 {
		t.Errorf("disabled notifier sent %d notifications", len(*out))
	}
}

func TestNotifyBlockedAndFatal(t *testing.T) {
	n, out := capture(true, errors.New("no notification daemon"))
	n.NotifyBlocked("api", "login", "cycle limit reached")
	n.NotifyFatal(errors.New("dependency cycle detected: a -> b -> a"))

	if len(*out) != 2 {
		t.Fatalf("expected two notifications, got %d", len(*out))
	}
	if (*out)[0].message != "api/login: cycle limit reached" {
		t.Errorf("unexpected blocked message %q", (*out)[0].message)
	}
	if !strings.Contains((*out)[1].message, "dependency cycle") {
		t.Errorf("unexpected fatal message %q", (*out)[1].message)
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *notifier.RunNotifier
	n.NotifyFatal(errors.New("ignored"))
}
