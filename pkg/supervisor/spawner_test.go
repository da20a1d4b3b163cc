//go:build unix

package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/forja/forja/pkg/process"
	"github.com/forja/forja/pkg/supervisor"
	"github.com/forja/forja/pkg/types"
)

func testScope(t *testing.T) supervisor.Scope {
	t.Helper()
	root := t.TempDir()
	return supervisor.Scope{
		Teammate: types.Teammate{
			Name:            "backend",
			AuthorizedPaths: []string{"src/api", "docs"},
		},
		Wave:         1,
		Pass:         2,
		RunID:        "run_abc",
		ProjectRoot:  root,
		FeaturesFile: filepath.Join(root, "context", "teammates", "backend", "features.json"),
		CallbackURL:  "http://127.0.0.1:9999",
		LogDir:       filepath.Join(root, ".forja", "logs"),
	}
}

func TestScopeExpand(t *testing.T) {
	scope := testScope(t)
	tests := []struct {
		template string
		want     string
	}{
		{"agent --teammate {{teammate}}", "agent --teammate backend"},
		{"run {{wave}}/{{pass}} {{run_id}}", "run 1/2 run_abc"},
		{"paths {{authorized_paths}}", "paths src/api docs"},
		{"keep {{unknown}}", "keep {{unknown}}"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := scope.Expand(tt.template); got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestScopeEnviron(t *testing.T) {
	scope := testScope(t)
	env := strings.Join(scope.Environ(), "\n")
	for _, want := range []string{
		"FORJA_TEAMMATE=backend",
		"FORJA_WAVE=1",
		"FORJA_RUN_ID=run_abc",
		"FORJA_CALLBACK_URL=http://127.0.0.1:9999",
		"FORJA_AUTHORIZED_PATHS=src/api" + string(os.PathListSeparator) + "docs",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("expected %q in environment", want)
		}
	}
}

func TestExecSpawnerRunsCommand(t *testing.T) {
	scope := testScope(t)
	sp := &supervisor.ExecSpawner{Command: `echo "hello $FORJA_TEAMMATE {{wave}}"; exit 3`}

	proc, err := sp.Spawn(context.Background(), scope)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if proc.ExitErr() == nil {
		t.Error("expected a non-zero exit error")
	}
	if err := proc.Terminate(time.Second); !errors.Is(err, supervisor.ErrNotRunning) {
		t.Errorf("Terminate after exit = %v, want ErrNotRunning", err)
	}

	data, err := os.ReadFile(filepath.Join(scope.LogDir, "backend.log"))
	if err != nil {
		t.Fatalf("teammate log missing: %v", err)
	}
	if !strings.Contains(string(data), "hello backend 1") {
		t.Errorf("unexpected log contents: %q", data)
	}
}

func TestExecSpawnerTerminate(t *testing.T) {
	scope := testScope(t)
	sp := &supervisor.ExecSpawner{Command: "sleep 30 & sleep 30; wait"}

	proc, err := sp.Spawn(context.Background(), scope)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := proc.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	select {
	case <-proc.Done():
	default:
		t.Error("process should be done after Terminate")
	}
}

func TestExecSpawnerRequiresCommand(t *testing.T) {
	sp := &supervisor.ExecSpawner{Command: "   "}
	if _, err := sp.Spawn(context.Background(), testScope(t)); err == nil {
		t.Error("expected error for empty command")
	}
}

// gone reports whether pid has exited. A zombie waiting for a reaper counts as gone.
func gone(pid int) bool {
	if !process.Alive(pid) {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	if i := strings.LastIndexByte(string(data), ')'); i >= 0 && i+2 < len(data) {
		return data[i+2] == 'Z'
	}
	return false
}

func TestRunWaveStopsDescendantsOfExitedTeammate(t *testing.T) {
	root := t.TempDir()
	reg := openRegistry(t, 5, map[string][]string{"bg": {"b1"}})
	limits := fastLimits()
	limits.MaxPasses = 1
	sup, err := supervisor.New(supervisor.Options{
		Registry:    reg,
		Spawner:     &supervisor.ExecSpawner{Command: "sleep 30 & echo $! > sleeper.pid; exit 0"},
		Limits:      limits,
		RunID:       "run_test",
		ProjectRoot: root,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"bg"}}); err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "sleeper.pid"))
	if err != nil {
		t.Fatalf("teammate did not record its child: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("bad pid %q: %v", data, err)
	}
	t.Cleanup(func() { syscall.Kill(pid, syscall.SIGKILL) })

	deadline := time.Now().Add(2 * time.Second)
	for !gone(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d still running after RunWave returned", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
