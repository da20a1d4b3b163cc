package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/forja/forja/pkg/process"
	"github.com/forja/forja/pkg/types"
)

// Scope is the working context handed to one teammate process
type Scope struct {
	Teammate     types.Teammate
	Wave         int
	Pass         int
	RunID        string
	ProjectRoot  string
	FeaturesFile string
	CallbackURL  string
	LogDir       string
}

// Environ returns the FORJA_* variables describing the scope
func (s Scope) Environ() []string {
	return []string{
		"FORJA_TEAMMATE=" + s.Teammate.Name,
		"FORJA_FEATURES_FILE=" + s.FeaturesFile,
		"FORJA_AUTHORIZED_PATHS=" + strings.Join(s.Teammate.AuthorizedPaths, string(os.PathListSeparator)),
		"FORJA_CALLBACK_URL=" + s.CallbackURL,
		"FORJA_RUN_ID=" + s.RunID,
		"FORJA_WAVE=" + strconv.Itoa(s.Wave),
		"FORJA_PASS=" + strconv.Itoa(s.Pass),
		"FORJA_PROJECT_ROOT=" + s.ProjectRoot,
	}
}

// Expand substitutes {{teammate}}-style placeholders in a command template.
// Unknown placeholders are left untouched.
func (s Scope) Expand(template string) string {
	return fasttemplate.ExecuteStringStd(template, "{{", "}}", map[string]interface{}{
		"teammate":         s.Teammate.Name,
		"features_file":    s.FeaturesFile,
		"authorized_paths": strings.Join(s.Teammate.AuthorizedPaths, " "),
		"callback_url":     s.CallbackURL,
		"run_id":           s.RunID,
		"wave":             strconv.Itoa(s.Wave),
		"pass":             strconv.Itoa(s.Pass),
		"project_root":     s.ProjectRoot,
	})
}

// Process is a launched teammate process group
type Process interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr is the exit error, valid after Done is closed.
	ExitErr() error
	// Terminate stops the whole process group, escalating to a kill after grace.
	Terminate(grace time.Duration) error
}

//go:generate mockgen -destination=../mocks/spawner_mock.go -package=mocks -mock_names=Spawner=MockSpawnerInterface github.com/forja/forja/pkg/supervisor Spawner

// Spawner launches teammate processes
type Spawner interface {
	Spawn(ctx context.Context, scope Scope) (Process, error)
}

// ExecSpawner runs a shell command per teammate in its own process group
type ExecSpawner struct {
	// Command is a template such as "agent run --teammate {{teammate}}".
	Command string
	Shell   string
	Env     []string
}

// Spawn starts the teammate command with output appended to <LogDir>/<teammate>.log
func (s *ExecSpawner) Spawn(ctx context.Context, scope Scope) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command := strings.TrimSpace(scope.Expand(s.Command))
	if command == "" {
		return nil, errors.New("no teammate command configured")
	}
	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = scope.ProjectRoot
	cmd.Env = append(append(os.Environ(), s.Env...), scope.Environ()...)
	process.ConfigureGroup(cmd)

	var logFile *os.File
	if scope.LogDir != "" {
		if err := os.MkdirAll(scope.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(scope.LogDir, scope.Teammate.Name+".log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open teammate log: %w", err)
		}
		fmt.Fprintf(f, "=== forja %s wave %d pass %d started %s ===\n",
			scope.RunID, scope.Wave, scope.Pass, time.Now().UTC().Format(time.RFC3339))
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start teammate %s: %w", scope.Teammate.Name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		// The leader is gone but descendants may still hold the group.
		if process.GroupAlive(p.PID()) {
			_, err := process.TerminateGroup(p.PID(), grace)
			return err
		}
		return ErrNotRunning
	default:
	}

	if _, err := process.TerminateGroup(p.PID(), grace); err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(grace + time.Second):
		return fmt.Errorf("process %d did not exit after kill", p.PID())
	}
	return nil
}
