//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

const pollInterval = 100 * time.Millisecond

// ConfigureGroup makes cmd the leader of a new process group so that the
// whole tree can be signalled at once.
func ConfigureGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Alive reports whether a process with pid exists
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// GroupAlive reports whether any member of the process group exists
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// TerminateGroup sends SIGTERM to the group, waits up to grace for it to
// exit, then sends SIGKILL. killed reports whether SIGKILL was needed.
func TerminateGroup(pgid int, grace time.Duration) (killed bool, err error) {
	if pgid <= 0 {
		return false, errors.New("invalid process group")
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return false, err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !GroupAlive(pgid) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
	if !GroupAlive(pgid) {
		return false, nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return true, err
	}
	return true, nil
}
