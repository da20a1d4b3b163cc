//go:build !unix

package process

import (
	"os"
	"os/exec"
	"time"
)

// ConfigureGroup is a no-op where process groups are unavailable
func ConfigureGroup(cmd *exec.Cmd) {}

// Alive reports whether a process with pid exists
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// GroupAlive falls back to checking the leader
func GroupAlive(pgid int) bool { return Alive(pgid) }

// TerminateGroup kills the leader; there is no graceful signal to send
func TerminateGroup(pgid int, _ time.Duration) (bool, error) {
	proc, err := os.FindProcess(pgid)
	if err != nil {
		return false, nil
	}
	return true, proc.Kill()
}
