// Package proc abstracts process execution for the provisioner and the
// instance lifecycle manager: blocking shell-outs, detached long-lived
// spawns, and out-of-band liveness probes against raw pids. Managed
// processes outlive the agent, so they are tracked by pid, never by
// exec.Cmd ownership.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Runner executes external processes.
type Runner interface {
	// Run executes a command to completion. env entries are appended to
	// the inherited environment. The context bounds execution.
	Run(ctx context.Context, env []string, name string, args ...string) error
	// Start spawns a detached long-lived process: its own session
	// (so it survives agent restarts), stdout/stderr redirected to
	// logPath, working directory dir. Returns the pid.
	Start(dir string, env []string, logPath string, name string, args ...string) (int, error)
	// Signal delivers sig to pid.
	Signal(pid int, sig syscall.Signal) error
	// Alive reports whether pid still exists, without disturbing it.
	Alive(pid int) bool
}

// ExecRunner is the production Runner backed by os/exec and kill(2).
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (output: %s)", name, err, truncate(out, 512))
	}
	return nil
}

func (ExecRunner) Start(dir string, env []string, logPath string, name string, args ...string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	// Reap in the background so the child never zombies while the agent
	// stays up; the pid remains valid for signal/probe either way.
	go cmd.Wait()

	return pid, nil
}

func (ExecRunner) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (ExecRunner) Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
