// Package testharness provides in-process fakes for exercising the
// provisioner, lifecycle manager, and agent loop without spawning real
// processes.
package testharness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"
)

// Call records one Runner invocation.
type Call struct {
	Kind string // "run", "start", "signal"
	Name string
	Args []string
	Env  []string
	PID  int
	Sig  syscall.Signal
}

// FakeRunner is a proc.Runner that records invocations instead of
// executing them. Behavior is scripted per command name.
type FakeRunner struct {
	mu         sync.Mutex
	calls      []Call
	nextPID    int
	alive      map[int]bool
	ignoreTerm map[int]bool

	// FailRun maps a command name (or "name arg" prefix) to the error
	// its Run should return.
	FailRun map[string]error
	// FailStart maps a command name to a start error.
	FailStart map[string]error
}

// NewFakeRunner creates an empty fake runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		nextPID:    1000,
		alive:      make(map[int]bool),
		ignoreTerm: make(map[int]bool),
		FailRun:    make(map[string]error),
		FailStart:  make(map[string]error),
	}
}

func (f *FakeRunner) Run(_ context.Context, env []string, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Kind: "run", Name: name, Args: args, Env: env})

	full := strings.TrimSpace(name + " " + strings.Join(args, " "))
	for key, err := range f.FailRun {
		if name == key || strings.HasPrefix(full, key+" ") {
			return err
		}
	}
	return nil
}

func (f *FakeRunner) Start(_ string, env []string, _ string, name string, args ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.FailStart[name]; ok {
		return 0, err
	}

	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.calls = append(f.calls, Call{Kind: "start", Name: name, Args: args, Env: env, PID: pid})
	return pid, nil
}

func (f *FakeRunner) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Kind: "signal", PID: pid, Sig: sig})
	if !f.alive[pid] {
		return fmt.Errorf("no such process %d", pid)
	}
	switch sig {
	case syscall.SIGKILL:
		delete(f.alive, pid)
	case syscall.SIGTERM:
		if !f.ignoreTerm[pid] {
			delete(f.alive, pid)
		}
	}
	return nil
}

func (f *FakeRunner) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

// KeepAliveOnTerm makes pid ignore SIGTERM so tests can force the
// escalation path. Call after the process was started.
func (f *FakeRunner) KeepAliveOnTerm(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreTerm[pid] = true
}

// MarkDead simulates a crashed process.
func (f *FakeRunner) MarkDead(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf filters recorded invocations by kind.
func (f *FakeRunner) CallsOf(kind string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
