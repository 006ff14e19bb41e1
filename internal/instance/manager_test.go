package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/display"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/proc"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/provision"
	"github.com/huxaifamora-cell/BFA-copy-trading/pkg/testharness"
)

var _ proc.Runner = (*testharness.FakeRunner)(nil)

type recordedEvent struct {
	accountID int64
	event     string
}

type fakeRecorder struct {
	events []recordedEvent
}

func (r *fakeRecorder) Record(accountID int64, event, _ string) error {
	r.events = append(r.events, recordedEvent{accountID, event})
	return nil
}

func newManager(t *testing.T) (*Manager, *testharness.FakeRunner, *fakeRecorder) {
	t.Helper()

	root := t.TempDir()
	pluginPath := filepath.Join(root, "copier.ex4")
	require.NoError(t, os.WriteFile(pluginPath, []byte("plugin"), 0644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := testharness.NewFakeRunner()

	prov := provision.New(provision.Options{
		InstancesRoot: filepath.Join(root, "instances"),
		TerminalSetup: filepath.Join(root, "setup.exe"),
		PluginPath:    pluginPath,
	}, runner, logger)
	prov.SetSleep(func(time.Duration) {})

	rec := &fakeRecorder{}
	m := New(prov, display.NewAllocator(10, 50), runner, rec, Options{}, logger)
	m.SetSleep(func(time.Duration) {})
	return m, runner, rec
}

func pendingAccount(id int64) protocol.PendingAccount {
	return protocol.PendingAccount{
		ID:           id,
		Login:        "12345",
		Password:     "hunter2",
		BrokerServer: "Broker-Demo",
		Role:         protocol.RoleSlave,
		ChannelCode:  "ABC123",
		LotMode:      protocol.LotModeMirror,
		PushURL:      "https://copy.example.com",
	}
}

func TestLaunchRegistersInstance(t *testing.T) {
	m, runner, rec := newManager(t)

	require.NoError(t, m.Launch(context.Background(), pendingAccount(42)))

	st := m.Status(42)
	require.True(t, st.Running)
	require.NotZero(t, st.PID)
	require.Equal(t, 10+42%50, st.Display)
	require.True(t, runner.Alive(st.PID))

	require.Contains(t, rec.events, recordedEvent{42, "launched"})
}

func TestLaunchTwiceStopsPreviousInstance(t *testing.T) {
	m, runner, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Launch(ctx, pendingAccount(42)))
	firstPID := m.Status(42).PID

	require.NoError(t, m.Launch(ctx, pendingAccount(42)))
	secondPID := m.Status(42).PID

	require.NotEqual(t, firstPID, secondPID)
	require.False(t, runner.Alive(firstPID), "previous process must be stopped")
	require.True(t, runner.Alive(secondPID))
	require.Len(t, m.RegisteredIDs(), 1, "never two instances for one account")
}

func TestLaunchFailureReleasesDisplay(t *testing.T) {
	m, runner, rec := newManager(t)
	runner.FailStart["wine"] = errors.New("spawn failed")

	err := m.Launch(context.Background(), pendingAccount(42))
	require.Error(t, err)
	require.False(t, m.Registered(42))
	require.Contains(t, rec.events, recordedEvent{42, "launch_failed"})

	// the display window slot must be reusable
	runner.FailStart = map[string]error{}
	require.NoError(t, m.Launch(context.Background(), pendingAccount(42)))
}

func TestLaunchBootstrapFailureIsFatal(t *testing.T) {
	m, runner, _ := newManager(t)
	runner.FailRun["wineboot"] = errors.New("bootstrap failed")

	err := m.Launch(context.Background(), pendingAccount(42))
	require.Error(t, err)
	require.False(t, m.Registered(42))
}

func TestStopGraceful(t *testing.T) {
	m, runner, rec := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Launch(ctx, pendingAccount(42)))
	pid := m.Status(42).PID

	require.NoError(t, m.Stop(ctx, 42))

	require.False(t, m.Registered(42))
	require.False(t, runner.Alive(pid))
	require.Contains(t, rec.events, recordedEvent{42, "stopped"})

	var sawTerm, sawKill bool
	for _, c := range runner.CallsOf("signal") {
		if c.PID == pid && c.Sig == syscall.SIGTERM {
			sawTerm = true
		}
		if c.PID == pid && c.Sig == syscall.SIGKILL {
			sawKill = true
		}
	}
	require.True(t, sawTerm, "graceful terminate must be attempted first")
	require.False(t, sawKill, "no forced kill when the process exits in time")
}

func TestStopEscalatesToKill(t *testing.T) {
	m, runner, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Launch(ctx, pendingAccount(42)))
	pid := m.Status(42).PID
	runner.KeepAliveOnTerm(pid)

	require.NoError(t, m.Stop(ctx, 42))

	var sawKill bool
	for _, c := range runner.CallsOf("signal") {
		if c.PID == pid && c.Sig == syscall.SIGKILL {
			sawKill = true
		}
	}
	require.True(t, sawKill, "must escalate to SIGKILL after the grace period")
	require.False(t, runner.Alive(pid))
	require.False(t, m.Registered(42))
}

func TestStopCleansRootAndDisplay(t *testing.T) {
	m, runner, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Launch(ctx, pendingAccount(42)))
	root := m.lookup(42).Root
	disp := m.Status(42).Display
	launchRuns := len(runner.CallsOf("run"))

	require.NoError(t, m.Stop(ctx, 42))

	var sawRootKill, sawDisplayKill bool
	for _, c := range runner.CallsOf("run")[launchRuns:] {
		if c.Name != "pkill" {
			continue
		}
		for _, arg := range c.Args {
			if arg == root {
				sawRootKill = true
			}
			if arg == "Xvfb :"+strconv.Itoa(disp) {
				sawDisplayKill = true
			}
		}
	}
	require.True(t, sawRootKill, "process group bound to the root must be terminated")
	require.True(t, sawDisplayKill, "virtual display must be terminated")
}

func TestStopUnregisteredIsNoop(t *testing.T) {
	m, _, _ := newManager(t)
	require.NoError(t, m.Stop(context.Background(), 99))
}

func TestHealthCheckDeregistersDeadProcesses(t *testing.T) {
	m, runner, rec := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Launch(ctx, pendingAccount(1)))
	require.NoError(t, m.Launch(ctx, pendingAccount(2)))

	deadPID := m.Status(1).PID
	runner.MarkDead(deadPID)

	failures := m.HealthCheck()
	require.Len(t, failures, 1)
	require.Equal(t, int64(1), failures[0].AccountID)
	require.Equal(t, deadPID, failures[0].PID)

	require.False(t, m.Registered(1))
	require.True(t, m.Registered(2), "healthy instances stay registered")
	require.Contains(t, rec.events, recordedEvent{1, "died"})

	// a dead instance is not relaunched; only deregistered
	require.Empty(t, m.HealthCheck())
}

func TestStatusUptime(t *testing.T) {
	m, _, _ := newManager(t)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return start })
	require.NoError(t, m.Launch(context.Background(), pendingAccount(42)))

	m.SetClock(func() time.Time { return start.Add(90 * time.Second) })
	st := m.Status(42)
	require.True(t, st.Running)
	require.Equal(t, 90*time.Second, st.Uptime)
}
