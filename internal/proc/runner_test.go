package proc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	var r ExecRunner
	require.NoError(t, r.Run(context.Background(), nil, "true"))
}

func TestRunFailureIncludesOutput(t *testing.T) {
	var r ExecRunner
	err := r.Run(context.Background(), nil, "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRunHonorsContext(t *testing.T) {
	var r ExecRunner
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, r.Run(ctx, nil, "sleep", "10"))
}

func TestAliveSelf(t *testing.T) {
	var r ExecRunner
	require.True(t, r.Alive(os.Getpid()))
}

func TestStartDetachedWritesLog(t *testing.T) {
	var r ExecRunner
	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")

	pid, err := r.Start(dir, nil, logPath, "sh", "-c", "echo started; sleep 30")
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	t.Cleanup(func() { r.Signal(pid, syscall.SIGKILL) })

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "started")
	}, 2*time.Second, 20*time.Millisecond)
	require.True(t, r.Alive(pid))

	require.NoError(t, r.Signal(pid, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return !r.Alive(pid)
	}, 2*time.Second, 20*time.Millisecond)
}
